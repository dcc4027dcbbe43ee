package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var ErrNotFound = errors.New("task not found")

// Config configures the store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// Store is the SQLite-backed task store.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (creating if needed) the task database and applies migrations.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; pinning the pool to one connection
	// serializes all writes without an extra lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable. The daemon refuses to start when
// this fails.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const taskColumns = `id, name, description, schedule_type, schedule_config,
	handler_type, handler_config, enabled, last_run_at, next_run_at,
	last_result, delivery_channel, delivery_config, created_at, updated_at`

// Upsert inserts a task or, when the name already exists, replaces its
// definition while preserving last_run_at and last_result.
func (s *Store) Upsert(ctx context.Context, t task.ScheduledTask) (task.ScheduledTask, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (name, description, schedule_type, schedule_config,
		     handler_type, handler_config, enabled, next_run_at,
		     delivery_channel, delivery_config, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET
		     description=excluded.description,
		     schedule_type=excluded.schedule_type,
		     schedule_config=excluded.schedule_config,
		     handler_type=excluded.handler_type,
		     handler_config=excluded.handler_config,
		     enabled=excluded.enabled,
		     next_run_at=excluded.next_run_at,
		     delivery_channel=excluded.delivery_channel,
		     delivery_config=excluded.delivery_config,
		     updated_at=excluded.updated_at`,
		t.Name, t.Description, string(t.ScheduleType), t.ScheduleConfig,
		t.HandlerType, t.HandlerConfig, boolInt(t.Enabled), nullTime(t.NextRunAt),
		nullStr(t.DeliveryChannel), nullStr(t.DeliveryConfig),
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return task.ScheduledTask{}, err
	}
	return s.GetByName(ctx, t.Name)
}

func (s *Store) Get(ctx context.Context, id int64) (task.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *Store) GetByName(ctx context.Context, name string) (task.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE name = ?`, name)
	return scanTask(row)
}

// List returns all tasks, optionally restricted to enabled ones.
func (s *Store) List(ctx context.Context, enabledOnly bool) ([]task.ScheduledTask, error) {
	q := `SELECT ` + taskColumns + ` FROM scheduled_tasks ORDER BY id`
	if enabledOnly {
		q = `SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE enabled = 1 ORDER BY id`
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// Due returns enabled tasks whose next_run_at is at or before now, in
// stable id order.
func (s *Store) Due(ctx context.Context, now time.Time) ([]task.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks
		 WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY id`,
		formatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// SetNextRun advances (or clears) a task's next_run_at. The engine calls
// this before executing a due task so an overlapping tick cannot pick the
// task up again.
func (s *Store) SetNextRun(ctx context.Context, id int64, next *time.Time) error {
	return s.exec(ctx,
		`UPDATE scheduled_tasks SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		nullTime(next), formatTime(time.Now().UTC()), id)
}

// RecordRun persists the outcome of one execution in a single update.
func (s *Store) RecordRun(ctx context.Context, id int64, lastRun time.Time, next *time.Time, lastResult string) error {
	return s.exec(ctx,
		`UPDATE scheduled_tasks
		 SET last_run_at = ?, next_run_at = ?, last_result = ?, updated_at = ?
		 WHERE id = ?`,
		formatTime(lastRun), nullTime(next), lastResult, formatTime(time.Now().UTC()), id)
}

// SetLastResult replaces only the stored result, e.g. to fold in a delivery
// status after the run was already recorded.
func (s *Store) SetLastResult(ctx context.Context, id int64, lastResult string) error {
	return s.exec(ctx,
		`UPDATE scheduled_tasks SET last_result = ?, updated_at = ? WHERE id = ?`,
		lastResult, formatTime(time.Now().UTC()), id)
}

func (s *Store) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	return s.exec(ctx,
		`UPDATE scheduled_tasks SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), formatTime(time.Now().UTC()), id)
}

// Delete removes a task; it reports whether a row was deleted.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- row mapping ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (task.ScheduledTask, error) {
	var (
		t                     task.ScheduledTask
		scheduleType          string
		enabled               int
		lastRunAt, nextRunAt  sql.NullString
		lastResult            sql.NullString
		deliveryCh, deliveryC sql.NullString
		createdAt, updatedAt  string
	)
	err := row.Scan(&t.ID, &t.Name, &t.Description, &scheduleType, &t.ScheduleConfig,
		&t.HandlerType, &t.HandlerConfig, &enabled, &lastRunAt, &nextRunAt,
		&lastResult, &deliveryCh, &deliveryC, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return task.ScheduledTask{}, ErrNotFound
	}
	if err != nil {
		return task.ScheduledTask{}, err
	}

	t.ScheduleType = task.ScheduleType(scheduleType)
	t.Enabled = enabled != 0
	t.LastRunAt = parseNullTime(lastRunAt)
	t.NextRunAt = parseNullTime(nextRunAt)
	t.LastResult = lastResult.String
	t.DeliveryChannel = deliveryCh.String
	t.DeliveryConfig = deliveryC.String
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]task.ScheduledTask, error) {
	var out []task.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Timestamps are stored in UTC with fixed-width nanoseconds so that
// lexicographic comparison in SQL matches chronological order
// (RFC3339Nano strips trailing zeros, which would break ordering).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
