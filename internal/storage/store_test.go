package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func ptr(t time.Time) *time.Time { return &t }

func TestUpsertAndGet(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	next := time.Date(2025, 6, 9, 8, 0, 0, 0, time.UTC)
	created, err := st.Upsert(ctx, task.ScheduledTask{
		Name:           "nightly_backup",
		ScheduleType:   task.ScheduleInterval,
		ScheduleConfig: `{"hours":24}`,
		HandlerType:    "custom",
		HandlerConfig:  `{"command":"echo backup"}`,
		Enabled:        true,
		NextRunAt:      ptr(next),
	})
	if err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("expected assigned id")
	}
	if created.NextRunAt == nil || !created.NextRunAt.Equal(next) {
		t.Fatalf("NextRunAt = %v, want %v", created.NextRunAt, next)
	}

	byName, err := st.GetByName(ctx, "nightly_backup")
	if err != nil {
		t.Fatalf("GetByName error: %v", err)
	}
	if byName.ID != created.ID {
		t.Fatalf("GetByName id = %d, want %d", byName.ID, created.ID)
	}

	// Upsert by the same name updates the definition, not the identity.
	updated, err := st.Upsert(ctx, task.ScheduledTask{
		Name:           "nightly_backup",
		ScheduleType:   task.ScheduleCron,
		ScheduleConfig: `{"expression":"0 3 * * *"}`,
		HandlerType:    "custom",
		Enabled:        false,
	})
	if err != nil {
		t.Fatalf("Upsert update error: %v", err)
	}
	if updated.ID != created.ID {
		t.Fatalf("Upsert changed id: %d -> %d", created.ID, updated.ID)
	}
	if updated.ScheduleType != task.ScheduleCron || updated.Enabled {
		t.Fatalf("definition not updated: %+v", updated)
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	if _, err := st.Get(context.Background(), 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestDueQuery(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 9, 12, 0, 0, 0, time.UTC)

	seed := []task.ScheduledTask{
		{Name: "past_enabled", ScheduleType: task.ScheduleInterval, HandlerType: "custom", Enabled: true, NextRunAt: ptr(now.Add(-time.Minute))},
		{Name: "exactly_now", ScheduleType: task.ScheduleInterval, HandlerType: "custom", Enabled: true, NextRunAt: ptr(now)},
		{Name: "future", ScheduleType: task.ScheduleInterval, HandlerType: "custom", Enabled: true, NextRunAt: ptr(now.Add(time.Hour))},
		{Name: "past_disabled", ScheduleType: task.ScheduleInterval, HandlerType: "custom", Enabled: false, NextRunAt: ptr(now.Add(-time.Hour))},
		{Name: "no_next_run", ScheduleType: task.ScheduleOnce, HandlerType: "custom", Enabled: true},
	}
	for _, s := range seed {
		if _, err := st.Upsert(ctx, s); err != nil {
			t.Fatalf("Upsert(%s) error: %v", s.Name, err)
		}
	}

	due, err := st.Due(ctx, now)
	if err != nil {
		t.Fatalf("Due error: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("Due returned %d tasks, want 2: %+v", len(due), due)
	}
	if due[0].Name != "past_enabled" || due[1].Name != "exactly_now" {
		t.Fatalf("unexpected due order: %s, %s", due[0].Name, due[1].Name)
	}
}

func TestRecordRunAndClearNextRun(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 9, 12, 0, 0, 0, time.UTC)

	created, err := st.Upsert(ctx, task.ScheduledTask{
		Name: "oneshot", ScheduleType: task.ScheduleOnce, HandlerType: "custom",
		Enabled: true, NextRunAt: ptr(now.Add(-time.Minute)),
	})
	if err != nil {
		t.Fatalf("Upsert error: %v", err)
	}

	// A fired one-shot records the run and clears next_run_at.
	if err := st.RecordRun(ctx, created.ID, now, nil, `{"status":"executed"}`); err != nil {
		t.Fatalf("RecordRun error: %v", err)
	}
	got, err := st.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.NextRunAt != nil {
		t.Fatalf("NextRunAt = %v, want nil after fired one-shot", got.NextRunAt)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(now) {
		t.Fatalf("LastRunAt = %v, want %v", got.LastRunAt, now)
	}
	if got.LastResult != `{"status":"executed"}` {
		t.Fatalf("LastResult = %q", got.LastResult)
	}

	due, err := st.Due(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Due error: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("completed one-shot still due: %+v", due)
	}
}

func TestSetEnabledAndDelete(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	created, err := st.Upsert(ctx, task.ScheduledTask{
		Name: "toggle", ScheduleType: task.ScheduleInterval, HandlerType: "custom",
		Enabled: true, NextRunAt: ptr(time.Now().Add(-time.Minute)),
	})
	if err != nil {
		t.Fatalf("Upsert error: %v", err)
	}

	if err := st.SetEnabled(ctx, created.ID, false); err != nil {
		t.Fatalf("SetEnabled error: %v", err)
	}
	due, err := st.Due(ctx, time.Now())
	if err != nil {
		t.Fatalf("Due error: %v", err)
	}
	if len(due) != 0 {
		t.Fatal("disabled task still due")
	}

	ok, err := st.Delete(ctx, created.ID)
	if err != nil || !ok {
		t.Fatalf("Delete = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = st.Delete(ctx, created.ID)
	if err != nil || ok {
		t.Fatalf("second Delete = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestUpdateMissingTask(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	err := st.SetNextRun(context.Background(), 424242, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetNextRun error = %v, want ErrNotFound", err)
	}
}
