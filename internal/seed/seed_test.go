package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"taskd/internal/storage"
	logx "taskd/pkg/logx"
)

const sampleSeed = `
tasks:
  - name: nightly_backup
    description: dump the database
    schedule_type: cron
    schedule:
      expression: "0 3 * * *"
    handler_type: custom
    handler:
      command: "echo backup"
    delivery_channel: webhook
    delivery:
      url: "http://example.com/hook"
  - name: heartbeat
    schedule_type: interval
    schedule:
      minutes: 5
    handler_type: custom
    handler:
      command: "echo ok"
    enabled: false
`

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
	return path
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func allKnown(string) bool { return true }

func TestLoadParsesDefinitions(t *testing.T) {
	t.Parallel()
	defs, err := Load(writeSeedFile(t, sampleSeed))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("defs = %d, want 2", len(defs))
	}
	if defs[0].Name != "nightly_backup" || defs[0].ScheduleType != "cron" {
		t.Fatalf("defs[0] = %+v", defs[0])
	}
	if defs[0].Schedule["expression"] != "0 3 * * *" {
		t.Fatalf("schedule = %v", defs[0].Schedule)
	}
	if defs[1].Enabled == nil || *defs[1].Enabled {
		t.Fatalf("heartbeat should be disabled")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeSeedFile(t, "tasks:\n  - name: x\n    bogus_field: 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestApplyUpsertsTasks(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 9, 8, 0, 0, 0, time.UTC)

	defs, err := Load(writeSeedFile(t, sampleSeed))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	opts := Options{HandlerKnown: allKnown, ChannelKnown: allKnown, Log: logx.Nop()}
	applied, err := Apply(ctx, st, opts, defs, now)
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if applied != 2 {
		t.Fatalf("applied = %d, want 2", applied)
	}

	backup, err := st.GetByName(ctx, "nightly_backup")
	if err != nil {
		t.Fatalf("GetByName error: %v", err)
	}
	if !backup.Enabled {
		t.Fatal("nightly_backup should default to enabled")
	}
	// Next 03:00 after 08:00 on June 9 is June 10.
	wantNext := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
	if backup.NextRunAt == nil || !backup.NextRunAt.Equal(wantNext) {
		t.Fatalf("NextRunAt = %v, want %v", backup.NextRunAt, wantNext)
	}
	if backup.DeliveryChannel != "webhook" {
		t.Fatalf("DeliveryChannel = %q", backup.DeliveryChannel)
	}

	hb, err := st.GetByName(ctx, "heartbeat")
	if err != nil {
		t.Fatalf("GetByName error: %v", err)
	}
	if hb.Enabled {
		t.Fatal("heartbeat should be disabled")
	}

	// Re-applying is idempotent.
	again, err := Apply(ctx, st, opts, defs, now)
	if err != nil {
		t.Fatalf("second Apply error: %v", err)
	}
	if again != 2 {
		t.Fatalf("second apply = %d", again)
	}
	all, err := st.List(ctx, false)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("tasks = %d, want 2", len(all))
	}
}

func TestApplySkipsInvalidDefinitions(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	now := time.Date(2025, 6, 9, 8, 0, 0, 0, time.UTC)

	defs := []Definition{
		{Name: "", ScheduleType: "interval", Schedule: map[string]any{"minutes": 1}, HandlerType: "custom"},
		{Name: "bad_handler", ScheduleType: "interval", Schedule: map[string]any{"minutes": 1}, HandlerType: "nope"},
		{Name: "bad_schedule", ScheduleType: "interval", Schedule: map[string]any{"minutes": 0}, HandlerType: "custom"},
		{Name: "good", ScheduleType: "interval", Schedule: map[string]any{"minutes": 1}, HandlerType: "custom"},
	}
	opts := Options{
		HandlerKnown: func(tag string) bool { return tag == "custom" },
		ChannelKnown: allKnown,
		Log:          logx.Nop(),
	}
	applied, err := Apply(context.Background(), st, opts, defs, now)
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
	if _, err := st.GetByName(context.Background(), "good"); err != nil {
		t.Fatalf("good task missing: %v", err)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	path := writeSeedFile(t, sampleSeed)

	opts := Options{HandlerKnown: allKnown, ChannelKnown: allKnown, Log: logx.Nop()}
	w := NewWatcher(path, st, opts, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	// Give the watcher a moment to register, then add a task to the file.
	time.Sleep(100 * time.Millisecond)
	extra := sampleSeed + `
  - name: extra_task
    schedule_type: interval
    schedule:
      minutes: 2
    handler_type: custom
    handler:
      command: "echo extra"
`
	if err := os.WriteFile(path, []byte(extra), 0o644); err != nil {
		t.Fatalf("rewrite seed file: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := st.GetByName(context.Background(), "extra_task"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("extra_task never applied after file change")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
