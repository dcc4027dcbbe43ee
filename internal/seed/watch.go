package seed

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "taskd/pkg/logx"
)

const reloadDebounce = 250 * time.Millisecond

// Watcher reapplies the seed file whenever it changes on disk. The parent
// directory is watched rather than the file itself so editors that replace
// the file (write to temp, rename over) are still observed.
type Watcher struct {
	path  string
	store TaskWriter
	opts  Options
	log   logx.Logger
}

func NewWatcher(path string, store TaskWriter, opts Options, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{path: path, store: store, opts: opts, log: log}
}

// Watch blocks until the context is cancelled. Reloads are debounced so a
// burst of write events from one save triggers a single apply; a file that
// fails to parse is logged and the previously applied definitions stay in
// effect.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	base := filepath.Base(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}
	w.log.Debug("seed watcher started", logx.String("path", w.path))

	var timerMu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() { w.reload(ctx) })
	}

	for {
		select {
		case <-ctx.Done():
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timerMu.Unlock()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), base) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("seed watch error", logx.Err(err))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	defs, err := Load(w.path)
	if err != nil {
		w.log.Warn("seed reload failed", logx.String("path", w.path), logx.Err(err))
		return
	}
	applied, err := Apply(ctx, w.store, w.opts, defs, time.Now().UTC())
	if err != nil {
		w.log.Error("seed apply failed", logx.String("path", w.path), logx.Err(err))
		return
	}
	w.log.Info("seed reloaded", logx.String("path", w.path), logx.Int("applied", applied))
}
