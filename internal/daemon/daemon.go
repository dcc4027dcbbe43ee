// Package daemon runs the periodic tick loop that drives the scheduler
// engine. It integrates with systemd (READY/STOPPING/WATCHDOG notifications)
// when run as a unit and degrades to a plain loop otherwise.
package daemon

import (
	"context"
	"sync"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// Evaluator is the engine surface the daemon drives.
type Evaluator interface {
	EvaluateWithTimeout(ctx context.Context, now time.Time) ([]task.ExecutionResult, error)
}

// Config controls the tick loop.
type Config struct {
	// TickInterval is the pause between evaluation passes. Zero means 60s.
	TickInterval time.Duration
	// Enabled gates the loop entirely; a disabled scheduler starts, logs
	// and exits cleanly so the unit does not flap.
	Enabled bool
}

// Daemon owns the tick loop.
type Daemon struct {
	cfg    Config
	engine Evaluator
	bus    eventbus.Bus // optional
	log    logx.Logger

	stopOnce sync.Once
	stopCh   chan struct{}

	// Injectable for tests; default to the real sd_notify plumbing.
	sdNotify         func(state string)
	watchdogInterval func() time.Duration
}

func New(cfg Config, engine Evaluator, bus eventbus.Bus, log logx.Logger) *Daemon {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Daemon{
		cfg:    cfg,
		engine: engine,
		bus:    bus,
		log:    log,
		stopCh: make(chan struct{}),
		sdNotify: func(state string) {
			_, _ = sd.SdNotify(false, state)
		},
		watchdogInterval: func() time.Duration {
			iv, err := sd.SdWatchdogEnabled(false)
			if err != nil {
				return 0
			}
			return iv
		},
	}
}

// Run ticks until the context is cancelled or Shutdown is called. The first
// evaluation happens immediately, not after one interval.
//
// Run never returns an error for per-tick failures; a tick that cannot query
// the store is logged and retried on the next interval.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.cfg.Enabled {
		d.log.Warn("scheduler is disabled, daemon exiting")
		return nil
	}

	d.log.Info("daemon started", logx.Duration("tick_interval", d.cfg.TickInterval))
	d.sdNotify(sd.SdNotifyReady)
	defer d.sdNotify(sd.SdNotifyStopping)

	if d.bus != nil {
		events, unsubscribe := d.bus.Subscribe(128)
		defer unsubscribe()
		go d.drainEvents(events)
	}

	var watchdogC <-chan time.Time
	if iv := d.watchdogInterval(); iv > 0 {
		t := time.NewTicker(iv / 2)
		defer t.Stop()
		watchdogC = t.C
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			d.log.Info("daemon stopping", logx.String("reason", "context cancelled"))
			return nil
		case <-d.stopCh:
			d.log.Info("daemon stopping", logx.String("reason", "shutdown requested"))
			return nil
		case <-watchdogC:
			d.sdNotify(sd.SdNotifyWatchdog)
		case <-timer.C:
			d.tick(ctx)
			timer.Reset(d.cfg.TickInterval)
		}
	}
}

// Shutdown requests a stop; it is safe to call more than once and wakes the
// loop out of its inter-tick sleep immediately.
func (d *Daemon) Shutdown() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// drainEvents logs task lifecycle events published by the engine. It runs
// until the subscription is closed on shutdown.
func (d *Daemon) drainEvents(events <-chan eventbus.Event) {
	for e := range events {
		res, ok := e.Data.(task.ExecutionResult)
		if !ok {
			continue
		}
		fields := []logx.Field{
			logx.String("task", res.Name),
			logx.String("run_id", res.RunID),
			logx.String("handler", res.HandlerType),
		}
		switch e.Type {
		case eventbus.TypeError, eventbus.TypeTimeout:
			d.log.Warn(e.Type, append(fields, logx.String("error", res.Error))...)
		default:
			d.log.Debug(e.Type, fields...)
		}
	}
}

func (d *Daemon) tick(ctx context.Context) {
	// A shutdown signal must not cancel work already in flight; the loop
	// exits only after the current tick completes. The handler timeout still
	// bounds how long that can take.
	tickCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()
	results, err := d.engine.EvaluateWithTimeout(tickCtx, now)
	if err != nil {
		d.log.Error("tick failed", logx.Err(err))
		return
	}
	if len(results) == 0 {
		d.log.Debug("tick complete", logx.Int("executed", 0))
		return
	}

	var executed, failed, timedOut int
	for i := range results {
		switch results[i].Status {
		case task.StatusExecuted:
			executed++
		case task.StatusTimeout:
			timedOut++
		default:
			failed++
		}
	}
	d.log.Info("tick complete",
		logx.Int("executed", executed),
		logx.Int("failed", failed),
		logx.Int("timed_out", timedOut))
}
