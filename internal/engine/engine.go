// Package engine evaluates due scheduled tasks: it executes each task's
// handler, recomputes the next run time, persists the outcome and routes
// the result to an optional delivery channel.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskd/internal/eventbus"
	"taskd/internal/schedule"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

var errHandlerTimeout = errors.New("handler timed out")

// TaskStore is the slice of the persistence layer the engine needs. Writes
// go through a single-writer store; the engine never issues them
// concurrently.
type TaskStore interface {
	Due(ctx context.Context, now time.Time) ([]task.ScheduledTask, error)
	SetNextRun(ctx context.Context, id int64, next *time.Time) error
	RecordRun(ctx context.Context, id int64, lastRun time.Time, next *time.Time, lastResult string) error
	SetLastResult(ctx context.Context, id int64, lastResult string) error
}

// Executor dispatches a handler_type tag to its handler function.
type Executor interface {
	Execute(ctx context.Context, handlerType, config string) (string, error)
}

// Deliverer routes a result to a delivery channel. It never fails loudly;
// failures come back inside the status.
type Deliverer interface {
	Deliver(ctx context.Context, channel, configJSON, resultText, taskName string) task.DeliveryStatus
}

// Config controls execution.
type Config struct {
	// HandlerTimeout is the hard wall-clock cap applied by
	// EvaluateWithTimeout. Zero means the 300s default.
	HandlerTimeout time.Duration
}

// Engine orchestrates one evaluation pass over all due tasks.
type Engine struct {
	cfg      Config
	store    TaskStore
	handlers Executor
	router   Deliverer // optional
	bus      eventbus.Bus
	log      logx.Logger
}

func New(cfg Config, store TaskStore, handlers Executor, router Deliverer, bus eventbus.Bus, log logx.Logger) *Engine {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 300 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{cfg: cfg, store: store, handlers: handlers, router: router, bus: bus, log: log}
}

// Evaluate executes every due task sequentially with no engine-imposed
// timeout beyond what handlers enforce themselves.
//
// An error is returned only when the due-task query fails; that is fatal to
// the whole tick because nothing can be evaluated. Per-task failures are
// recorded in the returned results and never abort the pass.
func (e *Engine) Evaluate(ctx context.Context, now time.Time) ([]task.ExecutionResult, error) {
	return e.evaluate(ctx, now, 0)
}

// EvaluateWithTimeout is Evaluate with a hard per-handler wall-clock
// timeout. On expiry the engine stops waiting and records a timeout result;
// cancellation of the underlying work is best-effort via context.
func (e *Engine) EvaluateWithTimeout(ctx context.Context, now time.Time) ([]task.ExecutionResult, error) {
	return e.evaluate(ctx, now, e.cfg.HandlerTimeout)
}

func (e *Engine) evaluate(ctx context.Context, now time.Time, timeout time.Duration) ([]task.ExecutionResult, error) {
	due, err := e.store.Due(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}

	// Sequential on purpose: tasks share one persistence writer and their
	// updates must not interleave.
	results := make([]task.ExecutionResult, 0, len(due))
	for i := range due {
		results = append(results, e.executeTask(ctx, due[i], now, timeout))
	}
	return results, nil
}

func (e *Engine) executeTask(ctx context.Context, t task.ScheduledTask, now time.Time, timeout time.Duration) task.ExecutionResult {
	res := task.ExecutionResult{
		TaskID:      t.ID,
		RunID:       uuid.NewString(),
		Name:        t.Name,
		HandlerType: t.HandlerType,
	}

	// Recompute the next run up front and persist it before executing
	// (optimistic lock): a tick that overlaps a slow handler will not see
	// the task as due again.
	next, err := schedule.NextRun(t.ScheduleType, t.ScheduleConfig, now)
	if err != nil {
		// Misconfigured schedule. Record the failure with last_run_at set so
		// the definition error is visible without hot-looping the handler.
		res.Status = task.StatusError
		res.Error = err.Error()
		e.persistOutcome(ctx, t.ID, now, t.NextRunAt, statusJSON(task.StatusError, res.Error), &res)
		e.log.Error("schedule recomputation failed", logx.String("task", t.Name), logx.Err(err))
		e.publish(eventbus.TypeError, res)
		return res
	}
	res.NextRunAt = next
	if err := e.store.SetNextRun(ctx, t.ID, next); err != nil {
		res.Status = task.StatusError
		res.Error = fmt.Sprintf("persist next run: %v", err)
		e.log.Error("next run update failed", logx.String("task", t.Name), logx.Err(err))
		e.publish(eventbus.TypeError, res)
		return res
	}

	start := time.Now()
	handlerResult, runErr := e.runHandler(ctx, t, timeout)
	dur := time.Since(start)

	switch {
	case errors.Is(runErr, errHandlerTimeout):
		res.Status = task.StatusTimeout
		res.Error = fmt.Sprintf("handler timed out after %s", timeout)
		e.log.Error("task timed out", logx.String("task", t.Name), logx.Duration("timeout", timeout))
		e.persistOutcome(ctx, t.ID, now, next, statusJSON(task.StatusTimeout, res.Error), &res)
		e.publish(eventbus.TypeTimeout, res)
		return res

	case runErr != nil:
		res.Status = task.StatusError
		res.Error = runErr.Error()
		e.log.Error("task failed", logx.String("task", t.Name), logx.Err(runErr), logx.Duration("dur", dur))
		e.persistOutcome(ctx, t.ID, now, next, statusJSON(task.StatusError, res.Error), &res)
		e.publish(eventbus.TypeError, res)
		return res
	}

	res.Status = task.StatusExecuted
	res.Result = handlerResult
	e.persistOutcome(ctx, t.ID, now, next, handlerResult, &res)
	e.log.Info("task executed",
		logx.String("task", t.Name),
		logx.String("handler", t.HandlerType),
		logx.Duration("dur", dur))

	if t.DeliveryChannel != "" && e.router != nil {
		ds := e.router.Deliver(ctx, t.DeliveryChannel, t.DeliveryConfig, handlerResult, t.Name)
		res.Delivery = &ds
		// Fold the delivery status into the stored result so it is visible
		// when listing tasks. A delivery failure never rolls back the run.
		if err := e.store.SetLastResult(ctx, t.ID, combineResult(handlerResult, ds)); err != nil {
			e.log.Error("persist delivery status failed", logx.String("task", t.Name), logx.Err(err))
		}
	}

	e.publish(eventbus.TypeExecuted, res)
	return res
}

// runHandler executes the task's handler, optionally racing it against a
// wall-clock timeout. Handler panics become errors so one bad handler can
// never corrupt engine state.
func (e *Engine) runHandler(ctx context.Context, t task.ScheduledTask, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		return e.callHandler(ctx, t)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	// Buffered so an abandoned handler can still complete its send.
	ch := make(chan outcome, 1)
	go func() {
		r, err := e.callHandler(runCtx, t)
		ch <- outcome{result: r, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", errHandlerTimeout
		}
		return "", runCtx.Err()
	}
}

func (e *Engine) callHandler(ctx context.Context, t task.ScheduledTask) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return e.handlers.Execute(ctx, t.HandlerType, t.HandlerConfig)
}

// persistOutcome records last_run_at, next_run_at and last_result in one
// update. Store failures are logged and surfaced in the result; the tick
// itself continues so one write failure cannot wedge the schedule of every
// other task.
func (e *Engine) persistOutcome(ctx context.Context, id int64, now time.Time, next *time.Time, lastResult string, res *task.ExecutionResult) {
	if err := e.store.RecordRun(ctx, id, now, next, lastResult); err != nil {
		e.log.Error("persist run outcome failed", logx.Int64("task_id", id), logx.Err(err))
		if res.Error == "" {
			res.Error = fmt.Sprintf("persist run outcome: %v", err)
		}
	}
}

func (e *Engine) publish(eventType string, res task.ExecutionResult) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: eventType, Data: res})
}

func statusJSON(status, errMsg string) string {
	b, err := json.Marshal(map[string]string{"status": status, "error": errMsg})
	if err != nil {
		return fmt.Sprintf(`{"status":%q}`, status)
	}
	return string(b)
}

// combineResult embeds the delivery status alongside the handler result.
// Handler results that are JSON objects are extended in place; anything
// else is wrapped.
func combineResult(handlerResult string, ds task.DeliveryStatus) string {
	var combined map[string]any
	if err := json.Unmarshal([]byte(handlerResult), &combined); err != nil || combined == nil {
		combined = map[string]any{"handler_result": handlerResult}
	}
	combined["delivery"] = ds
	b, err := json.Marshal(combined)
	if err != nil {
		return handlerResult
	}
	return string(b)
}
