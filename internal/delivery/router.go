// Package delivery routes task execution results to outbound channels.
//
// Delivery is always best-effort: adapter failures (including panics) are
// converted to an error status at the router boundary and never propagate
// into task execution.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// Adapter turns a result string into an outbound message on one channel.
type Adapter interface {
	Channel() string
	Deliver(ctx context.Context, resultText string, config map[string]any, taskName string) (task.DeliveryStatus, error)
}

// Router maps delivery_channel tags to adapters and rate-limits outbound
// messages across all channels.
type Router struct {
	mu       sync.RWMutex
	adapters map[string]Adapter

	limiter *rate.Limiter
	log     logx.Logger
}

// NewRouter creates an empty router. ratePerMinute caps outbound messages;
// <= 0 disables limiting.
func NewRouter(ratePerMinute int, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	var lim *rate.Limiter
	if ratePerMinute > 0 {
		lim = rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), ratePerMinute)
	}
	return &Router{adapters: map[string]Adapter{}, limiter: lim, log: log}
}

// Register binds an adapter under its channel tag.
func (r *Router) Register(a Adapter) {
	if a == nil {
		return
	}
	name := strings.TrimSpace(a.Channel())
	if name == "" {
		return
	}
	r.mu.Lock()
	r.adapters[name] = a
	r.mu.Unlock()
}

// Has reports whether a channel tag is registered; task creation uses this
// to reject unknown channels up front.
func (r *Router) Has(channel string) bool {
	r.mu.RLock()
	_, ok := r.adapters[strings.TrimSpace(channel)]
	r.mu.RUnlock()
	return ok
}

// Channels returns the registered channel tags, sorted.
func (r *Router) Channels() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Deliver routes a handler result to the named channel. It never returns an
// error and never panics; all failures are reported in the status.
func (r *Router) Deliver(ctx context.Context, channel, configJSON, resultText, taskName string) task.DeliveryStatus {
	r.mu.RLock()
	adapter := r.adapters[strings.TrimSpace(channel)]
	r.mu.RUnlock()

	if adapter == nil {
		return task.DeliveryStatus{
			Status: "error",
			Error:  fmt.Sprintf("unknown delivery channel: %q", channel),
		}
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return task.DeliveryStatus{
				Status:  "error",
				Channel: channel,
				Error:   fmt.Sprintf("delivery rate limit wait: %v", err),
			}
		}
	}

	config := parseConfig(configJSON)

	status, err := r.safeDeliver(ctx, adapter, resultText, config, taskName)
	if err != nil {
		r.log.Error("delivery failed",
			logx.String("channel", channel),
			logx.String("task", taskName),
			logx.Err(err))
		return task.DeliveryStatus{Status: "error", Channel: channel, Error: err.Error()}
	}
	if status.Channel == "" {
		status.Channel = channel
	}
	return status
}

// safeDeliver isolates adapter panics.
func (r *Router) safeDeliver(ctx context.Context, a Adapter, resultText string, config map[string]any, taskName string) (status task.DeliveryStatus, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("delivery adapter panic: %v", rec)
		}
	}()
	return a.Deliver(ctx, resultText, config, taskName)
}

func parseConfig(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// ---- config accessors shared by adapters ----

func configString(config map[string]any, key, def string) string {
	if v, ok := config[key].(string); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func configInt64(config map[string]any, key string) (int64, bool) {
	switch v := config[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		var n int64
		_, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n)
		return n, err == nil
	default:
		return 0, false
	}
}

func configStrings(config map[string]any, key string) []string {
	switch v := config[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}
