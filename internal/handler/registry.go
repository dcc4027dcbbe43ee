// Package handler maps handler_type tags to executable handler functions.
//
// The engine is agnostic to what a handler does: a handler takes its opaque
// config blob and returns a serializable result string. Handler bodies are
// pluggable; only the custom subprocess handler is built in, because its
// safety contract is part of the core.
package handler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	logx "taskd/pkg/logx"
)

// Func executes one handler invocation. Implementations should honor ctx
// cancellation but must not assume the engine waits past its own deadline.
type Func func(ctx context.Context, config string) (string, error)

// Registry is a closed, extensible mapping from handler_type to Func.
type Registry struct {
	mu  sync.RWMutex
	m   map[string]Func
	log logx.Logger
}

// NewRegistry returns a registry with the built-in custom subprocess
// handler already registered.
func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{m: map[string]Func{}, log: log}
	r.Register("custom", func(ctx context.Context, config string) (string, error) {
		return runCustomCommand(ctx, config, log)
	})
	return r
}

// Register binds a handler tag. Later registrations replace earlier ones.
func (r *Registry) Register(handlerType string, fn Func) {
	name := strings.TrimSpace(handlerType)
	if name == "" || fn == nil {
		return
	}
	r.mu.Lock()
	r.m[name] = fn
	r.mu.Unlock()
}

// Has reports whether a handler tag is registered. Task creation uses this
// to reject unknown tags up front instead of at execution time.
func (r *Registry) Has(handlerType string) bool {
	r.mu.RLock()
	_, ok := r.m[strings.TrimSpace(handlerType)]
	r.mu.RUnlock()
	return ok
}

// Types returns the registered handler tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Execute runs the handler bound to handlerType. An unregistered tag is an
// execution error; the engine records it without stopping the tick.
func (r *Registry) Execute(ctx context.Context, handlerType, config string) (string, error) {
	r.mu.RLock()
	fn := r.m[strings.TrimSpace(handlerType)]
	r.mu.RUnlock()
	if fn == nil {
		return "", fmt.Errorf("unknown handler_type: %q", handlerType)
	}
	return fn(ctx, config)
}
