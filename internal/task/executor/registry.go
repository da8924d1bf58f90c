// Package executor maps task types to the handlers that run them.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"outreachd/internal/task"
)

// Executor runs one task. Returning an error sends the task down the retry
// path; wrap it with Permanent to skip retries.
//
// Executors must be safe to call again for the same task after a failure.
type Executor interface {
	Execute(ctx context.Context, t task.Task) error
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, t task.Task) error

func (f Func) Execute(ctx context.Context, t task.Task) error { return f(ctx, t) }

type Registry struct {
	mu sync.RWMutex
	m  map[task.Type]Executor
}

func NewRegistry() *Registry {
	return &Registry{m: map[task.Type]Executor{}}
}

// Register binds ex to typ, replacing any previous binding.
func (r *Registry) Register(typ task.Type, ex Executor) error {
	if !typ.Valid() {
		return fmt.Errorf("register %q: %w", typ, ErrUnknownType)
	}
	if ex == nil {
		return fmt.Errorf("register %s: nil executor", typ)
	}
	r.mu.Lock()
	r.m[typ] = ex
	r.mu.Unlock()
	return nil
}

func (r *Registry) Lookup(typ task.Type) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.m[typ]
	return ex, ok
}

// Validate fails when any known task type lacks an executor.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, typ := range task.AllTypes() {
		if _, ok := r.m[typ]; !ok {
			missing = append(missing, string(typ))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrNoExecutor, strings.Join(missing, ", "))
	}
	return nil
}

func (r *Registry) Types() []task.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]task.Type, 0, len(r.m))
	for _, typ := range task.AllTypes() {
		if _, ok := r.m[typ]; ok {
			out = append(out, typ)
		}
	}
	return out
}
