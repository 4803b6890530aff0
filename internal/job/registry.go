package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler executes a job body. args is the payload's raw argument document.
type Handler func(ctx context.Context, args json.RawMessage) error

// Registry binds payload handler names to callables.
//
// Entries in the store only carry handler names, so after a restart a job is
// runnable as soon as its handler is registered again.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds name to h, replacing any previous binding.
func (r *Registry) Register(name string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: handler name required", ErrInvalidArgument)
	}
	if h == nil {
		return fmt.Errorf("%w: handler %q is nil", ErrInvalidArgument, name)
	}
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
	return nil
}

// Func registers a handler that takes no arguments.
func (r *Registry) Func(name string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("%w: handler %q is nil", ErrInvalidArgument, name)
	}
	return r.Register(name, func(ctx context.Context, _ json.RawMessage) error { return fn(ctx) })
}

// Typed registers a handler whose arguments decode into T.
// Decode failures are permanent and never retried.
func Typed[T any](r *Registry, name string, fn func(ctx context.Context, args T) error) error {
	if fn == nil {
		return fmt.Errorf("%w: handler %q is nil", ErrInvalidArgument, name)
	}
	return r.Register(name, func(ctx context.Context, raw json.RawMessage) error {
		var args T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return NoRetry(fmt.Errorf("decode args for %s: %w", name, err))
			}
		}
		return fn(ctx, args)
	})
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names returns registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Bind resolves p into a ready-to-run callable.
func (r *Registry) Bind(p Payload) (func(ctx context.Context) error, error) {
	r.mu.RLock()
	h, ok := r.handlers[p.Handler]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, p.Handler)
	}
	args := p.Args
	return func(ctx context.Context) error { return h(ctx, args) }, nil
}
