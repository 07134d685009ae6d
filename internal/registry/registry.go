// Package registry holds the process-wide task function table.
//
// Task definitions reference callables by name only; the table is populated
// once at startup and nothing resolves import-path strings at schedule time.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Func is the signature every registered task function implements.
// Args/kwargs come from the task definition; the returned value is cached as
// the task's last result.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

var ErrUnknownFunction = errors.New("unknown task function")

// UnknownFunctionError wraps ErrUnknownFunction with the missing name.
type UnknownFunctionError struct {
	Name string
}

func (e *UnknownFunctionError) Error() string {
	return fmt.Sprintf("unknown task function %q", e.Name)
}

func (e *UnknownFunctionError) Unwrap() error { return ErrUnknownFunction }

// Registry is a name -> Func table. The zero value is not usable; call New.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func New() *Registry {
	return &Registry{funcs: map[string]Func{}}
}

// Register installs fn under name, replacing any previous registration.
func (r *Registry) Register(name string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("function name required")
	}
	if fn == nil {
		return fmt.Errorf("function %q is nil", name)
	}
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
	return nil
}

// Resolve returns the function registered under name.
func (r *Registry) Resolve(name string) (Func, error) {
	r.mu.RLock()
	fn := r.funcs[strings.TrimSpace(name)]
	r.mu.RUnlock()
	if fn == nil {
		return nil, &UnknownFunctionError{Name: name}
	}
	return fn, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	_, ok := r.funcs[strings.TrimSpace(name)]
	r.mu.RUnlock()
	return ok
}

// Names returns the registered function names (unordered).
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		out = append(out, name)
	}
	r.mu.RUnlock()
	return out
}

// Clear empties the table. Called on scheduler teardown so a restarted
// process never inherits stale registrations.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.funcs = map[string]Func{}
	r.mu.Unlock()
}
