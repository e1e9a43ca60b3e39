// Package instrument attaches profilers to functions without rebinding them.
//
// A Func pairs a function with the Profiler that observes it. Every call
// runs inside Guard, which starts a profiling scope, runs the function and
// always ends the scope, then hands the function's own failure back to the
// caller. A Registry keeps named Funcs so they can be found, swapped and
// removed at runtime.
package instrument

import (
	"context"
	"sync"

	"github.com/coral-mesh/frep/internal/fault"
)

// Callable is the shape of an instrumentable function.
type Callable func(ctx context.Context) error

// Profiler opens one profiling scope per guarded call.
type Profiler interface {
	// Begin starts observing a call. If it fails the call does not run.
	Begin(ctx context.Context) (Scope, error)
}

// Scope is one open profiling scope.
type Scope interface {
	// End closes the scope. flt is the call's failure, nil on success.
	End(ctx context.Context, flt *fault.Fault) error
}

// Default is the profiler that observes nothing.
var Default Profiler = nopProfiler{}

type nopProfiler struct{}

func (nopProfiler) Begin(context.Context) (Scope, error) { return nopScope{}, nil }

type nopScope struct{}

func (nopScope) End(context.Context, *fault.Fault) error { return nil }

// Guard runs fn inside a scope of p.
//
// If the scope cannot begin, fn is not called and the error is returned.
// Otherwise the scope is always ended. A panic in fn is re-raised after the
// scope ended; an error from fn is returned in preference to the scope's
// own error.
func Guard(ctx context.Context, p Profiler, fn Callable) error {
	if p == nil {
		p = Default
	}

	scope, err := p.Begin(ctx)
	if err != nil {
		return err
	}

	flt := fault.Catch(ctx, fn)
	endErr := scope.End(ctx, flt)
	if flt != nil {
		return flt.Resume()
	}
	return endErr
}

// Func is a function bound to a replaceable profiler.
type Func struct {
	// Name identifies the function in a Registry.
	Name string
	// Original is the undecorated function.
	Original Callable

	mu       sync.RWMutex
	profiler Profiler
}

// Wrap binds fn to p. A nil p means Default.
func Wrap(name string, fn Callable, p Profiler) *Func {
	if p == nil {
		p = Default
	}
	return &Func{Name: name, Original: fn, profiler: p}
}

// Profiler returns the current profiler.
func (f *Func) Profiler() Profiler {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.profiler
}

// SetProfiler replaces the profiler used by subsequent calls. A nil p means Default.
func (f *Func) SetProfiler(p Profiler) {
	if p == nil {
		p = Default
	}
	f.mu.Lock()
	f.profiler = p
	f.mu.Unlock()
}

// Call runs the original function under the current profiler.
func (f *Func) Call(ctx context.Context) error {
	return Guard(ctx, f.Profiler(), f.Original)
}
