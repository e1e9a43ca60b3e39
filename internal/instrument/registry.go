package instrument

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Key names an instrumented function: Owner is the package or type that
// defines it, Name the function itself.
type Key struct {
	Owner string
	Name  string
}

func (k Key) String() string {
	if k.Owner == "" {
		return k.Name
	}
	return k.Owner + "." + k.Name
}

// Registry holds installed Funcs. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	order   []Key
	entries map[Key]*Func
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[Key]*Func),
		logger:  logger.With().Str("component", "instrument_registry").Logger(),
	}
}

// Install wraps original with p under key. Installing a key that is already
// present changes nothing and returns the existing Func with false.
func (r *Registry) Install(key Key, original Callable, p Profiler) (*Func, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.entries[key]; ok {
		r.logger.Debug().Str("func", key.String()).Msg("Already instrumented")
		return f, false
	}

	f := Wrap(key.String(), original, p)
	r.entries[key] = f
	r.order = append(r.order, key)

	r.logger.Debug().Str("func", key.String()).Msg("Instrumented")
	return f, true
}

// Lookup returns the Func installed under key.
func (r *Registry) Lookup(key Key) (*Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.entries[key]
	return f, ok
}

// Uninstall removes key and returns the original function.
func (r *Registry) Uninstall(key Key) (Callable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	delete(r.entries, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.logger.Debug().Str("func", key.String()).Msg("Instrumentation removed")
	return f.Original, true
}

// UninstallAll removes every entry, most recent first, and returns the keys
// in removal order.
func (r *Registry) UninstallAll() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := make([]Key, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		removed = append(removed, r.order[i])
		delete(r.entries, r.order[i])
	}
	r.order = nil

	if len(removed) > 0 {
		r.logger.Debug().Int("count", len(removed)).Msg("All instrumentation removed")
	}
	return removed
}

// Installed returns the installed keys in installation order.
func (r *Registry) Installed() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Key(nil), r.order...)
}

// Hook returns a stable entry point for key. Each call goes through the
// installed Func if there is one and straight to original otherwise, so
// installing and uninstalling take effect for callers holding the hook.
func (r *Registry) Hook(key Key, original Callable) Callable {
	return func(ctx context.Context) error {
		if f, ok := r.Lookup(key); ok {
			return f.Call(ctx)
		}
		return original(ctx)
	}
}
