package instrument

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/frep/internal/fault"
)

// recorder counts scopes and keeps the last fault it saw.
type recorder struct {
	mu       sync.Mutex
	begins   int
	ends     int
	last     *fault.Fault
	beginErr error
	endErr   error
}

func (r *recorder) Begin(context.Context) (Scope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.beginErr != nil {
		return nil, r.beginErr
	}
	r.begins++
	return r, nil
}

func (r *recorder) End(_ context.Context, flt *fault.Fault) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends++
	r.last = flt
	return r.endErr
}

func TestGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		r := &recorder{}
		require.NoError(t, Guard(ctx, r, func(context.Context) error { return nil }))
		assert.Equal(t, 1, r.begins)
		assert.Equal(t, 1, r.ends)
		assert.Nil(t, r.last)
	})

	t.Run("caller error wins over scope error", func(t *testing.T) {
		errWork := errors.New("work")
		r := &recorder{endErr: errors.New("parse")}
		err := Guard(ctx, r, func(context.Context) error { return errWork })
		require.ErrorIs(t, err, errWork)
		require.NotNil(t, r.last)
		assert.ErrorIs(t, r.last.Err, errWork)
	})

	t.Run("scope error surfaces on success", func(t *testing.T) {
		errParse := errors.New("parse")
		r := &recorder{endErr: errParse}
		require.ErrorIs(t, Guard(ctx, r, func(context.Context) error { return nil }), errParse)
	})

	t.Run("panic is re-raised after end", func(t *testing.T) {
		r := &recorder{}
		assert.PanicsWithValue(t, "boom", func() {
			_ = Guard(ctx, r, func(context.Context) error { panic("boom") })
		})
		assert.Equal(t, 1, r.ends)
		assert.True(t, r.last.Panicked())
	})

	t.Run("begin failure skips the call", func(t *testing.T) {
		errSpawn := errors.New("spawn")
		r := &recorder{beginErr: errSpawn}
		called := false
		err := Guard(ctx, r, func(context.Context) error { called = true; return nil })
		require.ErrorIs(t, err, errSpawn)
		assert.False(t, called)
		assert.Equal(t, 0, r.ends)
	})

	t.Run("nil profiler", func(t *testing.T) {
		require.NoError(t, Guard(ctx, nil, func(context.Context) error { return nil }))
	})
}

func TestFunc_SetProfiler(t *testing.T) {
	ctx := context.Background()
	calls := 0
	f := Wrap("render", func(context.Context) error { calls++; return nil }, nil)
	assert.Equal(t, Default, f.Profiler())

	require.NoError(t, f.Call(ctx))

	r := &recorder{}
	f.SetProfiler(r)
	require.NoError(t, f.Call(ctx))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, r.ends, "new profiler applies to later calls")

	f.SetProfiler(nil)
	assert.Equal(t, Default, f.Profiler())
}

func TestRegistry_InstallLookup(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	foo := Key{Owner: "render", Name: "foo"}
	bar := Key{Owner: "render", Name: "bar"}

	f1, ok := reg.Install(foo, func(context.Context) error { return nil }, nil)
	require.True(t, ok)
	f2, ok := reg.Install(bar, func(context.Context) error { return nil }, nil)
	require.True(t, ok)
	assert.NotSame(t, f1, f2)

	again, ok := reg.Install(foo, func(context.Context) error { return errors.New("other") }, nil)
	assert.False(t, ok, "second install is a no-op")
	assert.Same(t, f1, again)

	got, ok := reg.Lookup(foo)
	require.True(t, ok)
	assert.Same(t, f1, got)
	assert.Equal(t, "render.foo", got.Name)

	_, ok = reg.Lookup(Key{Name: "missing"})
	assert.False(t, ok)

	assert.Equal(t, []Key{foo, bar}, reg.Installed())
}

func TestRegistry_HookFollowsInstallation(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(zerolog.Nop())
	key := Key{Owner: "os.path", Name: "exists"}

	calls := 0
	original := func(context.Context) error { calls++; return nil }
	hook := reg.Hook(key, original)

	r := &recorder{}
	_, ok := reg.Install(key, original, r)
	require.True(t, ok)
	require.NoError(t, hook(ctx))
	assert.Equal(t, 1, r.ends)

	restored, ok := reg.Uninstall(key)
	require.True(t, ok)
	require.NotNil(t, restored)

	require.NoError(t, hook(ctx))
	assert.Equal(t, 1, r.ends, "profiler no longer observes the call")
	assert.Equal(t, 2, calls)

	_, ok = reg.Uninstall(key)
	assert.False(t, ok)
}

func TestRegistry_UninstallAllIsLIFO(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	keys := []Key{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	for _, k := range keys {
		reg.Install(k, func(context.Context) error { return nil }, nil)
	}

	assert.Equal(t, []Key{{Name: "c"}, {Name: "b"}, {Name: "a"}}, reg.UninstallAll())
	assert.Empty(t, reg.Installed())
	assert.Empty(t, reg.UninstallAll())
}

func TestRegistry_Concurrent(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(zerolog.Nop())
	r := &recorder{}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := Key{Name: "shared"}
			reg.Install(key, func(context.Context) error { return nil }, r)
			_ = reg.Hook(key, func(context.Context) error { return nil })(ctx)
		}()
	}
	wg.Wait()

	assert.Len(t, reg.Installed(), 1)
	assert.Equal(t, 16, r.ends)
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "exists", Key{Name: "exists"}.String())
	assert.Equal(t, "OrderedDict.copy", Key{Owner: "OrderedDict", Name: "copy"}.String())
}
