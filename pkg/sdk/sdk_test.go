package sdk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coral-mesh/frep/internal/storage"
	"github.com/coral-mesh/frep/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.RunFakeSampler()
	goleak.VerifyTestMain(m)
}

func newTestSDK(t *testing.T, cfg Config) *SDK {
	t.Helper()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "test-service"
	}
	cfg.Logger = testutil.NewTestLogger(t)

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err, "service name is required")

	s, err := New(Config{ServiceName: "test-service"})
	require.NoError(t, err)
	assert.Nil(t, s.store)
	assert.Nil(t, s.exporter)
	require.NoError(t, s.Close())
}

func TestInstrument(t *testing.T) {
	s := newTestSDK(t, Config{})

	calls := 0
	fn := func(context.Context) error {
		calls++
		return nil
	}

	hook, err := s.Instrument("render", KindTime, fn)
	require.NoError(t, err)
	require.NoError(t, hook(context.Background()))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"render"}, s.Instrumented())

	again, err := s.Instrument("render", KindTime, fn)
	require.NoError(t, err, "second install is a no-op")
	require.NoError(t, again(context.Background()))
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"render"}, s.Instrumented())

	assert.True(t, s.Uninstall("render"))
	assert.False(t, s.Uninstall("render"))
	require.NoError(t, hook(context.Background()), "hook falls back to the original")
	assert.Equal(t, 3, calls)
	assert.Empty(t, s.Instrumented())
}

func TestInstrument_Invalid(t *testing.T) {
	s := newTestSDK(t, Config{})
	nop := func(context.Context) error { return nil }

	_, err := s.Instrument("", KindTime, nop)
	require.Error(t, err)
	_, err = s.Instrument("render", KindTime, nil)
	require.Error(t, err)
	_, err = s.Instrument("render", Kind("strace"), nop)
	require.Error(t, err)
	assert.Empty(t, s.Instrumented())
}

func TestInstrument_PassesThroughFailures(t *testing.T) {
	s := newTestSDK(t, Config{})
	boom := errors.New("boom")

	hook, err := s.Instrument("fail", KindTime, func(context.Context) error { return boom })
	require.NoError(t, err)
	require.ErrorIs(t, hook(context.Background()), boom)

	panicky, err := s.Instrument("panic", KindTime, func(context.Context) error { panic("bad input") })
	require.NoError(t, err)
	assert.PanicsWithValue(t, "bad input", func() { _ = panicky(context.Background()) })
}

func TestClose_UninstallsEverything(t *testing.T) {
	s, err := New(Config{ServiceName: "test-service", Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)

	nop := func(context.Context) error { return nil }
	for _, name := range []string{"a", "b", "c"} {
		_, err := s.Instrument(name, KindTime, nop)
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())
	assert.Empty(t, s.Instrumented())
}

func TestGuard_PidStatStoresAndExports(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(testutil.FakeSamplerEnv, string(testutil.FakePidstat))

	s := newTestSDK(t, Config{
		DumpDir:       dir,
		PidStatBinary: os.Args[0],
		StopTimeout:   10 * time.Second,
		DatabasePath:  filepath.Join(dir, "db", "frep.duckdb"),
		OTLPFile:      filepath.Join(dir, "metrics.jsonl"),
	})

	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	err := s.Guard(ctx, KindPidStat, "render", func(context.Context) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	runs, err := s.store.History(ctx, storage.Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "test-service.render", runs[0].Label)
	assert.Equal(t, storage.KindPidStat, runs[0].Kind)
	assert.Empty(t, runs[0].Error)

	info, err := os.Stat(filepath.Join(dir, "metrics.jsonl"))
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestGuard_PerfStatRecordsFailure(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(testutil.FakeSamplerEnv, string(testutil.FakePerf))

	s := newTestSDK(t, Config{
		DumpDir:      dir,
		PerfBinary:   os.Args[0],
		DatabasePath: filepath.Join(dir, "frep.duckdb"),
	})

	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	boom := errors.New("encode failed")
	err := s.Guard(ctx, KindPerfStat, "encode", func(context.Context) error {
		time.Sleep(500 * time.Millisecond)
		return boom
	})
	require.ErrorIs(t, err, boom)

	runs, err := s.store.History(ctx, storage.Filter{Kind: storage.KindPerfStat})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Error, "encode failed")

	metrics, err := s.store.Metrics(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, metrics["CPU-Utilization"], 1e-9)
}
