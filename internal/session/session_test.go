package session_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/frep/internal/fault"
	"github.com/coral-mesh/frep/internal/pidstat"
	"github.com/coral-mesh/frep/internal/session"
	"github.com/coral-mesh/frep/internal/testutil"
)

// sink records what a session delivered.
type sink struct {
	calls  int
	result *pidstat.Result
	err    error
}

func (s *sink) fn(res *pidstat.Result, err error) {
	s.calls++
	s.result = res
	s.err = err
}

func newConfig(t *testing.T, mode testutil.FakeMode, out *sink) session.Config[*pidstat.Result] {
	t.Helper()
	return session.Config[*pidstat.Result]{
		FilePath: filepath.Join(t.TempDir(), "run.dump"),
		Sampler:  testutil.FakeSampler{Mode: mode},
		Describe: fault.Describe,
		Parse:    pidstat.ParseFile,
		Sink:     out.fn,
		Logger:   testutil.NewTestLoggerWithOutput(t),
	}
}

func waitFor(t *testing.T, cfg session.Config[*pidstat.Result]) func(context.Context) error {
	return func(context.Context) error {
		testutil.WaitForOutput(t, cfg.FilePath)
		return nil
	}
}

func TestRun_KeepDump(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	out := &sink{}
	cfg := newConfig(t, testutil.FakePidstat, out)
	cfg.KeepDump = true

	res, err := session.Run(ctx, cfg, waitFor(t, cfg))
	require.NoError(t, err)
	require.NotNil(t, res)

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")

	assert.Equal(t, session.BeginMarker, lines[0])
	assert.Equal(t, session.EndMarker, lines[len(lines)-1])
	assert.Contains(t, string(data), "\n#      Time")

	assert.Equal(t, 1, out.calls)
	assert.NoError(t, out.err)
	assert.Same(t, res, out.result)
	require.NotEmpty(t, res.Samples)
	assert.Equal(t, "", res.Error)

	tgid, ok := res.Samples[0].Process().Int("TGID")
	require.True(t, ok)
	assert.Equal(t, int64(os.Getpid()), tgid)
}

func TestRun_CancelledContextStillStopsCleanly(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	out := &sink{}
	cfg := newConfig(t, testutil.FakePidstat, out)
	cfg.KeepDump = true

	res, err := session.Run(ctx, cfg, func(context.Context) error {
		testutil.WaitForOutput(t, cfg.FilePath)
		cancel()
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.NotEmpty(t, res.Samples)
	assert.NoError(t, out.err)

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Equal(t, session.BeginMarker, lines[0])
	assert.Equal(t, session.EndMarker, lines[len(lines)-1])
}

func TestRun_RemovesDumpByDefault(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	out := &sink{}
	cfg := newConfig(t, testutil.FakePidstat, out)

	_, err := session.Run(ctx, cfg, waitFor(t, cfg))
	require.NoError(t, err)
	assert.NoFileExists(t, cfg.FilePath)
	assert.Equal(t, 1, out.calls)
}

func TestRun_GeneratedPath(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	dir := t.TempDir()
	cfg := session.Config[*pidstat.Result]{
		DumpDir:  dir,
		KeepDump: true,
		Sampler:  testutil.FakeSampler{Mode: testutil.FakePidstat},
		Parse:    pidstat.ParseFile,
	}

	s, err := session.New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, dir, filepath.Dir(s.Path()))
	assert.Contains(t, filepath.Base(s.Path()), s.ID())

	testutil.WaitForOutput(t, s.Path())
	res, err := s.Stop(ctx, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Samples)
	assert.FileExists(t, s.Path())
}

func TestRun_ErrorFromWork(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	out := &sink{}
	cfg := newConfig(t, testutil.FakePidstat, out)
	cfg.KeepDump = true
	workErr := errors.New("render failed")

	_, err := session.Run(ctx, cfg, func(ctx context.Context) error {
		testutil.WaitForOutput(t, cfg.FilePath)
		return workErr
	})
	require.ErrorIs(t, err, workErr)

	require.Equal(t, 1, out.calls)
	require.NoError(t, out.err)
	assert.Equal(t, "render failed", out.result.Error)
	assert.NotEmpty(t, out.result.Traceback)

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), session.EndMarker+"\n"))
}

func TestRun_PanicIsResumed(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	out := &sink{}
	cfg := newConfig(t, testutil.FakePidstat, out)
	cfg.KeepDump = true

	assert.PanicsWithValue(t, "boom", func() {
		_, _ = session.Run(ctx, cfg, func(ctx context.Context) error {
			testutil.WaitForOutput(t, cfg.FilePath)
			panic("boom")
		})
	})

	require.Equal(t, 1, out.calls)
	require.NoError(t, out.err)
	assert.Equal(t, "panic: boom", out.result.Error)

	res, err := pidstat.ParseFile(cfg.FilePath, nil)
	require.NoError(t, err, "dump must be complete after a panic")
	assert.NotEmpty(t, res.Samples)
}

func TestRun_SpawnFailure(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	out := &sink{}
	cfg := newConfig(t, testutil.FakePidstat, out)
	cfg.Sampler = pidstat.Sampler{Binary: filepath.Join(t.TempDir(), "no-such-pidstat")}

	called := false
	_, err := session.Run(ctx, cfg, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, session.ErrSamplerSpawn)
	assert.False(t, called, "work must not run without a sampler")
	assert.Equal(t, 0, out.calls)
}

func TestRun_SpawnFailureRemovesGeneratedDump(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	out := &sink{}
	cfg := newConfig(t, testutil.FakePidstat, out)
	cfg.FilePath = ""
	cfg.DumpDir = t.TempDir()
	cfg.Sampler = pidstat.Sampler{Binary: filepath.Join(t.TempDir(), "no-such-pidstat")}

	_, err := session.Run(ctx, cfg, func(context.Context) error { return nil })
	require.ErrorIs(t, err, session.ErrSamplerSpawn)

	entries, err := os.ReadDir(cfg.DumpDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_SamplerExitedEarly(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	out := &sink{}
	cfg := newConfig(t, testutil.FakeExit, out)

	var (
		s            *session.Session[*pidstat.Result]
		seenFromSink bool
	)
	cfg.Sink = func(res *pidstat.Result, err error) {
		seenFromSink = s.ExitedEarly()
		out.fn(res, err)
	}

	s, err := session.New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))

	testutil.WaitForOutput(t, cfg.FilePath)
	// Give the fake sampler time to exit on its own.
	time.Sleep(200 * time.Millisecond)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for i := 0; i < 100; i++ {
			_ = s.ExitedEarly()
		}
	}()

	res, err := s.Stop(ctx, nil)
	<-readerDone
	require.NoError(t, err)
	assert.True(t, s.ExitedEarly())
	assert.True(t, seenFromSink, "sinks may read ExitedEarly during Stop")
	require.Len(t, res.Samples, 1)
	assert.Len(t, res.Samples[0].Records, 2)
}

func TestRun_StopTimeoutPoisonsDump(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	out := &sink{}
	cfg := newConfig(t, testutil.FakeStubborn, out)
	cfg.KeepDump = true
	cfg.StopTimeout = 100 * time.Millisecond

	res, err := session.Run(ctx, cfg, waitFor(t, cfg))
	require.ErrorIs(t, err, session.ErrStopTimeout)
	require.ErrorIs(t, err, pidstat.ErrMissingEnd)
	assert.Nil(t, res)

	require.Equal(t, 1, out.calls)
	assert.ErrorIs(t, out.err, pidstat.ErrMissingEnd)

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), session.EndMarker)
}

func TestRun_CrashingSampler(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	out := &sink{}
	cfg := newConfig(t, testutil.FakeCrash, out)

	s, err := session.New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	time.Sleep(200 * time.Millisecond)

	res, err := s.Stop(ctx, nil)
	require.NoError(t, err)
	assert.True(t, s.ExitedEarly())
	assert.Empty(t, res.Samples)
}

func TestSession_Lifecycle(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	cfg := newConfig(t, testutil.FakePidstat, &sink{})
	s, err := session.New(cfg)
	require.NoError(t, err)

	_, err = s.Stop(ctx, nil)
	require.ErrorIs(t, err, session.ErrNotStarted)

	require.NoError(t, s.Start(ctx))
	require.ErrorIs(t, s.Start(ctx), session.ErrAlreadyStarted)

	testutil.WaitForOutput(t, cfg.FilePath)
	_, err = s.Stop(ctx, nil)
	require.NoError(t, err)
	_, err = s.Stop(ctx, nil)
	require.Error(t, err)
}

func TestSession_UnknownTarget(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	cfg := newConfig(t, testutil.FakePidstat, &sink{})
	cfg.TargetID = 1 << 30

	s, err := session.New(cfg)
	require.NoError(t, err)
	require.Error(t, s.Start(ctx))
	assert.NoFileExists(t, cfg.FilePath)
}

func TestNew_Validation(t *testing.T) {
	base := func() session.Config[*pidstat.Result] {
		return session.Config[*pidstat.Result]{Sampler: pidstat.Sampler{}}
	}

	tests := []struct {
		name   string
		mutate func(*session.Config[*pidstat.Result])
		ok     bool
	}{
		{name: "defaults", mutate: func(*session.Config[*pidstat.Result]) {}, ok: true},
		{name: "no sampler", mutate: func(c *session.Config[*pidstat.Result]) { c.Sampler = nil }},
		{name: "negative target", mutate: func(c *session.Config[*pidstat.Result]) { c.TargetID = -1 }},
		{name: "sub-second interval", mutate: func(c *session.Config[*pidstat.Result]) { c.Interval = 500 * time.Millisecond }},
		{name: "fractional interval", mutate: func(c *session.Config[*pidstat.Result]) { c.Interval = 1500 * time.Millisecond }},
		{name: "max duration below interval", mutate: func(c *session.Config[*pidstat.Result]) {
			c.Interval = 5 * time.Second
			c.MaxDuration = 2 * time.Second
		}},
		{name: "negative stop timeout", mutate: func(c *session.Config[*pidstat.Result]) { c.StopTimeout = -time.Second }},
		{name: "two second interval", mutate: func(c *session.Config[*pidstat.Result]) { c.Interval = 2 * time.Second }, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			s, err := session.New(cfg)
			if !tt.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, s.ID())
			assert.Empty(t, s.Path())
		})
	}
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, "1", session.Seconds(time.Second))
	assert.Equal(t, "3600", session.Seconds(time.Hour))
}

// shellSampler waits on a child and handles SIGINT only once the child is
// gone, the way perf stat waits on its workload.
type shellSampler struct{}

func (shellSampler) Command(int, time.Duration, time.Duration) []string {
	return []string{"sh", "-c", "trap 'echo interrupted' INT; echo started; sleep 30"}
}

func (shellSampler) Stream() session.Stream { return session.Stdout }

func TestSession_StopReachesSamplerChildren(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires process groups")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	cfg := session.Config[string]{
		FilePath:    filepath.Join(t.TempDir(), "shell.dump"),
		KeepDump:    true,
		StopTimeout: 10 * time.Second,
		Sampler:     shellSampler{},
		Parse: func(path string, _ *fault.Descriptor) (string, error) {
			data, err := os.ReadFile(path)
			return string(data), err
		},
		Logger: testutil.NewTestLoggerWithOutput(t),
	}

	begin := time.Now()
	out, err := session.Run(ctx, cfg, func(context.Context) error {
		testutil.WaitForOutput(t, cfg.FilePath)
		return nil
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), 10*time.Second)
	assert.Contains(t, out, "started")
	assert.True(t, strings.HasSuffix(out, session.EndMarker+"\n"))
}
