// Package session runs an external sampler process around a piece of work.
//
// A Session owns a dump file for its whole lifetime. Start writes the BEGIN
// marker and spawns the sampler with its output redirected into the dump.
// Stop asks the sampler to exit, waits for it, writes the END marker, closes
// the file and only then hands the path to the configured parser. The END
// marker is therefore present if and only if the stop sequence completed.
//
// Run wraps Start and Stop around a function so the stop sequence happens on
// every exit path, including panics, and the function's own failure is
// always returned (or re-panicked) to the caller.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/circbuf"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	ferrors "github.com/coral-mesh/frep/internal/errors"
	"github.com/coral-mesh/frep/internal/fault"
	"github.com/coral-mesh/frep/internal/retry"
	"github.com/coral-mesh/frep/internal/sys/proc"
)

const (
	// BeginMarker is the first line of every dump.
	BeginMarker = "<pidstat>"
	// EndMarker is appended once the sampler has exited.
	EndMarker = "</pidstat>"

	// DefaultInterval is the sampling interval when none is configured.
	DefaultInterval = time.Second
	// DefaultMaxDuration is the sampler's own duration cap when none is configured.
	DefaultMaxDuration = time.Hour

	sideOutputSize = 64 << 10
)

var (
	// ErrSamplerSpawn is returned when the sampler process cannot be started.
	ErrSamplerSpawn = errors.New("failed to spawn sampler")
	// ErrStopTimeout is returned when the sampler ignores the stop request
	// for longer than Config.StopTimeout.
	ErrStopTimeout = errors.New("sampler did not exit after stop request")
	// ErrNotStarted is returned by Stop on a session that was never started.
	ErrNotStarted = errors.New("session not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session already started")
)

// Stream selects the sampler output that carries the dump.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// Sampler describes how to launch an external sampler.
type Sampler interface {
	// Command returns the argv, binary first, that samples target every
	// interval and exits on its own after maxDuration.
	Command(target int, interval, maxDuration time.Duration) []string
	// Stream reports which output stream the dump is written to. The other
	// stream is captured in memory.
	Stream() Stream
}

// ParseFunc turns a closed dump into a result.
type ParseFunc[R any] func(path string, desc *fault.Descriptor) (R, error)

// SinkFunc receives the parser's output, including its failure.
type SinkFunc[R any] func(result R, err error)

// Config configures a Session. Every field is optional except Sampler.
type Config[R any] struct {
	// TargetID is the pid or tid to sample. Defaults to the current process.
	TargetID int
	// Interval is the sampling interval in whole seconds, at least one.
	Interval time.Duration
	// MaxDuration caps how long the sampler runs if never asked to stop.
	MaxDuration time.Duration
	// FilePath is the dump location. Defaults to a fresh file in DumpDir.
	FilePath string
	// DumpDir is where generated dump files go. Defaults to os.TempDir().
	DumpDir string
	// KeepDump leaves the dump on disk after parsing.
	KeepDump bool
	// StopTimeout bounds the wait after the stop request. Zero waits forever.
	StopTimeout time.Duration

	Sampler  Sampler
	Describe fault.Builder
	Parse    ParseFunc[R]
	Sink     SinkFunc[R]

	Logger zerolog.Logger
}

// Session is one scoped sampler run.
type Session[R any] struct {
	id     string
	cfg    Config[R]
	logger zerolog.Logger

	path string
	file *os.File
	cmd  *exec.Cmd
	side *circbuf.Buffer

	exited      chan struct{}
	waitErr     error
	exitedEarly atomic.Bool
	startedAt   time.Time

	mu      sync.Mutex
	started bool
	stopped bool
}

// New validates cfg and fills in defaults.
func New[R any](cfg Config[R]) (*Session[R], error) {
	if cfg.Sampler == nil {
		return nil, fmt.Errorf("sampler is required")
	}
	if cfg.TargetID == 0 {
		cfg.TargetID = os.Getpid()
	}
	if cfg.TargetID < 0 {
		return nil, fmt.Errorf("invalid target id %d", cfg.TargetID)
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interval < time.Second || cfg.Interval%time.Second != 0 {
		return nil, fmt.Errorf("interval must be a whole number of seconds >= 1s, got %s", cfg.Interval)
	}
	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.MaxDuration < cfg.Interval {
		return nil, fmt.Errorf("max duration %s is shorter than interval %s", cfg.MaxDuration, cfg.Interval)
	}
	if cfg.StopTimeout < 0 {
		return nil, fmt.Errorf("stop timeout cannot be negative")
	}
	if cfg.DumpDir == "" {
		cfg.DumpDir = os.TempDir()
	}
	if cfg.Describe == nil {
		cfg.Describe = fault.None
	}
	if cfg.Parse == nil {
		cfg.Parse = func(string, *fault.Descriptor) (R, error) {
			var zero R
			return zero, nil
		}
	}
	if cfg.Sink == nil {
		cfg.Sink = func(R, error) {}
	}

	id := uuid.New().String()
	return &Session[R]{
		id:     id,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "session").Str("session_id", id).Logger(),
		exited: make(chan struct{}),
	}, nil
}

// ID returns the session id.
func (s *Session[R]) ID() string { return s.id }

// Path returns the dump path. It is empty before Start.
func (s *Session[R]) Path() string { return s.path }

// ExitedEarly reports whether the sampler had already exited when Stop ran,
// which means it reached its maximum duration. It is safe to call from a sink.
func (s *Session[R]) ExitedEarly() bool { return s.exitedEarly.Load() }

// SideOutput returns the tail of the sampler output that did not go to the dump.
func (s *Session[R]) SideOutput() string {
	if s.side == nil {
		return ""
	}
	return s.side.String()
}

// Start opens the dump, writes BEGIN and spawns the sampler. On error
// nothing is left running and a generated dump file is removed.
func (s *Session[R]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	target, err := proc.Lookup(ctx, s.cfg.TargetID)
	if err != nil {
		return fmt.Errorf("failed to resolve target: %w", err)
	}

	generated := s.cfg.FilePath == ""
	s.path = s.cfg.FilePath
	if generated {
		s.path = filepath.Join(s.cfg.DumpDir, "frep-"+s.id+".dump")
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if generated {
		flags |= os.O_EXCL
	}
	// #nosec G304 -- the dump path is chosen by the caller or generated above.
	f, err := os.OpenFile(s.path, flags, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create dump file: %w", err)
	}

	if _, err := f.WriteString(BeginMarker + "\n"); err != nil {
		s.abandon(f, generated)
		return fmt.Errorf("failed to write begin marker: %w", err)
	}

	argv := s.cfg.Sampler.Command(s.cfg.TargetID, s.cfg.Interval, s.cfg.MaxDuration)
	if len(argv) == 0 {
		s.abandon(f, generated)
		return fmt.Errorf("%w: empty command", ErrSamplerSpawn)
	}

	side, err := circbuf.NewBuffer(sideOutputSize)
	if err != nil {
		s.abandon(f, generated)
		return fmt.Errorf("failed to allocate output buffer: %w", err)
	}

	// #nosec G204 -- the sampler binary and arguments come from configuration.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	cmd.WaitDelay = time.Second
	cmd.SysProcAttr = samplerProcAttr()
	switch s.cfg.Sampler.Stream() {
	case Stderr:
		cmd.Stdout = side
		cmd.Stderr = f
	default:
		cmd.Stdout = f
		cmd.Stderr = side
	}

	if err := cmd.Start(); err != nil {
		s.abandon(f, generated)
		return fmt.Errorf("%w: %s: %w", ErrSamplerSpawn, argv[0], err)
	}

	s.file = f
	s.cmd = cmd
	s.side = side
	s.started = true
	s.startedAt = time.Now()

	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	s.logger.Info().
		Int("target", target.PID).
		Str("target_name", target.Name).
		Int32("target_threads", target.NumThreads).
		Int("sampler_pid", cmd.Process.Pid).
		Strs("argv", argv).
		Str("dump", s.path).
		Msg("Sampler started")

	return nil
}

// abandon closes and, for generated paths, removes a dump that never got a sampler.
func (s *Session[R]) abandon(f *os.File, generated bool) {
	ferrors.DeferClose(s.logger, f, "failed to close abandoned dump file")
	if generated {
		ferrors.DeferRemove(s.logger, s.path)
	}
}

// hasExited reports whether the sampler process has been reaped.
func (s *Session[R]) hasExited() bool {
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

// Stop runs the stop sequence and returns the parser's output.
//
// flt is the failure of the profiled work, nil if it succeeded. It is turned
// into a descriptor and attached to the result; Stop never returns it.
func (s *Session[R]) Stop(ctx context.Context, flt *fault.Fault) (R, error) {
	var zero R

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return zero, ErrNotStarted
	}
	if s.stopped {
		return zero, fmt.Errorf("session already stopped")
	}
	s.stopped = true

	stopErr := s.stopSampler(ctx)

	if stopErr == nil {
		if _, err := s.file.WriteString("\n" + EndMarker + "\n"); err != nil {
			stopErr = fmt.Errorf("failed to write end marker: %w", err)
		}
	}
	if err := s.file.Close(); err != nil && stopErr == nil {
		stopErr = fmt.Errorf("failed to close dump file: %w", err)
	}

	desc := s.cfg.Describe(flt)
	result, parseErr := s.cfg.Parse(s.path, desc)
	s.cfg.Sink(result, parseErr)

	event := s.logger.Info()
	if parseErr != nil {
		event = s.logger.Warn().Err(parseErr)
	}
	event.
		Dur("elapsed", time.Since(s.startedAt)).
		Bool("exited_early", s.exitedEarly.Load()).
		Bool("fault", flt != nil).
		Msg("Sampler stopped")

	if !s.cfg.KeepDump {
		ferrors.DeferRemove(s.logger, s.path)
	}

	return result, errors.Join(stopErr, parseErr)
}

// stopSampler asks a running sampler to exit and waits for it. Only
// StopTimeout bounds the wait: the profiled work often returns because ctx
// ended, and the sampler must still be allowed to finish its report.
func (s *Session[R]) stopSampler(ctx context.Context) error {
	if s.hasExited() {
		s.exitedEarly.Store(true)
		s.logger.Warn().
			Err(s.waitErr).
			Dur("max_duration", s.cfg.MaxDuration).
			Str("stderr", s.SideOutput()).
			Msg("Sampler exited before the stop request, max duration reached")
		return nil
	}

	if err := requestStop(s.cmd.Process); err != nil && !s.hasExited() {
		s.logger.Warn().Err(err).Msg("Failed to deliver stop request")
	}

	err := retry.Poll(context.WithoutCancel(ctx), retry.PollConfig{
		Interval:    5 * time.Millisecond,
		MaxInterval: 100 * time.Millisecond,
		Timeout:     s.cfg.StopTimeout,
	}, s.hasExited)
	if err == nil {
		s.logger.Debug().Err(s.waitErr).Msg("Sampler exited after stop request")
		return nil
	}

	// The dump stays without END so any later parse treats it as poisoned.
	if err := forceStop(s.cmd.Process); err != nil && !s.hasExited() {
		s.logger.Warn().Err(err).Msg("Failed to kill sampler")
	}
	<-s.exited
	if errors.Is(err, retry.ErrTimeout) {
		return fmt.Errorf("%w after %s", ErrStopTimeout, s.cfg.StopTimeout)
	}
	return fmt.Errorf("%w: %w", ErrStopTimeout, err)
}

// Seconds formats a whole-second duration as a sampler argument.
func Seconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}
