package sdk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/frep/internal/export"
	"github.com/coral-mesh/frep/internal/instrument"
	"github.com/coral-mesh/frep/internal/perfstat"
	"github.com/coral-mesh/frep/internal/pidstat"
	"github.com/coral-mesh/frep/internal/profiler"
	"github.com/coral-mesh/frep/internal/session"
	"github.com/coral-mesh/frep/internal/storage"
)

// Kind selects what profiles an instrumented function.
type Kind string

const (
	// KindTime measures wall time only.
	KindTime Kind = "time"
	// KindPidStat samples the process with pidstat while the function runs.
	KindPidStat Kind = "pidstat"
	// KindPerfStat counts CPU events with perf stat while the function runs.
	KindPerfStat Kind = "perfstat"
)

// SDK represents the frep SDK instance embedded in an application.
type SDK struct {
	logger      zerolog.Logger
	serviceName string
	config      Config

	registry *instrument.Registry
	store    *storage.Store
	exporter *export.FileExporter

	// ctx scopes result writes; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

// Config contains SDK configuration options.
type Config struct {
	// ServiceName is the name of the application (required). It owns every
	// instrumented function and prefixes stored run labels.
	ServiceName string

	// Interval is the sampling interval, whole seconds (default 1s).
	Interval time.Duration
	// MaxDuration caps a sampler that is never stopped (default 1h).
	MaxDuration time.Duration
	// StopTimeout bounds the wait for the sampler after the function returns.
	// Zero waits forever.
	StopTimeout time.Duration
	// DumpDir holds dump files (default: system temp dir).
	DumpDir string

	// PidStatBinary and PerfBinary override the sampler executables.
	PidStatBinary string
	PerfBinary    string
	// PerfEvents replaces perf stat's default events. The -d cache events
	// are still counted, and cpu-clock is added when no clock event is listed.
	PerfEvents []string

	// DatabasePath stores every result in a DuckDB database. Empty disables storage.
	DatabasePath string
	// OTLPFile appends every result as an OTLP JSON line. Empty disables export.
	OTLPFile string

	// Logger is the logger instance (optional, defaults to zerolog.Nop()).
	Logger zerolog.Logger
}

// New creates a new frep SDK instance.
func New(config Config) (*SDK, error) {
	if config.ServiceName == "" {
		return nil, fmt.Errorf("service name is required")
	}

	logger := config.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "frep-sdk").Str("service", config.ServiceName).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	sdk := &SDK{
		logger:      logger,
		serviceName: config.ServiceName,
		config:      config,
		registry:    instrument.NewRegistry(logger),
		ctx:         ctx,
		cancel:      cancel,
	}

	if config.DatabasePath != "" {
		if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0o700); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		store, err := storage.Open(config.DatabasePath, logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open result store: %w", err)
		}
		sdk.store = store
	}
	if config.OTLPFile != "" {
		sdk.exporter = export.NewFileExporter(config.OTLPFile, logger)
	}

	logger.Info().
		Bool("storage_enabled", sdk.store != nil).
		Bool("export_enabled", sdk.exporter != nil).
		Msg("frep SDK initialized")

	return sdk, nil
}

// Close removes every instrumentation, most recent first, and releases the
// result store. Hooks keep working and call the original functions.
func (s *SDK) Close() error {
	s.logger.Info().Msg("Shutting down frep SDK")

	for _, key := range s.registry.UninstallAll() {
		s.logger.Debug().Str("func", key.String()).Msg("Instrumentation removed on close")
	}
	s.cancel()

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return fmt.Errorf("failed to close result store: %w", err)
		}
	}
	return nil
}

// Instrument installs a profiler of the given kind on fn under name and
// returns the hook to call instead of fn. Instrumenting a name twice keeps
// the first installation. After Uninstall or Close the hook calls fn
// directly.
func (s *SDK) Instrument(name string, kind Kind, fn func(context.Context) error) (func(context.Context) error, error) {
	if name == "" {
		return nil, fmt.Errorf("function name is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("function %s is nil", name)
	}

	p, err := s.profiler(kind, name)
	if err != nil {
		return nil, err
	}

	key := s.key(name)
	if _, installed := s.registry.Install(key, fn, p); !installed {
		s.logger.Warn().Str("func", key.String()).Msg("Function is already instrumented, keeping the existing profiler")
	}
	return s.registry.Hook(key, fn), nil
}

// Uninstall removes the instrumentation of name. It reports whether name
// was instrumented.
func (s *SDK) Uninstall(name string) bool {
	_, ok := s.registry.Uninstall(s.key(name))
	return ok
}

// Instrumented returns the instrumented function names in installation order.
func (s *SDK) Instrumented() []string {
	keys := s.registry.Installed()
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k.Name)
	}
	return names
}

// Guard profiles one call of fn without installing anything. fn's own error
// (or panic) is passed through; otherwise profiling errors are returned.
func (s *SDK) Guard(ctx context.Context, kind Kind, label string, fn func(context.Context) error) error {
	p, err := s.profiler(kind, label)
	if err != nil {
		return err
	}
	return instrument.Guard(ctx, p, fn)
}

func (s *SDK) key(name string) instrument.Key {
	return instrument.Key{Owner: s.serviceName, Name: name}
}

func (s *SDK) label(name string) string {
	return s.serviceName + "." + name
}

func (s *SDK) options() profiler.Options {
	return profiler.Options{
		Interval:    s.config.Interval,
		MaxDuration: s.config.MaxDuration,
		StopTimeout: s.config.StopTimeout,
		DumpDir:     s.config.DumpDir,
		Logger:      s.logger,
	}
}

// profiler builds the profiler for kind. Every result is logged, stored and
// exported as configured.
func (s *SDK) profiler(kind Kind, name string) (instrument.Profiler, error) {
	label := s.label(name)
	logger := s.logger.With().Str("func", label).Logger()

	switch kind {
	case KindTime:
		return profiler.NewTimer(func(t *profiler.Timing) {
			logger.Info().Dur("elapsed", t.Elapsed).Str("error", t.Error).Msg("Call timed")
		}), nil

	case KindPidStat:
		sinks := []session.SinkFunc[*pidstat.Result]{func(res *pidstat.Result, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("Failed to parse pidstat dump")
				return
			}
			logger.Info().Int("samples", len(res.Samples)).Str("error", res.Error).Msg("Call sampled with pidstat")
		}}
		if s.store != nil {
			sinks = append(sinks, s.store.PidStatSink(s.ctx, label))
		}
		if s.exporter != nil {
			sinks = append(sinks, s.exporter.PidStatSink(s.ctx, label))
		}
		sampler := pidstat.Sampler{Binary: s.config.PidStatBinary}
		return profiler.PidStat(s.options(), sampler, profiler.Fanout(sinks...)), nil

	case KindPerfStat:
		sinks := []session.SinkFunc[*perfstat.Report]{func(rep *perfstat.Report, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("Failed to parse perf stat report")
				return
			}
			logger.Info().Float64("cpus_utilized", rep.Utilization()).Dur("elapsed", rep.Elapsed()).Str("error", rep.Error).Msg("Call counted with perf stat")
		}}
		if s.store != nil {
			sinks = append(sinks, s.store.PerfStatSink(s.ctx, label))
		}
		if s.exporter != nil {
			sinks = append(sinks, s.exporter.PerfStatSink(s.ctx, label))
		}
		sampler := perfstat.Sampler{Binary: s.config.PerfBinary, Events: s.config.PerfEvents}
		return profiler.PerfStat(s.options(), sampler, profiler.Fanout(sinks...)), nil

	default:
		return nil, fmt.Errorf("unknown profiler kind %q", kind)
	}
}
