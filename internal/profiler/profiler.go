// Package profiler provides the ready-made instrument.Profiler
// implementations: a wall clock Timer and session backed pidstat and perf
// stat profilers that deliver typed results to a sink.
package profiler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/frep/internal/fault"
	"github.com/coral-mesh/frep/internal/instrument"
	"github.com/coral-mesh/frep/internal/perfstat"
	"github.com/coral-mesh/frep/internal/pidstat"
	"github.com/coral-mesh/frep/internal/session"
)

// Options are the session settings shared by the sampler backed profilers.
type Options struct {
	TargetID    int
	Interval    time.Duration
	MaxDuration time.Duration
	StopTimeout time.Duration
	DumpDir     string
	KeepDump    bool
	Logger      zerolog.Logger
}

// Session is a Profiler that runs one sampler session per guarded call.
type Session[R any] struct {
	cfg session.Config[R]
}

// NewSession builds a profiler from a fully specified session config.
func NewSession[R any](cfg session.Config[R]) *Session[R] {
	return &Session[R]{cfg: cfg}
}

// Begin implements instrument.Profiler.
func (p *Session[R]) Begin(ctx context.Context) (instrument.Scope, error) {
	s, err := session.New(p.cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return sessionScope[R]{s: s}, nil
}

type sessionScope[R any] struct {
	s *session.Session[R]
}

func (sc sessionScope[R]) End(ctx context.Context, flt *fault.Fault) error {
	_, err := sc.s.Stop(ctx, flt)
	return err
}

func sessionConfig[R any](opts Options, sampler session.Sampler, parse session.ParseFunc[R], sink session.SinkFunc[R]) session.Config[R] {
	return session.Config[R]{
		TargetID:    opts.TargetID,
		Interval:    opts.Interval,
		MaxDuration: opts.MaxDuration,
		StopTimeout: opts.StopTimeout,
		DumpDir:     opts.DumpDir,
		KeepDump:    opts.KeepDump,
		Sampler:     sampler,
		Describe:    fault.Describe,
		Parse:       parse,
		Sink:        sink,
		Logger:      opts.Logger,
	}
}

// PidStat returns a profiler that samples the target with pidstat and sends
// each parsed dump to sink.
func PidStat(opts Options, sampler pidstat.Sampler, sink session.SinkFunc[*pidstat.Result]) *Session[*pidstat.Result] {
	return NewSession(sessionConfig[*pidstat.Result](opts, sampler, pidstat.ParseFile, sink))
}

// PerfStat returns a profiler that counts the target with perf stat and
// sends each parsed report to sink.
func PerfStat(opts Options, sampler perfstat.Sampler, sink session.SinkFunc[*perfstat.Report]) *Session[*perfstat.Report] {
	return NewSession(sessionConfig[*perfstat.Report](opts, sampler, perfstat.ParseFile, sink))
}

// Fanout delivers every result to each sink in order.
func Fanout[R any](sinks ...session.SinkFunc[R]) session.SinkFunc[R] {
	return func(result R, err error) {
		for _, sink := range sinks {
			if sink != nil {
				sink(result, err)
			}
		}
	}
}
