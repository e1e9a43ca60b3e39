package storage

import (
	"context"

	"github.com/coral-mesh/frep/internal/perfstat"
	"github.com/coral-mesh/frep/internal/pidstat"
	"github.com/coral-mesh/frep/internal/session"
)

// PidStatSink stores every parsed dump under label. Parse failures and
// storage errors are logged and dropped.
func (s *Store) PidStatSink(ctx context.Context, label string) session.SinkFunc[*pidstat.Result] {
	return func(res *pidstat.Result, err error) {
		if err != nil || res == nil {
			s.logger.Warn().Err(err).Str("label", label).Msg("Nothing to store, pidstat dump did not parse")
			return
		}
		if _, _, err := s.SavePidStat(ctx, label, res); err != nil {
			s.logger.Error().Err(err).Str("label", label).Msg("Failed to store pidstat result")
		}
	}
}

// PerfStatSink stores every parsed report under label.
func (s *Store) PerfStatSink(ctx context.Context, label string) session.SinkFunc[*perfstat.Report] {
	return func(rep *perfstat.Report, err error) {
		if err != nil || rep == nil {
			s.logger.Warn().Err(err).Str("label", label).Msg("Nothing to store, perf stat report did not parse")
			return
		}
		if _, _, err := s.SavePerfStat(ctx, label, rep); err != nil {
			s.logger.Error().Err(err).Str("label", label).Msg("Failed to store perf stat report")
		}
	}
}
