package session

import (
	"context"

	"github.com/coral-mesh/frep/internal/fault"
)

// Run profiles fn with a session built from cfg.
//
// If the sampler cannot be started, fn is not called. Otherwise the stop
// sequence always runs after fn, whether it returned or panicked. A panic
// from fn is re-raised after the sink has been called; an error from fn is
// returned as is, taking precedence over any stop or parse error. When fn
// succeeds, Run returns the stop and parse errors.
func Run[R any](ctx context.Context, cfg Config[R], fn func(context.Context) error) (R, error) {
	var zero R

	s, err := New(cfg)
	if err != nil {
		return zero, err
	}
	if err := s.Start(ctx); err != nil {
		return zero, err
	}

	flt := fault.Catch(ctx, fn)

	result, stopErr := s.Stop(ctx, flt)
	if flt != nil {
		if stopErr != nil {
			s.logger.Warn().Err(stopErr).Msg("Profiling failed while the profiled function failed too")
		}
		return result, flt.Resume()
	}
	return result, stopErr
}
