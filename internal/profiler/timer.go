package profiler

import (
	"context"
	"time"

	"github.com/coral-mesh/frep/internal/fault"
	"github.com/coral-mesh/frep/internal/instrument"
)

// Timing is the result of a Timer scope.
type Timing struct {
	Elapsed   time.Duration `json:"time" yaml:"time"`
	Error     string        `json:"error" yaml:"error"`
	Traceback []string      `json:"traceback" yaml:"traceback"`
}

// Timer measures the wall time of each guarded call.
type Timer struct {
	sink     func(*Timing)
	describe fault.Builder
	now      func() time.Time
}

// NewTimer returns a Timer reporting to sink.
func NewTimer(sink func(*Timing)) *Timer {
	if sink == nil {
		sink = func(*Timing) {}
	}
	return &Timer{sink: sink, describe: fault.Describe, now: time.Now}
}

// Begin implements instrument.Profiler.
func (t *Timer) Begin(context.Context) (instrument.Scope, error) {
	return &timerScope{t: t, start: t.now()}, nil
}

type timerScope struct {
	t     *Timer
	start time.Time
}

func (sc *timerScope) End(_ context.Context, flt *fault.Fault) error {
	desc := sc.t.describe(flt)
	sc.t.sink(&Timing{
		Elapsed:   sc.t.now().Sub(sc.start),
		Error:     desc.ErrorOf(),
		Traceback: desc.TracebackOf(),
	})
	return nil
}
