// Package retry provides exponential backoff for retrying operations and for
// polling a condition until it holds.
//
// Do retries a failing operation (used for DuckDB write conflicts). Poll
// waits for a condition such as "the sampler process has exited", sleeping
// with the same exponential schedule between checks:
//
//	err := retry.Poll(ctx, retry.PollConfig{
//	    Interval:    10 * time.Millisecond,
//	    MaxInterval: 200 * time.Millisecond,
//	    Timeout:     5 * time.Second,
//	}, exited)
//
// The backoff for attempt n is InitialBackoff * 2^(n-1), capped at MaxBackoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrTimeout is returned by Poll when the condition did not hold within Timeout.
var ErrTimeout = errors.New("condition not met before timeout")

// Config defines the retry behavior for Do.
//
// The zero value is not usable; MaxRetries and InitialBackoff must be set.
type Config struct {
	// MaxRetries is the maximum number of attempts. Must be greater than 0.
	MaxRetries int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait. Zero means no cap.
	MaxBackoff time.Duration
}

// ShouldRetryFunc reports whether an error returned by the operation is retryable.
// If nil is passed to Do, all errors are retried.
type ShouldRetryFunc func(error) bool

// Do executes fn with exponential backoff retry.
//
// fn is called up to cfg.MaxRetries times. Do returns nil on the first
// success, the error itself when shouldRetry rejects it, the context error
// when ctx is canceled while waiting, and otherwise a wrapped last error.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, backoff(cfg.InitialBackoff, cfg.MaxBackoff, attempt)); err != nil {
				return err
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}

		lastErr = err
	}

	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// PollConfig defines how Poll waits for a condition.
type PollConfig struct {
	// Interval is the wait after the first failed check. Defaults to 10ms.
	Interval time.Duration

	// MaxInterval caps the wait between checks. Zero means Interval * 32.
	MaxInterval time.Duration

	// Timeout bounds the total wait. Zero means wait until ctx is done.
	Timeout time.Duration
}

// Poll calls done until it returns true.
//
// It returns nil as soon as done reports true, ErrTimeout when cfg.Timeout
// elapses first, and ctx.Err() when the context ends first.
func Poll(ctx context.Context, cfg PollConfig, done func() bool) error {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = cfg.Interval * 32
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	for attempt := 1; ; attempt++ {
		if done() {
			return nil
		}

		if err := sleep(ctx, backoff(cfg.Interval, cfg.MaxInterval, attempt)); err != nil {
			// One last look: the condition may have become true while waiting.
			if done() {
				return nil
			}
			if cfg.Timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
				return ErrTimeout
			}
			return err
		}
	}
}

// backoff computes initial * 2^(attempt-1), capped at max when max > 0.
func backoff(initial, max time.Duration, attempt int) time.Duration {
	multiplier := math.Pow(2, float64(attempt-1))
	d := time.Duration(multiplier * float64(initial))
	if max > 0 && d > max {
		d = max
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
