// Package retry provides the bounded, jittered retry loop used for
// same-model attempts, plus the cancellable sleep it is built on.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// jitterPercent spreads retry delays by ±20% so synchronized clients do not
// hammer a recovering upstream in lockstep.
const jitterPercent = 20

// Sleep blocks for d or until ctx is done, returning the context's error in
// the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jitter returns base shifted by a uniform ±jitterPercent, clamped at zero.
func Jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := (rand.Float64()*2 - 1) * float64(base) * jitterPercent / 100
	d := base + time.Duration(shift)
	if d < 0 {
		d = 0
	}
	return d
}

// Options tunes Do.
type Options struct {
	// MaxRetries is the number of retries after the first attempt, so the
	// operation runs at most MaxRetries+1 times.
	MaxRetries int

	// Delay is the base delay between attempts, jittered per attempt.
	Delay time.Duration

	// ShouldRetry classifies an error as retryable. nil retries everything.
	ShouldRetry func(error) bool

	// OnRetry is called before each retry with the 1-based upcoming attempt
	// number and the error that caused it. May be nil.
	OnRetry func(attempt int, err error)
}

// Do runs op until it succeeds, exhausts the retry budget, hits a
// non-retryable error, or ctx is cancelled. Cancellation always wins: it is
// checked before every attempt and interrupts the inter-attempt sleep.
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt == opts.MaxRetries {
			return zero, err
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(err) {
			return zero, err
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, err)
		}
		if err := Sleep(ctx, Jitter(opts.Delay)); err != nil {
			return zero, err
		}
	}
}
