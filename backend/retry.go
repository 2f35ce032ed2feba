package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how transient fetch failures are retried.
//
// The retry loop is an explicit state machine over (attempt, next delay)
// rather than a recursive helper, so bounds stay auditable and tests can
// substitute a backoff schedule without real sleeps.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// NewBackOff returns a fresh backoff schedule for one fetch. Each
	// fetch gets its own schedule so concurrent fetches do not share
	// backoff state.
	NewBackOff func() backoff.BackOff
}

// DefaultRetryPolicy retries transient failures twice (three attempts
// total) with jittered exponential backoff starting at 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget is exhausted. Delays between attempts respect ctx.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var schedule backoff.BackOff
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || !Retryable(err) || attempt >= attempts {
			return err
		}

		if schedule == nil {
			if p.NewBackOff == nil {
				return err
			}
			schedule = p.NewBackOff()
		}
		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, context.Cause(ctx))
		case <-timer.C:
		}
	}
}
