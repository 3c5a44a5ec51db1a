// Package retry runs operations with bounded attempts and exponential
// backoff with jitter, and computes backoff schedules for deferred retries.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Quick is the policy for inline sends on a request path: one retry after
// a short pause.
var Quick = Policy{Attempts: 2, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a *PermanentError, the policy's
// attempts are used up, or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(p, attempt)):
		}
	}

	return err
}

// Backoff returns the delay before retry number attempt (0-based):
// BaseDelay doubled per attempt, capped at MaxDelay, with +-25% jitter.
func Backoff(p Policy, attempt int) time.Duration {
	delay := p.BaseDelay
	if delay <= 0 {
		return 0
	}
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	jitter := int64(delay / 4)
	if jitter == 0 {
		return delay
	}
	return delay - time.Duration(jitter) + time.Duration(rand.Int64N(2*jitter+1))
}
