// Package retry runs an operation repeatedly with a fixed pause between
// attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy describes how often and how far apart attempts are made.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	Delay       time.Duration // pause between consecutive attempts
}

// DefaultPolicy is used for writes to the arm: one attempt plus two retries,
// half a second apart.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Delay: 500 * time.Millisecond}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that Do stops retrying and returns it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the context is
// done, or the policy's attempts are used up. fn receives the 1-based
// attempt number. When every attempt fails the last error is returned,
// wrapped with the attempt count.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && p.Delay > 0 {
			timer := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry canceled after %d attempts: %w", attempt-1, errors.Join(ctx.Err(), lastErr))
			case <-timer.C:
			}
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
