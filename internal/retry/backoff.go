// Package retry implements the exponential backoff schedule shared by the
// job queue's retry policy and the publisher's short transient retries.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so Do stops retrying and returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Policy configures exponential backoff.
type Policy struct {
	MaxAttempts int           `json:"max_attempts"` // Total attempts including the first (default: 3)
	Base        time.Duration `json:"base"`         // Delay before the first retry (default: 30s)
	Cap         time.Duration `json:"cap"`          // Maximum delay between retries (default: 10m)
	Multiplier  float64       `json:"multiplier"`   // Backoff growth factor (default: 2.0)
	JitterFrac  float64       `json:"jitter_frac"`  // Random jitter as a fraction of the delay, applied symmetrically (default: 0.2)
}

// DefaultPolicy returns the review-run retry schedule: 3 attempts,
// 30s base doubling up to a 10m cap, with ±20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Base:        30 * time.Second,
		Cap:         10 * time.Minute,
		Multiplier:  2.0,
		JitterFrac:  0.2,
	}
}

// PublishPolicy returns the short schedule used for transient publish
// failures. Comment edits are cheap, so retries are quick and few.
func PublishPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		Base:        500 * time.Millisecond,
		Cap:         5 * time.Second,
		Multiplier:  2.0,
		JitterFrac:  0.2,
	}
}

// Delay returns the backoff delay after the given attempt number, where
// attempt 0 is the first failure. The delay grows exponentially from Base,
// is capped at Cap, and carries symmetric jitter of ±JitterFrac.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}

	delay := float64(p.Base) * math.Pow(mult, float64(attempt))
	if cap := float64(p.Cap); p.Cap > 0 && delay > cap {
		delay = cap
	}

	if p.JitterFrac > 0 {
		jitterRange := delay * p.JitterFrac
		delay += (rand.Float64()*2 - 1) * jitterRange
		if delay < 0 {
			delay = float64(p.Base)
		}
	}

	return time.Duration(delay)
}

// Do runs op up to MaxAttempts times, sleeping per the schedule between
// attempts. It returns nil as soon as op succeeds, the last error once
// attempts are exhausted, or the context error if cancelled mid-backoff.
func Do(ctx context.Context, p Policy, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return lastErr
}
