// Package retry runs fallible operations with bounded exponential backoff.
// Client-caused failures are never retried.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/martinemde/modelgate/toolerr"
)

// Policy configures retry behavior with exponential backoff.
type Policy struct {
	MaxRetries        int           // retries after the first attempt
	InitialDelay      time.Duration // delay before the first retry
	BackoffMultiplier float64
	MaxDelay          time.Duration // cap per delay; zero means uncapped
	Jitter            bool          // +/- 50% random jitter
	AttemptTimeout    time.Duration // per attempt; zero means none

	// Retryable decides whether a failure may be retried. Nil uses
	// toolerr.IsRetryable.
	Retryable func(error) bool
	OnRetry   func(err error, attempt int, delay time.Duration)
}

// DefaultPolicy returns four retries starting at two seconds and doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        4,
		InitialDelay:      2 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Delay calculates the delay before retry n (0-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 {
		delay = math.Min(delay, float64(p.MaxDelay))
	}
	if p.Jitter {
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return toolerr.IsRetryable(err)
}

// retryAfterer is implemented by failures that carry a server-provided
// Retry-After hint.
type retryAfterer interface {
	RetryAfter() (time.Duration, bool)
}

// Do executes fn under the policy and returns its first success or last
// failure. fn runs at most MaxRetries+1 times.
func Do[T any](ctx context.Context, policy Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := attempt(ctx, policy, fn)
	if err == nil {
		return result, nil
	}

	for n := 0; n < policy.MaxRetries; n++ {
		if !policy.retryable(err) {
			return zero, err
		}

		delay := policy.Delay(n)
		var ra retryAfterer
		if errors.As(err, &ra) {
			if hint, ok := ra.RetryAfter(); ok {
				if policy.MaxDelay > 0 && hint > policy.MaxDelay {
					// Retry-After exceeds the cap; give up now.
					return zero, err
				}
				delay = hint
			}
		}

		if policy.OnRetry != nil {
			policy.OnRetry(err, n+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, toolerr.Cancelled("The request was cancelled during retry backoff")
		case <-timer.C:
		}

		result, err = attempt(ctx, policy, fn)
		if err == nil {
			return result, nil
		}
	}

	return zero, err
}

func attempt[T any](ctx context.Context, policy Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	if policy.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
	defer cancel()
	return fn(ctx)
}
