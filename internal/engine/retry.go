package engine

import (
	"context"
	"time"

	"github.com/rendis/sitegraph/pkg/schema"
)

// ShouldRetry reports whether a failed item attempt gets another try.
// attempt counts retries already made. Only transient failures are retried.
func ShouldRetry(err error, policy *schema.RetryPolicy, attempt int) bool {
	if policy == nil || attempt >= policy.Max {
		return false
	}
	return schema.IsTransient(err) && !schema.HasCode(err, schema.ErrCodeCircuitOpen)
}

// ComputeBackoff calculates the delay before retry number attempt (0-based).
// "none" waits not at all; constant, linear and exponential scale Delay and
// are capped by MaxDelay.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" || policy.Backoff == "none" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		delay = base << min(attempt, 20)
	case "linear":
		delay = base * time.Duration(attempt+1)
	default:
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	if delay < 0 {
		return 0
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with ctx.Err() if the
// context is cancelled first.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry calls fn until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. onRetry, when set, is called before each backoff wait.
func Retry[T any](ctx context.Context, policy *schema.RetryPolicy, fn func(ctx context.Context) (T, error),
	onRetry func(attempt int, delay time.Duration, err error)) (T, error) {
	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil || !ShouldRetry(err, policy, attempt) {
			return v, err
		}
		delay := ComputeBackoff(policy, attempt)
		if onRetry != nil {
			onRetry(attempt+1, delay, err)
		}
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			return v, werr
		}
	}
}
