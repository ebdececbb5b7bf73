package resilience

import (
	"context"
	"time"
)

// RetryPolicy bounds retries with exponential backoff.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first
	MaxRetries int

	// BaseDelay is the wait before the first retry; it doubles each attempt
	BaseDelay time.Duration
}

// DefaultRetryPolicy waits 100ms, 200ms, 400ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond}
}

// Retry calls fn until it succeeds, returns an error retryable rejects, the
// attempts are exhausted, or ctx is done. The last error is returned.
func Retry(ctx context.Context, policy RetryPolicy, retryable func(error) bool, fn func(attempt int) error) error {
	var err error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err = fn(attempt)
		if err == nil || !retryable(err) || attempt == policy.MaxRetries {
			return err
		}

		delay := policy.BaseDelay * time.Duration(1<<attempt)
		if delay <= 0 {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
