package channels

import (
	"context"
	"time"
)

// withRetry runs fn until it succeeds, reports a non-retryable error, or
// attempts run out. The delay doubles after each retry.
func withRetry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() (retryable bool, err error)) error {
	if attempts <= 0 {
		attempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		retryable, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(baseDelay * time.Duration(1<<i)):
		}
	}
	return lastErr
}
