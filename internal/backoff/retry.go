package backoff

import (
	"context"
	"time"
)

// Retry runs op up to maxAttempts times, sleeping per policy between
// attempts. It stops early on success, on an error retryable rejects, or
// when ctx ends, and returns the last error op produced.
func Retry(ctx context.Context, policy Policy, maxAttempts int, retryable func(error) bool, op func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts || (retryable != nil && !retryable(lastErr)) {
			break
		}

		pause := time.NewTimer(policy.Delay(attempt))
		select {
		case <-ctx.Done():
			pause.Stop()
			return ctx.Err()
		case <-pause.C:
		}
	}
	return lastErr
}
