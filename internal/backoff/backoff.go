// Package backoff provides a bounded retry helper with exponential delays.
package backoff

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Retry runs fn up to attempts times, sleeping initial*2^n between tries.
// A retry happens only when retryable reports the error as transient; other
// errors return immediately. Context cancellation aborts the wait.
func Retry(ctx context.Context, attempts int, initial time.Duration, fn func() error, retryable func(error) bool) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := range attempts {
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}

		lastErr = err
		if attempt < attempts-1 {
			delay := time.Duration(float64(initial) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
}
