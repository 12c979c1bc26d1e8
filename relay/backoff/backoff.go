// Package backoff provides exponential backoff with jitter for publish
// retries, plus a context-respecting sleep.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential calculates exponential delay based on attempt number.
// The delay is base * 2^attempt with overflow protection.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1 << attempt)

	baseInt := int64(base)
	if baseInt > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(baseInt * multiplier)
}

// FullJitter returns a random duration in the range [0, delay).
// Returns 0 for zero or negative delays.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	return time.Duration(rand.Int64N(int64(delay)))
}

// ExponentialWithJitter combines exponential backoff with full jitter.
// Returns a random duration in [0, base * 2^attempt).
// This implements the "Full Jitter" strategy recommended by AWS.
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// SleepWithContext sleeps for the specified duration but respects context
// cancellation. Returns nil if the sleep completes, or an error if the
// context is cancelled. Returns immediately (nil) for zero or negative
// durations.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
