// Package retry provides a bounded attempts-times-interval combinator. The
// bound and interval are plain parameters so callers and tests see the exact
// polling behavior.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Sleeper pauses between attempts. Tests inject a fake to run the schedule
// without real delays.
type Sleeper func(ctx context.Context, d time.Duration) error

// WallClock sleeps on the real clock, waking early on context cancellation.
func WallClock(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do invokes fn up to attempts times, sleeping interval between attempts.
// It returns nil on the first success. After the final attempt it returns
// the last error, wrapped with the attempt count. A nil sleep uses the wall
// clock.
func Do(ctx context.Context, attempts int, interval time.Duration, sleep Sleeper, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		return fmt.Errorf("retry: attempts must be >= 1, got %d", attempts)
	}
	if sleep == nil {
		sleep = WallClock
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt < attempts {
			if err := sleep(ctx, interval); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
