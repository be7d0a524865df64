package backoff

import (
	"context"
	"time"
)

// SleepWithContext sleeps for duration unless the context is canceled first,
// in which case it returns ctx.Err().
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepWithBackoff computes the delay for attempt under policy and sleeps.
func SleepWithBackoff(ctx context.Context, policy Policy, attempt int) error {
	return SleepWithContext(ctx, Compute(policy, attempt))
}
