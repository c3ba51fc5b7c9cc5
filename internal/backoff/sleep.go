package backoff

import (
	"context"
	"time"
)

// Sleep waits for the duration, returning early with ctx.Err() if the
// context is cancelled first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepAttempt computes the delay for the attempt under the policy and sleeps.
func SleepAttempt(ctx context.Context, p Policy, attempt int) error {
	return Sleep(ctx, p.Delay(attempt))
}
