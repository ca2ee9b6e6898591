package util

import (
	"context"
	"time"
)

// SleepWithContext blocks for d or until ctx is cancelled, whichever
// comes first. It returns ctx.Err() in the cancelled case so callers can
// tell an interrupted sleep from a completed one.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
