// Package clock abstracts time so that scheduling and pacing logic can be
// exercised in tests without waiting on the wall clock.
package clock

import (
	"context"
	"time"
)

// Clock is the time capability threaded through the queue, rate limiter
// and worker pool.
type Clock interface {
	// Now returns the current instant in UTC.
	Now() time.Time

	// Sleep blocks for d or until ctx is cancelled, returning ctx.Err()
	// in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the production clock backed by package time.
type Real struct{}

// New returns the production clock.
func New() Real { return Real{} }

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
