// Package clock provides the wall-clock implementation of domain.Clock.
package clock

import (
	"context"
	"time"
)

// System is the real wall clock.
type System struct{}

// NewSystem creates a system clock.
func NewSystem() *System {
	return &System{}
}

// Now returns the current time.
func (s *System) Now() time.Time {
	return time.Now()
}

// Sleep blocks for the given duration or until the context is cancelled.
func (s *System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
