package types

import (
	"context"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a plain function to the Clock interface.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// EventPublisher emits domain events to the asynchronous pipeline.
// Implementations must be safe for concurrent use.
type EventPublisher interface {
	PublishEntitlementChanged(ctx context.Context, evt EntitlementChanged) error
}
