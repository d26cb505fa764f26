package core

import (
	"context"
	"time"

	"breathofnow/internal/types"
)

// Authenticator decouples the HTTP layer from the identity provider,
// allowing for easy mocking in tests.
type Authenticator interface {
	// ResolveToken verifies a bearer token and returns the Actor it was
	// issued to.
	//
	// Distinct Error Codes:
	// - ErrCodeAuthTokenInvalid if the token is malformed or fails verification.
	// - ErrCodeAuthTokenExpired if the token verified but is past its expiry.
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// RateLimitStore abstracts the backing store for rate limiting.
// Production uses Redis counters; tests use MockRateLimitStore.
type RateLimitStore interface {
	// IncrementAndCheck atomically increments the counter for key and reports
	// whether the limit has been exceeded within the current window.
	IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)
}

// RateLimitResult contains the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}
