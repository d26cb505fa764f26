package core

import (
	"context"
	"sync"
	"time"

	"breathofnow/internal/types"
)

// MockAuthenticator implements Authenticator for tests. ResolveTokenFunc
// takes precedence over Err, which takes precedence over Actor.
//
//	mock := &MockAuthenticator{
//	    Actor: &types.Actor{ID: "user_test123", Type: types.ActorTypeUser},
//	}
type MockAuthenticator struct {
	Actor            *types.Actor
	Err              error
	ResolveTokenFunc func(ctx context.Context, token string) (*types.Actor, error)

	mu    sync.Mutex
	Calls []string
}

// ResolveToken records the token and returns the configured outcome.
func (m *MockAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, token)
	m.mu.Unlock()

	if m.ResolveTokenFunc != nil {
		return m.ResolveTokenFunc(ctx, token)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Actor, nil
}

// MockRateLimitStore implements RateLimitStore for tests.
type MockRateLimitStore struct {
	Result RateLimitResult
	Err    error

	mu   sync.Mutex
	Keys []string
}

// IncrementAndCheck records the key and returns the configured outcome.
func (m *MockRateLimitStore) IncrementAndCheck(_ context.Context, key string, _ int, _ time.Duration) (RateLimitResult, error) {
	m.mu.Lock()
	m.Keys = append(m.Keys, key)
	m.mu.Unlock()

	if m.Err != nil {
		return RateLimitResult{}, m.Err
	}
	return m.Result, nil
}

// MockMetricsCollector records RecordRequest calls.
type MockMetricsCollector struct {
	mu    sync.Mutex
	Calls []RecordedRequest
}

// RecordedRequest is one captured RecordRequest call.
type RecordedRequest struct {
	Method, Endpoint, Status string
	Duration                 time.Duration
}

func (m *MockMetricsCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, RecordedRequest{method, endpoint, status, duration})
}

// Recorded returns a copy of the captured calls.
func (m *MockMetricsCollector) Recorded() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.Calls...)
}
