// Package external is the boundary between the Breath of Now domain and the
// vendor APIs it calls (Stripe, IP geolocation). All outbound HTTP goes through
// BaseClient, which applies circuit breaking, bounded retries and error mapping
// the same way for every provider.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"breathofnow/internal/types"
)

// RetryPolicy bounds retries of 429 and 5xx responses.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy suits interactive calls made while a user waits.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    200 * time.Millisecond,
		MaxWait:    2 * time.Second,
	}
}

// FailureHook observes calls that ultimately failed.
type FailureHook func(ctx context.Context, provider string)

// BaseClient wraps an *http.Client with a per-provider circuit breaker.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	retry     RetryPolicy
	provider  string
	userAgent string

	// failureCode is used for transport errors that are neither a breaker
	// trip nor an HTTP status.
	failureCode types.ErrorCode

	wait      func(ctx context.Context, d time.Duration) error
	onFailure FailureHook
}

// BaseClientOption configures a BaseClient.
type BaseClientOption func(*BaseClient)

// WithWaitFunc replaces the context-aware sleep between retries. Tests pass a
// no-op.
func WithWaitFunc(fn func(ctx context.Context, d time.Duration) error) BaseClientOption {
	return func(c *BaseClient) { c.wait = fn }
}

// WithFailureHook registers fn to be told about every failed call.
func WithFailureHook(fn FailureHook) BaseClientOption {
	return func(c *BaseClient) { c.onFailure = fn }
}

// WithFailureCode sets the error code for network-level failures.
func WithFailureCode(code types.ErrorCode) BaseClientOption {
	return func(c *BaseClient) { c.failureCode = code }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) BaseClientOption {
	return func(c *BaseClient) { c.userAgent = ua }
}

// WithBreaker swaps in a caller-built breaker, typically one with a lower
// trip threshold in tests.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) BaseClientOption {
	return func(c *BaseClient) { c.breaker = cb }
}

// NewBreaker returns the breaker used by default: it opens after more than
// five consecutive failures and probes again after 30s.
func NewBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
}

// NewBaseClient creates a client for provider.
func NewBaseClient(httpClient *http.Client, provider string, retry RetryPolicy, opts ...BaseClientOption) *BaseClient {
	c := &BaseClient{
		client:      httpClient,
		breaker:     NewBreaker(provider),
		retry:       retry,
		provider:    provider,
		userAgent:   "BreathOfNow/1.0",
		failureCode: types.ErrCodeUpstreamUnavailable,
		wait:        sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the name the client was created with.
func (c *BaseClient) Provider() string { return c.provider }

// Do sends req, retrying 429 and 5xx responses within the retry policy.
//
// Any other response, including 4xx, is returned to the caller, who must
// close its body. Exhausted retries, an open breaker and transport errors
// come back as *types.AppError.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if id := types.GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to buffer request body", err)
		}
	}

	var (
		last    *http.Response
		lastErr error
	)
	attempts := 1 + c.retry.MaxRetries
	for attempt := 0; attempt < attempts; attempt++ {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, err := c.client.Do(req)
			if err != nil {
				return nil, err
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("%s returned %d", c.provider, r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		if last != nil {
			last.Body.Close()
		}
		last, lastErr = resp, err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if attempt == attempts-1 {
			break
		}
		if werr := c.wait(ctx, c.backoff(attempt, resp)); werr != nil {
			lastErr = werr
			break
		}
	}

	if last != nil {
		last.Body.Close()
	}
	if c.onFailure != nil {
		c.onFailure(ctx, c.provider)
	}
	return nil, c.mapError(last, lastErr)
}

// backoff honors Retry-After (seconds or HTTP date) and otherwise draws a
// jittered wait in [MinWait, MinWait*2^attempt], capped at MaxWait.
func (c *BaseClient) backoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				return min(time.Duration(secs)*time.Second, c.retry.MaxWait)
			}
			if at, err := http.ParseTime(ra); err == nil {
				return min(max(time.Until(at), c.retry.MinWait), c.retry.MaxWait)
			}
		}
	}

	ceiling := min(c.retry.MinWait<<attempt, c.retry.MaxWait)
	if ceiling <= c.retry.MinWait {
		return c.retry.MinWait
	}
	return c.retry.MinWait + time.Duration(rand.Int64N(int64(ceiling-c.retry.MinWait)))
}

func (c *BaseClient) mapError(resp *http.Response, err error) *types.AppError {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			c.provider+" is temporarily unavailable", err)
	case resp != nil && resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			c.provider+" rate limit exceeded", err)
	case resp != nil && resp.StatusCode >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s returned %d after retries", c.provider, resp.StatusCode), err)
	default:
		return types.NewAppError(c.failureCode, c.provider+" request failed", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
