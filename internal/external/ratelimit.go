package external

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"breathofnow/internal/core"
)

// rateCounter is the subset of redis.Cmdable the rate limiter needs.
type rateCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	ExpireAt(ctx context.Context, key string, tm time.Time) *redis.BoolCmd
}

// RedisRateLimitStore implements core.RateLimitStore with fixed windows: one
// counter per key and window start, expiring shortly after the window ends.
type RedisRateLimitStore struct {
	client rateCounter
	now    func() time.Time
}

var _ core.RateLimitStore = (*RedisRateLimitStore)(nil)

// NewRedisRateLimitStore wraps client.
func NewRedisRateLimitStore(client redis.Cmdable) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, now: time.Now}
}

func (s *RedisRateLimitStore) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (core.RateLimitResult, error) {
	start := s.now().Truncate(window)
	resetAt := start.Add(window)
	redisKey := "ratelimit:" + key + ":" + strconv.FormatInt(start.Unix(), 10)

	count, err := s.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return core.RateLimitResult{}, fmt.Errorf("rate limit increment: %w", err)
	}
	if count == 1 {
		// The window start is part of the key, so a missed expiry only
		// leaves a stale counter behind.
		if err := s.client.ExpireAt(ctx, redisKey, resetAt.Add(time.Second)).Err(); err != nil {
			return core.RateLimitResult{}, fmt.Errorf("rate limit expiry: %w", err)
		}
	}

	return core.RateLimitResult{
		Allowed:   count <= int64(limit),
		Remaining: max(limit-int(count), 0),
		ResetAt:   resetAt,
	}, nil
}
