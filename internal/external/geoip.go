package external

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"breathofnow/internal/types"
)

// Cache is the subset of a key-value store the geolocator needs.
type Cache interface {
	// Get returns ok=false on a miss.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisCache implements Cache on go-redis.
type RedisCache struct {
	client redis.Cmdable
}

// NewRedisCache wraps client.
func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// RedisHealthProbe reports cache reachability to the health endpoint.
type RedisHealthProbe struct {
	client redis.Cmdable
}

// NewRedisHealthProbe wraps client.
func NewRedisHealthProbe(client redis.Cmdable) *RedisHealthProbe {
	return &RedisHealthProbe{client: client}
}

func (p *RedisHealthProbe) Name() string { return "redis" }

func (p *RedisHealthProbe) Check(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

const (
	geoCacheKeyPrefix = "geo:country:"

	// unknownCountry is cached for addresses the provider could not place,
	// so they are not looked up again until the TTL expires.
	unknownCountry = "-"
)

// GeoLocatorConfig configures a GeoLocator.
type GeoLocatorConfig struct {
	BaseURL  string
	CacheTTL time.Duration
	Logger   *slog.Logger

	// OnCacheLookup is told whether each lookup was served from cache.
	OnCacheLookup func(ctx context.Context, hit bool)
}

// GeoLocator resolves client IPs through an ipapi.co compatible endpoint
// (GET {base}/{ip}/country/ returning the bare country code). Results are
// cached and concurrent lookups of the same address share one request.
type GeoLocator struct {
	base    *BaseClient
	baseURL string
	cache   Cache
	ttl     time.Duration
	logger  *slog.Logger
	onCache func(ctx context.Context, hit bool)
	group   singleflight.Group
}

var _ CountryLocator = (*GeoLocator)(nil)

// NewGeoLocator creates a GeoLocator. cache may be nil to disable caching.
func NewGeoLocator(base *BaseClient, cache Cache, cfg GeoLocatorConfig) *GeoLocator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GeoLocator{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		cache:   cache,
		ttl:     cfg.CacheTTL,
		logger:  logger,
		onCache: cfg.OnCacheLookup,
	}
}

// LookupCountry returns the country of ip, or "" when it is unknown or the
// address is not publicly routable.
func (g *GeoLocator) LookupCountry(ctx context.Context, ip netip.Addr) (string, error) {
	if !isPublic(ip) {
		return "", nil
	}
	key := geoCacheKeyPrefix + ip.String()

	if g.cache != nil {
		v, ok, err := g.cache.Get(ctx, key)
		if err != nil {
			g.logger.WarnContext(ctx, "geo cache read failed", "error", err)
		}
		if g.onCache != nil {
			g.onCache(ctx, ok)
		}
		if ok {
			return fromCached(v), nil
		}
	}

	v, err, _ := g.group.Do(key, func() (any, error) {
		code, err := g.fetch(ctx, ip)
		if err != nil {
			return "", err
		}
		if g.cache != nil {
			cached := code
			if cached == "" {
				cached = unknownCountry
			}
			if err := g.cache.Set(ctx, key, cached, g.ttl); err != nil {
				g.logger.WarnContext(ctx, "geo cache write failed", "error", err)
			}
		}
		return code, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (g *GeoLocator) fetch(ctx context.Context, ip netip.Addr) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s/country/", g.baseURL, ip), nil)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build geo request", err)
	}

	resp, err := g.base.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", types.NewAppError(types.ErrCodeUpstreamGeo,
			fmt.Sprintf("geo lookup returned %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamGeo, "failed to read geo response", err)
	}
	return parseCountryCode(string(body)), nil
}

// parseCountryCode accepts exactly two ASCII letters; anything else, such as
// "Undefined" for reserved ranges, is unknown.
func parseCountryCode(s string) string {
	s = strings.TrimSpace(s)
	if len(s) != 2 {
		return ""
	}
	for i := 0; i < 2; i++ {
		c := s[i] | 0x20
		if c < 'a' || c > 'z' {
			return ""
		}
	}
	return strings.ToUpper(s)
}

func fromCached(v string) string {
	if v == unknownCountry {
		return ""
	}
	return v
}

func isPublic(ip netip.Addr) bool {
	ip = ip.Unmap()
	return ip.IsValid() &&
		!ip.IsLoopback() &&
		!ip.IsPrivate() &&
		!ip.IsUnspecified() &&
		!ip.IsLinkLocalUnicast() &&
		!ip.IsMulticast()
}
