package core

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"breathofnow/internal/types"
)

// RateLimit applies a fixed-window request limit per caller: the Actor ID
// when authenticated, otherwise the client IP. Store errors fail open.
//
// Every limited response carries X-RateLimit-Limit, X-RateLimit-Remaining
// and X-RateLimit-Reset; a 429 adds Retry-After.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, window := s.rateLimit()
		if s.RateLimitStore == nil || limit <= 0 || !strings.HasPrefix(r.URL.Path, "/v1/") ||
			r.URL.Path == "/v1/webhooks/stripe" {
			next.ServeHTTP(w, r)
			return
		}

		key := "ip:" + ClientIP(r).String()
		if actor, ok := types.GetActor(r.Context()); ok {
			key = "user:" + actor.ID
		}

		result, err := s.RateLimitStore.IncrementAndCheck(r.Context(), key, limit, window)
		if err != nil {
			types.LoggerFromContext(r.Context()).Error("rate limit store error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			retryAfter := int(time.Until(result.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			h.Set("Retry-After", strconv.Itoa(retryAfter))
			Error(w, r, types.NewAppError(types.ErrCodeLimitRate, "Rate limit exceeded. Please retry after the reset time.", nil))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit() (int, time.Duration) {
	if s.Config == nil {
		return 0, 0
	}
	window := s.Config.Server.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	return s.Config.Server.RateLimitRequests, window
}
