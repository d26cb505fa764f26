package core

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"breathofnow/internal/types"
)

// authPublicPaths are served without a bearer token. Stripe authenticates
// the webhook with its own signature.
var authPublicPaths = map[string]bool{
	"/health":             true,
	"/metrics":            true,
	"/v1/pricing":         true,
	"/v1/pricing/quote":   true,
	"/v1/webhooks/stripe": true,
}

// AuthMiddleware resolves the Bearer token into an Actor and stores it in
// the request context. Failures are 401 with a distinct code:
//   - auth_token_missing: no Authorization header or empty Bearer token.
//   - auth_token_invalid: malformed or failing verification.
//   - auth_token_expired: verified but expired; the client should refresh.
//
// If no Authenticator is configured the middleware passes through.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil || authPublicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		actor, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if actor == nil {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		ctx := types.WithActor(r.Context(), *actor)
		ctx = types.WithLogger(ctx, types.LoggerFromContext(ctx).With(slog.String("user_id", actor.ID)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken returns the token of a "Bearer <token>" header value
// (case-insensitive scheme per RFC 7235), or "".
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	logger := types.LoggerFromContext(r.Context())

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeAuthTokenExpired:
			logger.Info("authentication failed: token expired", slog.String("path", r.URL.Path))
			s.writeAuthError(w, r, types.ErrCodeAuthTokenExpired, "Authentication token has expired")
			return
		case types.ErrCodeAuthTokenInvalid, types.ErrCodeAuthTokenMissing:
			logger.Warn("authentication failed: token invalid",
				slog.String("path", r.URL.Path),
				slog.Any("error", appErr.Err),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}
	}

	logger.Error("authentication failed: unexpected error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication failed")
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="breathofnow"`)
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}

// RequireUser rejects requests without an authenticated Actor. Handlers
// mounted on public paths use it for routes that still need a user.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := types.GetActor(r.Context()); !ok {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Authentication required", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
