// Package auth verifies Supabase-issued access tokens.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"breathofnow/internal/types"
)

// SupabaseClaims is the subset of a Supabase access token the API reads.
type SupabaseClaims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// SupabaseConfig configures token verification.
type SupabaseConfig struct {
	// Secret is the project's JWT secret (HS256).
	Secret types.SecretString
	// Issuer is checked when non-empty, e.g. https://<ref>.supabase.co/auth/v1.
	Issuer string
	// Audience is checked when non-empty; Supabase uses "authenticated".
	Audience  string
	ClockSkew time.Duration
}

// SupabaseAuthenticator resolves bearer tokens into actors. It holds no
// mutable state and is safe for concurrent use.
type SupabaseAuthenticator struct {
	secret []byte
	opts   []jwt.ParserOption
	clock  types.Clock
}

// NewSupabaseAuthenticator creates an authenticator. clock may be nil.
func NewSupabaseAuthenticator(cfg SupabaseConfig, clock types.Clock) *SupabaseAuthenticator {
	if clock == nil {
		clock = types.RealClock{}
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithTimeFunc(clock.Now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &SupabaseAuthenticator{
		secret: []byte(cfg.Secret.Unmask()),
		opts:   opts,
		clock:  clock,
	}
}

// ResolveToken verifies token and returns the user it was issued to.
//
// An expired token fails with ErrCodeAuthTokenExpired so clients know to
// refresh; every other failure is ErrCodeAuthTokenInvalid.
func (a *SupabaseAuthenticator) ResolveToken(_ context.Context, token string) (*types.Actor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "missing bearer token", nil)
	}

	claims := &SupabaseClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, a.opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "access token has expired", err)
		}
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "access token is invalid", err)
	}

	if claims.Subject == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "access token has no subject", nil)
	}
	// Supabase signs anon and service_role keys with the same secret; only
	// end-user sessions may act on entitlements.
	if claims.Role != "" && claims.Role != "authenticated" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token is not a user session", nil)
	}

	return &types.Actor{
		ID:    claims.Subject,
		Type:  types.ActorTypeUser,
		Email: claims.Email,
		Role:  claims.Role,
	}, nil
}
