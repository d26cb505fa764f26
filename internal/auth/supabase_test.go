package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breathofnow/internal/types"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

var testNow = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func newTestAuthenticator() *SupabaseAuthenticator {
	return NewSupabaseAuthenticator(SupabaseConfig{
		Secret:    types.SecretString(testSecret),
		Issuer:    "https://bon.supabase.co/auth/v1",
		Audience:  "authenticated",
		ClockSkew: 30 * time.Second,
	}, types.ClockFunc(func() time.Time { return testNow }))
}

func sign(t *testing.T, method jwt.SigningMethod, key any, mutate func(*SupabaseClaims)) string {
	t.Helper()
	claims := &SupabaseClaims{
		Email: "ana@example.com",
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "5b0f9f7e-3c1a-4b8e-9d2a-6f1c2e3d4a5b",
			Issuer:    "https://bon.supabase.co/auth/v1",
			Audience:  jwt.ClaimStrings{"authenticated"},
			IssuedAt:  jwt.NewNumericDate(testNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
		},
	}
	if mutate != nil {
		mutate(claims)
	}
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestResolveToken_Valid(t *testing.T) {
	token := sign(t, jwt.SigningMethodHS256, []byte(testSecret), nil)

	actor, err := newTestAuthenticator().ResolveToken(context.Background(), "  "+token+" ")
	require.NoError(t, err)
	assert.Equal(t, "5b0f9f7e-3c1a-4b8e-9d2a-6f1c2e3d4a5b", actor.ID)
	assert.Equal(t, types.ActorTypeUser, actor.Type)
	assert.Equal(t, "ana@example.com", actor.Email)
}

func TestResolveToken_Expired(t *testing.T) {
	token := sign(t, jwt.SigningMethodHS256, []byte(testSecret), func(c *SupabaseClaims) {
		c.ExpiresAt = jwt.NewNumericDate(testNow.Add(-time.Minute))
	})
	_, err := newTestAuthenticator().ResolveToken(context.Background(), token)
	assert.Equal(t, types.ErrCodeAuthTokenExpired, types.CodeOf(err))
}

func TestResolveToken_WithinClockSkew(t *testing.T) {
	token := sign(t, jwt.SigningMethodHS256, []byte(testSecret), func(c *SupabaseClaims) {
		c.ExpiresAt = jwt.NewNumericDate(testNow.Add(-10 * time.Second))
	})
	_, err := newTestAuthenticator().ResolveToken(context.Background(), token)
	assert.NoError(t, err)
}

func TestResolveToken_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		token func(t *testing.T) string
		code  types.ErrorCode
	}{
		{"empty", func(*testing.T) string { return "" }, types.ErrCodeAuthTokenMissing},
		{"garbage", func(*testing.T) string { return "not-a-jwt" }, types.ErrCodeAuthTokenInvalid},
		{"wrong secret", func(t *testing.T) string {
			return sign(t, jwt.SigningMethodHS256, []byte("another-secret-of-sufficient-length-123"), nil)
		}, types.ErrCodeAuthTokenInvalid},
		{"wrong algorithm", func(t *testing.T) string {
			return sign(t, jwt.SigningMethodHS512, []byte(testSecret), nil)
		}, types.ErrCodeAuthTokenInvalid},
		{"wrong issuer", func(t *testing.T) string {
			return sign(t, jwt.SigningMethodHS256, []byte(testSecret), func(c *SupabaseClaims) { c.Issuer = "https://evil.example" })
		}, types.ErrCodeAuthTokenInvalid},
		{"wrong audience", func(t *testing.T) string {
			return sign(t, jwt.SigningMethodHS256, []byte(testSecret), func(c *SupabaseClaims) { c.Audience = jwt.ClaimStrings{"anon"} })
		}, types.ErrCodeAuthTokenInvalid},
		{"no expiry", func(t *testing.T) string {
			return sign(t, jwt.SigningMethodHS256, []byte(testSecret), func(c *SupabaseClaims) { c.ExpiresAt = nil })
		}, types.ErrCodeAuthTokenInvalid},
		{"no subject", func(t *testing.T) string {
			return sign(t, jwt.SigningMethodHS256, []byte(testSecret), func(c *SupabaseClaims) { c.Subject = "" })
		}, types.ErrCodeAuthTokenInvalid},
		{"service role", func(t *testing.T) string {
			return sign(t, jwt.SigningMethodHS256, []byte(testSecret), func(c *SupabaseClaims) { c.Role = "service_role" })
		}, types.ErrCodeAuthTokenInvalid},
		{"unsigned", func(t *testing.T) string {
			return sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, nil)
		}, types.ErrCodeAuthTokenInvalid},
	}
	a := newTestAuthenticator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.ResolveToken(context.Background(), tt.token(t))
			assert.Equal(t, tt.code, types.CodeOf(err))
		})
	}
}

func TestResolveToken_OptionalIssuerAndAudience(t *testing.T) {
	a := NewSupabaseAuthenticator(SupabaseConfig{Secret: types.SecretString(testSecret)},
		types.ClockFunc(func() time.Time { return testNow }))

	token := sign(t, jwt.SigningMethodHS256, []byte(testSecret), func(c *SupabaseClaims) {
		c.Issuer = "anything"
		c.Audience = nil
	})
	_, err := a.ResolveToken(context.Background(), token)
	assert.NoError(t, err)
}
