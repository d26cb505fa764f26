package types

import (
	"context"
	"log/slog"
	"net/netip"
)

// ActorType identifies the kind of authenticated entity making a request.
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
)

// Actor represents the authenticated entity performing an operation.
type Actor struct {
	ID    string // Supabase user ID (the JWT "sub" claim).
	Type  ActorType
	Email string
	Role  string
}

// Context Keys
type contextKey string

const (
	actorKey     contextKey = "actor"
	requestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
	countryKey   contextKey = "client_country"
	clientIPKey  contextKey = "client_ip"
)

// WithActor stores the Actor in the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor retrieves the Actor from the context.
func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithLogger stores a request-scoped logger in the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the request-scoped logger, or slog.Default()
// when none has been set.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithClientCountry stores the CDN-provided country code of the caller.
func WithClientCountry(ctx context.Context, country string) context.Context {
	return context.WithValue(ctx, countryKey, country)
}

// GetClientCountry returns the CDN-provided country code, if any.
func GetClientCountry(ctx context.Context) (string, bool) {
	c, ok := ctx.Value(countryKey).(string)
	return c, ok && c != ""
}

// WithClientIP stores the resolved address of the caller.
func WithClientIP(ctx context.Context, addr netip.Addr) context.Context {
	return context.WithValue(ctx, clientIPKey, addr)
}

// GetClientIP returns the address stored by WithClientIP.
func GetClientIP(ctx context.Context) (netip.Addr, bool) {
	addr, ok := ctx.Value(clientIPKey).(netip.Addr)
	return addr, ok
}
