// Package config defines the process configuration of the Breath of Now
// services. Configuration is loaded once at startup and is immutable
// thereafter.
//
// Values are resolved in priority order:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or invalid format fails startup.
package config

import (
	"time"

	"breathofnow/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Config is the top-level configuration. Sub-components receive only the
// section they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"breathofnow-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Auth          AuthConfig
	Billing       BillingConfig
	Geo           GeoConfig
	AWS           AWSConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not Env
	Build BuildInfo
}

// IsLocal reports whether the process runs on a developer machine.
func (c *Config) IsLocal() bool {
	return c.Environment == localEnv
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`

	// PublicSiteURL is the PWA origin used for checkout redirects (no trailing slash).
	PublicSiteURL      string        `envconfig:"PUBLIC_SITE_URL" validate:"required,url"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	ReadHeaderTimeout  time.Duration `envconfig:"HTTP_READ_HEADER_TIMEOUT" default:"5s"`
	ShutdownTimeout    time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
	RequestTimeout     time.Duration `envconfig:"HTTP_REQUEST_TIMEOUT" default:"15s"`

	// Per-caller fixed-window limit applied to /v1. Zero disables it.
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"120" validate:"min=0"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	// TrustedProxyHops counts the proxies in front of the API that append to
	// X-Forwarded-For (1 behind a single load balancer). Zero ignores the header.
	TrustedProxyHops int `envconfig:"TRUSTED_PROXY_HOPS" default:"1" validate:"min=0"`
}

// DatabaseConfig holds the Postgres connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`

	// AutoMigrate applies pending migrations when the API starts. Meant for
	// local and preview environments; production runs cmd/migrate.
	AutoMigrate bool `envconfig:"DB_AUTO_MIGRATE" default:"false"`
}

// RedisConfig holds the cache connection. An empty URL disables caching.
type RedisConfig struct {
	URL         SecretString  `envconfig:"REDIS_URL"`
	GeoCacheTTL time.Duration `envconfig:"GEO_CACHE_TTL" default:"24h"`
}

// AuthConfig holds the Supabase access-token verification settings.
type AuthConfig struct {
	SupabaseJWTSecret SecretString  `envconfig:"SUPABASE_JWT_SECRET" validate:"required"`
	Issuer            string        `envconfig:"SUPABASE_JWT_ISSUER"`
	Audience          string        `envconfig:"SUPABASE_JWT_AUDIENCE" default:"authenticated"`
	ClockSkew         time.Duration `envconfig:"JWT_CLOCK_SKEW" default:"30s"`
}

// BillingConfig holds Stripe credentials and checkout settings.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripeAPIURL        string       `envconfig:"STRIPE_API_URL" default:"https://api.stripe.com" validate:"url"`
	SuccessPath         string       `envconfig:"CHECKOUT_SUCCESS_PATH" default:"/account/billing?checkout=success"`
	CancelPath          string       `envconfig:"CHECKOUT_CANCEL_PATH" default:"/pricing?checkout=cancelled"`
}

// GeoConfig holds the IP geolocation fallback used when no CDN country header
// is present.
type GeoConfig struct {
	Enabled   bool          `envconfig:"GEO_LOOKUP_ENABLED" default:"true"`
	LookupURL string        `envconfig:"GEO_LOOKUP_URL" default:"https://ipapi.co" validate:"url"`
	Timeout   time.Duration `envconfig:"GEO_LOOKUP_TIMEOUT" default:"2s"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"eu-central-1"`

	// EntitlementEventsQueue receives EntitlementChanged events. Empty
	// disables publishing.
	EntitlementEventsQueue string `envconfig:"SQS_ENTITLEMENT_EVENTS" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"BreathOfNow"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
