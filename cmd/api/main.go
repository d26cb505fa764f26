// Package main is the entry point for the Breath of Now API server.
//
// It loads the configuration, connects Postgres, Redis and the AWS clients,
// wires the pricing, entitlement and billing handlers onto the core chassis
// and serves HTTP until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"breathofnow/internal/api/handlers"
	"breathofnow/internal/auth"
	"breathofnow/internal/billing"
	"breathofnow/internal/config"
	"breathofnow/internal/core"
	"breathofnow/internal/db"
	"breathofnow/internal/entitlement"
	"breathofnow/internal/external"
	"breathofnow/internal/pricing"
	"breathofnow/internal/queue"
	"breathofnow/internal/telemetry"
	"breathofnow/internal/types"
)

const (
	// cloudWatchFlushInterval is how often buffered metrics are shipped.
	cloudWatchFlushInterval = 30 * time.Second
	finalFlushTimeout       = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("breathofnow API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Database.AutoMigrate {
		if err := db.MigrateUp(cfg.Database.URL.Unmask()); err != nil {
			return err
		}
		logger.Info("database migrations applied")
	}

	deps, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv, cw, err := buildServer(cfg, logger, deps)
	if err != nil {
		return err
	}

	var flusher metricsFlusher
	if cw != nil {
		flusher = cw
	}
	return runServices(ctx, func(ctx context.Context) error {
		return serveHTTP(ctx, srv, cfg, logger)
	}, flusher)
}

// metricsFlusher is the buffered metrics backend driven alongside the server.
type metricsFlusher interface {
	Run(ctx context.Context, interval time.Duration)
	Flush(ctx context.Context)
}

// runServices runs serve and the periodic metrics flush until either stops.
// The flush loop exits as soon as shutdown begins, while serve is still
// draining requests, so one more flush runs after serve has returned.
func runServices(ctx context.Context, serve func(context.Context) error, flusher metricsFlusher) error {
	g, gctx := errgroup.WithContext(ctx)
	if flusher != nil {
		g.Go(func() error {
			flusher.Run(gctx, cloudWatchFlushInterval)
			return nil
		})
	}
	g.Go(func() error {
		return serve(gctx)
	})
	err := g.Wait()

	if flusher != nil {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
		defer cancel()
		flusher.Flush(flushCtx)
	}
	return err
}

// dependencies are the external connections the server is built from. Any
// optional field may be nil.
type dependencies struct {
	DB     db.DBTX
	Pinger db.Pinger
	Redis  redis.Cmdable
	SQS    queue.SQSSender
	CW     telemetry.CloudWatchClient
	HTTP   *http.Client

	closers []func(ctx context.Context) error
}

// connect opens the Postgres pool, the Redis client and the AWS clients.
// Only Postgres is mandatory.
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*dependencies, error) {
	deps := &dependencies{HTTP: &http.Client{Timeout: 10 * time.Second}}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting database: %w", err)
	}
	deps.DB, deps.Pinger = pool, pool
	deps.closers = append(deps.closers, func(context.Context) error {
		pool.Close()
		return nil
	})

	if !cfg.Redis.URL.IsZero() {
		opts, err := redis.ParseURL(cfg.Redis.URL.Unmask())
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		client := redis.NewClient(opts)
		deps.Redis = client
		deps.closers = append(deps.closers, func(context.Context) error { return client.Close() })
	} else {
		logger.Warn("REDIS_URL not set; rate limiting and geo caching disabled")
	}

	needSQS := cfg.AWS.EntitlementEventsQueue != ""
	needCW := cfg.Observability.MetricsBackend == telemetry.BackendCloudWatch
	if needSQS || needCW {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		if needSQS {
			deps.SQS = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
				if cfg.AWS.EndpointURL != "" {
					o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
				}
			})
		}
		if needCW {
			deps.CW = cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
				if cfg.AWS.EndpointURL != "" {
					o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
				}
			})
		}
	}
	return deps, nil
}

// buildServer wires every handler onto a core.Server and mounts its routes.
// The CloudWatch recorder is returned so the caller can run its flush loop.
func buildServer(cfg *config.Config, logger *slog.Logger, deps *dependencies) (*core.Server, *telemetry.CloudWatchRecorder, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating server: %w", err)
	}

	recorder, cw := newRecorder(cfg, deps.CW, logger)
	srv.Metrics = recorder
	srv.MetricsHandler = telemetry.Handler(recorder)

	srv.Authenticator = auth.NewSupabaseAuthenticator(auth.SupabaseConfig{
		Secret:    cfg.Auth.SupabaseJWTSecret,
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
		ClockSkew: cfg.Auth.ClockSkew,
	}, types.RealClock{})

	if deps.Pinger != nil {
		srv.HealthProbes = append(srv.HealthProbes, db.NewHealthProbe(deps.Pinger))
	}
	var geoCache external.Cache
	if deps.Redis != nil {
		srv.RateLimitStore = external.NewRedisRateLimitStore(deps.Redis)
		srv.HealthProbes = append(srv.HealthProbes, external.NewRedisHealthProbe(deps.Redis))
		geoCache = external.NewRedisCache(deps.Redis)
	}

	resolver := pricing.NewResolver()
	for country, tiers := range resolver.DuplicateCountries() {
		logger.Warn("country listed in several pricing tiers; first match wins",
			"country", country, "tiers", tiers)
	}

	var locator external.CountryLocator
	if cfg.Geo.Enabled {
		geoHTTP := &http.Client{Timeout: cfg.Geo.Timeout}
		geoBase := external.NewBaseClient(geoHTTP, "geoip", external.DefaultRetryPolicy(),
			external.WithFailureCode(types.ErrCodeUpstreamGeo),
			external.WithFailureHook(recorder.RecordExternalFailure))
		locator = external.NewGeoLocator(geoBase, geoCache, external.GeoLocatorConfig{
			BaseURL:       cfg.Geo.LookupURL,
			CacheTTL:      cfg.Redis.GeoCacheTTL,
			Logger:        logger,
			OnCacheLookup: recorder.RecordGeoCacheHit,
		})
	}

	var publisher types.EventPublisher = queue.DiscardPublisher{}
	if deps.SQS != nil {
		publisher = queue.NewEntitlementPublisher(deps.SQS, cfg.AWS.EntitlementEventsQueue, logger)
	}

	plans := billing.NewStaticPlanRegistry()
	profiles := db.NewProfileRepository(deps.DB, logger)
	subscriptions := db.NewSubscriptionRepository(deps.DB, plans, logger)
	history := db.NewAppChangeLogRepository(deps.DB)

	entitlements := entitlement.NewService(profiles, entitlement.NewManager(plans), logger,
		entitlement.WithPublisher(publisher),
		entitlement.WithRecorder(recorder),
	)

	stripeBase := external.NewBaseClient(deps.HTTP, "stripe", external.DefaultRetryPolicy(),
		external.WithFailureCode(types.ErrCodeUpstreamStripe),
		external.WithFailureHook(recorder.RecordExternalFailure))
	stripeClient := external.NewStripeClient(stripeBase, external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey,
		BaseURL:   cfg.Billing.StripeAPIURL,
		Logger:    logger,
	})

	pricingHandler := handlers.NewPricingHandler(resolver, locator, recorder, logger)
	entitlementHandler := handlers.NewEntitlementHandler(entitlements, history, srv.Validator, logger)
	checkoutHandler := handlers.NewCheckoutHandler(stripeClient, resolver, locator, srv.Validator, handlers.CheckoutConfig{
		SiteURL:     cfg.Server.PublicSiteURL,
		SuccessPath: cfg.Billing.SuccessPath,
		CancelPath:  cfg.Billing.CancelPath,
	}, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(external.StripeVerifier{}, subscriptions, recorder,
		cfg.Billing.StripeWebhookSecret, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		pricingHandler.RegisterRoutes,
		entitlementHandler.RegisterRoutes,
		checkoutHandler.RegisterRoutes,
		webhookHandler.RegisterRoutes,
	)

	srv.OnShutdown = append(srv.OnShutdown, deps.closers...)
	srv.MountRoutes()
	return srv, cw, nil
}

// newRecorder selects the metrics backend. The CloudWatch recorder is also
// returned on its own so its flush loop can be started.
func newRecorder(cfg *config.Config, cw telemetry.CloudWatchClient, logger *slog.Logger) (telemetry.Recorder, *telemetry.CloudWatchRecorder) {
	switch cfg.Observability.MetricsBackend {
	case telemetry.BackendPrometheus:
		return telemetry.NewPrometheusRecorder(), nil
	case telemetry.BackendCloudWatch:
		if cw == nil {
			logger.Warn("cloudwatch backend selected without a client; metrics disabled")
			return telemetry.Nop{}, nil
		}
		rec := telemetry.NewCloudWatchRecorder(cw, cfg.Observability.MetricNamespace, logger)
		return rec, rec
	default:
		return telemetry.Nop{}, nil
	}
}

// serveHTTP runs the HTTP server until ctx is cancelled, then drains it
// within the configured shutdown timeout.
func serveHTTP(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a JSON slog.Logger for the given level name.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
