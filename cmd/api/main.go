// Package main is the entry point for the billing API.
//
// It loads configuration, connects the store, builds the Stripe webhook
// pipeline and the account routes, and serves them either as a plain HTTP
// server (local, containers) or behind API Gateway in AWS Lambda.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"repurpose/internal/api/handlers"
	"repurpose/internal/auth"
	"repurpose/internal/billing"
	"repurpose/internal/config"
	"repurpose/internal/core"
	"repurpose/internal/external"
	"repurpose/internal/queue"
)

// memoryScheme selects the in-process store, e.g. DATABASE_URL=memory://local.
const memoryScheme = "memory"

const stripeHTTPTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	// SSM is only consulted outside APP_ENV=local.
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel).With("service", cfg.Service)
	logger.Info("billing API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()
	srv, err := buildServer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if isLambdaEnvironment() {
		logger.Info("running in Lambda mode")
		lambda.Start(core.LambdaHandler(srv.Handler()))
		return nil
	}
	return runHTTPServer(srv, cfg, logger)
}

// buildServer wires every collaborator and mounts the routes.
func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	store, err := openStore(ctx, srv, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	// AWS clients are only built when a feature needs them.
	var awsCfg *aws.Config
	if cfg.AWS.MetricsEnabled || cfg.AWS.OpsQueueURL != "" {
		c, err := loadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		awsCfg = &c
	}

	var metrics core.MetricsCollector = core.NoopMetrics{}
	if cfg.AWS.MetricsEnabled {
		cw := cloudwatch.NewFromConfig(*awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		metrics = core.NewCloudWatchMetrics(cw, cfg.AWS.MetricsNamespace, logger)
	}
	srv.Metrics = metrics

	var notifier billing.FailureNotifier = billing.NoopNotifier{}
	if cfg.AWS.OpsQueueURL != "" {
		sqsClient := sqs.NewFromConfig(*awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		n, err := queue.NewSQSNotifier(sqsClient, cfg.AWS, logger)
		if err != nil {
			return nil, err
		}
		notifier = n
	}

	prices, err := billing.NewPriceTable(cfg.Billing.PriceTable(), cfg.Billing.UnknownPricePolicy)
	if err != nil {
		return nil, fmt.Errorf("building price table: %w", err)
	}
	if len(cfg.Billing.PriceTable()) == 0 {
		logger.Warn("no Stripe prices configured; paid checkouts are disabled")
	}

	archiver, err := billing.NewArchiver(cfg.Webhook.ArchivePayloads)
	if err != nil {
		return nil, fmt.Errorf("creating payload archiver: %w", err)
	}

	stripeClient := external.NewStripeClient(&http.Client{Timeout: stripeHTTPTimeout}, external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey,
		BaseURL:   cfg.Billing.StripeBaseURL,
		Logger:    logger,
	})

	processor := billing.NewProcessor(billing.ProcessorConfig{
		Store:      store,
		Reconciler: billing.NewReconciler(stripeClient, prices, logger),
		Archiver:   archiver,
		Notifier:   notifier,
		Logger:     logger,
	})

	if cfg.Billing.StripeWebhookSecret.IsEmpty() {
		logger.Error("STRIPE_WEBHOOK_SECRET is not set; webhook deliveries will be rejected")
	}
	webhookHandler := handlers.NewStripeWebhookHandler(
		external.NewStripeVerifier(),
		processor,
		cfg.Billing.StripeWebhookSecret,
		metrics,
		handlers.WebhookOptions{
			MaxBodyBytes:      cfg.Webhook.MaxBodyBytes,
			ProcessingTimeout: cfg.Webhook.ProcessingTimeout,
		},
		logger,
	)
	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, webhookHandler.RegisterRoutes)

	accounts := billing.NewAccounts(store, stripeClient, prices, billing.RedirectURLs{
		Success: cfg.Billing.SuccessURL,
		Cancel:  cfg.Billing.CancelURL,
	}, logger)
	accountHandler := handlers.NewAccountHandler(accounts, srv.Validator, logger)
	srv.PublicV1RouteRegistrars = append(srv.PublicV1RouteRegistrars, accountHandler.RegisterPublicRoutes)

	if cfg.Auth.JWTPublicKey != "" {
		authenticator, err := auth.NewJWTAuthenticator(cfg.Auth.JWTPublicKey, cfg.Auth.JWTIssuer, cfg.Auth.Leeway)
		if err != nil {
			return nil, fmt.Errorf("creating authenticator: %w", err)
		}
		srv.Authenticator = authenticator
		srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, accountHandler.RegisterRoutes)
	} else {
		logger.Warn("AUTH_JWT_PUBLIC_KEY is not set; account routes are disabled")
	}

	srv.MountRoutes()
	return srv, nil
}

// openStore connects PostgreSQL, or returns the in-memory store when the
// database URL uses the memory scheme. The pool is registered for health
// checks and closed on shutdown.
func openStore(ctx context.Context, srv *core.Server, dbCfg config.DatabaseConfig, logger *slog.Logger) (billing.Store, error) {
	u, err := url.Parse(dbCfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	if u.Scheme == memoryScheme {
		logger.Warn("using in-memory store; data is lost on restart")
		return billing.NewMemoryStore(), nil
	}

	poolCfg, err := pgxpool.ParseConfig(dbCfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = dbCfg.MaxConns
	poolCfg.MinConns = dbCfg.MinConns
	poolCfg.MaxConnLifetime = dbCfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = dbCfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	logger.Info("database connection established", "max_conns", dbCfg.MaxConns)

	srv.HealthChecks = append(srv.HealthChecks, core.DatabaseCheck{DB: pool})
	srv.Closers = append(srv.Closers, pool.Close)
	return billing.NewPgStore(pool, logger), nil
}

func loadAWSConfig(ctx context.Context, awsCfg config.AWSConfig) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(awsCfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return cfg, nil
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
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

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Closes the database pool.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
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

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
