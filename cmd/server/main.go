package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/billingsync/internal"
	"github.com/dukerupert/billingsync/internal/billing"
	"github.com/dukerupert/billingsync/internal/eventlog"
	"github.com/dukerupert/billingsync/internal/events"
	"github.com/dukerupert/billingsync/internal/firebase"
	"github.com/dukerupert/billingsync/internal/handler/callable"
	"github.com/dukerupert/billingsync/internal/handler/webhook"
	"github.com/dukerupert/billingsync/internal/identity"
	"github.com/dukerupert/billingsync/internal/middleware"
	"github.com/dukerupert/billingsync/internal/repository"
	"github.com/dukerupert/billingsync/internal/router"
	"github.com/dukerupert/billingsync/internal/service"
	"github.com/dukerupert/billingsync/internal/telemetry"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Error tracking
	flushSentry, err := telemetry.InitSentry(telemetry.SentryConfig{
		DSN:              cfg.Sentry.DSN,
		Enabled:          cfg.Sentry.Enabled,
		Environment:      cfg.Sentry.Environment,
		Release:          cfg.Sentry.Release,
		SampleRate:       cfg.Sentry.SampleRate,
		TracesSampleRate: cfg.Sentry.TracesSampleRate,
		Debug:            cfg.Sentry.Debug,
	}, logger)
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	defer flushSentry()

	// Metrics
	telemetry.InitBusinessMetrics("billingsync")
	httpMetrics := middleware.NewMetrics("billingsync", nil)

	// Firebase: user documents and identity tokens
	initCtx, cancelInit := context.WithTimeout(ctx, 15*time.Second)
	defer cancelInit()

	app, err := firebase.NewApp(initCtx, firebase.Config{
		ProjectID:                cfg.Firebase.ProjectID,
		CredentialsFile:          cfg.Firebase.CredentialsFile,
		ServiceAccountJSONBase64: cfg.Firebase.ServiceAccountJSONBase64,
	}, logger)
	if err != nil {
		return err
	}

	firestoreClient, err := app.Firestore(initCtx)
	if err != nil {
		return fmt.Errorf("failed to create firestore client: %w", err)
	}
	defer firestoreClient.Close()

	authClient, err := app.Auth(initCtx)
	if err != nil {
		return fmt.Errorf("failed to create auth client: %w", err)
	}

	store := repository.NewFirestoreUserStore(firestoreClient, cfg.Firebase.UsersCollection, logger)
	idp := identity.NewFirebaseProvider(authClient)

	// Stripe
	stripeConfig := billing.StripeConfig{
		APIKey:        cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		MaxRetries:    cfg.Stripe.MaxRetries,
	}
	provider, err := billing.NewStripeProvider(stripeConfig, logger)
	if err != nil {
		return fmt.Errorf("stripe initialization failed: %w", err)
	}
	if stripeConfig.IsTestMode() {
		logger.Info().Msg("Stripe running in test mode")
	}

	// Entitlement events
	publisher, err := events.New(cfg.NATS.URL, cfg.NATS.Subject, logger)
	if err != nil {
		return fmt.Errorf("nats connection failed: %w", err)
	}
	defer publisher.Close()

	// Webhook delivery ledger
	ledger, pool, err := openLedger(initCtx, cfg.Database.URL, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	// Services
	methods := service.NewPaymentMethodResolver(provider, logger)
	resolver := service.NewUserResolver(store, idp, provider, logger)
	reconciler := service.NewReconciler(store, methods, publisher, logger)
	activation := service.NewActivationService(provider, store, reconciler, publisher, logger)
	account := service.NewAccountService(service.AccountConfig{
		PriceID:              cfg.Stripe.PriceID,
		SuccessURL:           cfg.Checkout.SuccessURL,
		CancelURL:            cfg.Checkout.CancelURL,
		PortalReturnURL:      cfg.Checkout.PortalReturnURL,
		VerificationAmount:   cfg.Verification.AmountCents,
		VerificationCurrency: cfg.Verification.Currency,
	}, provider, store, reconciler, activation, publisher, logger)
	webhooks := service.NewWebhookService(provider, store, resolver, reconciler, ledger, publisher, logger)

	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer limiter.Stop()

	e := router.New(router.Config{
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxBodySize:    middleware.DefaultMaxBodySize,
	}, router.Deps{
		Identity:    idp,
		Callables:   callable.NewHandler(account),
		Webhooks:    webhook.NewStripeHandler(provider, webhooks),
		Metrics:     httpMetrics,
		RateLimiter: limiter,
		Ready: func(ctx context.Context) error {
			if pool != nil {
				return pool.Ping(ctx)
			}
			return nil
		},
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("address", srv.Addr).Str("env", cfg.Env).Msg("Starting billing sync server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info().Msg("Server stopped")
	return nil
}

// openLedger runs migrations and returns a Postgres-backed ledger, or a no-op
// ledger when no database is configured.
func openLedger(ctx context.Context, url string, logger zerolog.Logger) (eventlog.Ledger, *pgxpool.Pool, error) {
	if url == "" {
		logger.Info().Msg("DATABASE_URL not set, webhook delivery ledger disabled")
		return eventlog.NopLedger{}, nil, nil
	}

	// Initialize database/sql connection for migrations
	logger.Info().Msg("Connecting to database...")
	sqlDB, err := sql.Open("pgx", url)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}

	logger.Info().Msg("Running database migrations...")
	if err := internal.RunMigrations(sqlDB); err != nil {
		return nil, nil, fmt.Errorf("migration failed: %w", err)
	}
	logger.Info().Msg("Database migrations completed successfully")

	// Initialize pgx connection pool for application
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return eventlog.NewPostgresLedger(pool), pool, nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("billing sync server exited")
	}
}
