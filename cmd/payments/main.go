package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"posplatform/internal/common/database"
	"posplatform/internal/common/events"
	"posplatform/internal/common/metrics"
	"posplatform/internal/common/middleware"
	"posplatform/internal/common/nats"
	"posplatform/internal/common/ratelimit"
	"posplatform/internal/common/telemetry"
	"posplatform/internal/gateway"
	"posplatform/internal/integrations"
	integrationsapi "posplatform/internal/integrations/api"
	"posplatform/internal/payments"
	paymentsapi "posplatform/internal/payments/api"
	"posplatform/internal/providers/adyen"
	"posplatform/internal/providers/mail"
	"posplatform/internal/providers/sumup"
	"posplatform/internal/vault"
	"posplatform/migrations"
)

// Config holds service configuration
type Config struct {
	Port           int      `envconfig:"PAYMENTS_PORT" default:"8086"`
	Environment    string   `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string   `envconfig:"LOG_FORMAT" default:"json"`
	AllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	Database  database.Config
	NATS      nats.Config
	RateLimit ratelimit.Config
	Telemetry telemetry.Config
	Vault     vault.Config
	Payments  payments.Config
	Hooks     WebhookConfig
}

// WebhookConfig groups the provider webhook settings
type WebhookConfig struct {
	SumUp sumup.WebhookConfig
	Adyen adyen.WebhookConfig
	Graph mail.GraphConfig
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("payments service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	// Create context that listens for shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The vault key is required; without it no stored credential is usable.
	credentials, err := vault.New(cfg.Vault.Key)
	if err != nil {
		return fmt.Errorf("credential vault: %w", err)
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown error", "error", err)
		}
	}()

	// Connect to database
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if cfg.Database.Migrate {
		if err := database.Migrate(cfg.Database.URL, migrations.FS, logger); err != nil {
			return err
		}
	}

	// Event publishing
	var publisher events.EventPublisher = events.NopPublisher{}
	var natsClient *nats.Client
	if cfg.NATS.Enabled {
		natsClient, err = nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer natsClient.Close()

		streamCfg := nats.DefaultStreamConfig("POS_EVENTS", []string{
			nats.Subject("pos.>"),
			nats.Subject("integrations.>"),
		})
		streamCfg.Description = "Cashless payment and integration events"
		if _, err := natsClient.EnsureStream(ctx, streamCfg); err != nil {
			return err
		}
		publisher = nats.NewPublisher(natsClient, logger)
	} else {
		logger.Warn("nats disabled, events will be dropped")
	}

	// Status poll rate limiting
	var limiter middleware.RateLimiter
	if cfg.RateLimit.RedisURL != "" {
		redisClient, err := ratelimit.NewRedisClient(ctx, cfg.RateLimit.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer redisClient.Close()
		limiter = ratelimit.NewRedisLimiter(redisClient, "payments-status", cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}

	m := metrics.New()

	// Providers
	registry := gateway.NewRegistry()
	registry.Register(sumup.Kind, sumup.Factory)
	registry.Register(adyen.Kind, adyen.Factory)

	// Create services
	integrationService := integrations.NewService(
		integrations.NewPostgresStore(db),
		credentials,
		registry,
		publisher,
		logger,
	)
	router := gateway.NewRouter(registry, integrationService.Resolver(), gateway.RouterConfig{
		DefaultKind: cfg.Payments.DefaultProviderKind,
		Timeout:     cfg.Payments.ProviderTimeout,
	}, m, logger)
	paymentService := payments.NewService(
		payments.NewPostgresStore(db),
		router,
		publisher,
		m,
		cfg.Payments,
		logger,
	)

	// Create handlers
	paymentHandler := paymentsapi.NewHandler(paymentService, limiter, logger)
	connectionHandler := integrationsapi.NewHandler(integrationService, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		if natsClient != nil {
			if err := natsClient.HealthCheck(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", m.Handler())

	// Provider webhooks are authenticated by the provider, not by scope headers.
	r.Route("/integrations/webhooks", func(r chi.Router) {
		r.Method(http.MethodPost, "/sumup", sumup.NewWebhookHandler(cfg.Hooks.SumUp, paymentService, m, logger))
		r.Method(http.MethodPost, "/adyen", adyen.NewWebhookHandler(cfg.Hooks.Adyen, paymentService, m, logger))
		r.Handle("/graph", mail.NewGraphHandler(cfg.Hooks.Graph, publisher, m, logger))
		r.Method(http.MethodPost, "/gmail", mail.NewGmailHandler(publisher, m, logger))
	})

	// API routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.ScopeExtractor)
		r.Use(middleware.RequireWorkspace)
		r.Mount("/pos/payments/cashless", paymentHandler.Routes())
		r.Mount("/integrations/connections", connectionHandler.Routes())
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second + cfg.Payments.ProviderTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting payments service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"providers", strings.Join(registry.Kinds(), ","),
			"default_provider", cfg.Payments.DefaultProviderKind,
			"unsigned_webhooks", cfg.Hooks.SumUp.AllowUnsigned,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
