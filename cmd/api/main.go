// Package main provides the entrypoint for the PipePulse API server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipepulse/pipepulse/internal/alert"
	"github.com/pipepulse/pipepulse/internal/api"
	"github.com/pipepulse/pipepulse/internal/api/handler"
	"github.com/pipepulse/pipepulse/internal/api/middleware"
	"github.com/pipepulse/pipepulse/internal/auth"
	"github.com/pipepulse/pipepulse/internal/config"
	"github.com/pipepulse/pipepulse/internal/dashboard"
	"github.com/pipepulse/pipepulse/internal/database"
	"github.com/pipepulse/pipepulse/internal/datasource"
	"github.com/pipepulse/pipepulse/internal/health"
	"github.com/pipepulse/pipepulse/internal/notify"
	"github.com/pipepulse/pipepulse/internal/pipeline"
	"github.com/pipepulse/pipepulse/internal/resilience"
	"github.com/pipepulse/pipepulse/internal/telemetry"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "pipepulse-api"

	// Setup structured logging
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting PipePulse API")

	cfg := loadConfig(log)

	// Initialize OpenTelemetry
	ctx := context.Background()
	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	if cfg.Telemetry.Enabled {
		log.Info().
			Str("otlp_endpoint", cfg.Telemetry.OTLPEndpoint).
			Msg("OpenTelemetry initialized")
	}

	// Initialize metrics
	metrics, err := middleware.NewMetrics()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize metrics")
		os.Exit(1) //nolint:gocritic // intentional exit, telemetry cleanup is best-effort
	}

	// Connect to database
	dbConfig := database.ConfigFromEnv()
	pool, err := database.Connect(ctx, dbConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	log.Info().
		Str("host", dbConfig.Host).
		Int("port", dbConfig.Port).
		Str("database", dbConfig.Database).
		Msg("database connected")

	// Initialize JWT service (get signing key from environment)
	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		jwtSigningKey = "local-dev-signing-key-change-in-production"
		log.Warn().Msg("using default JWT signing key - not secure for production")
	}

	jwtService := auth.NewJWTService(auth.JWTConfig{
		SigningKey: jwtSigningKey,
	})

	// Outbound endpoint registry for status reporting
	registry := resilience.NewRegistry()

	// Domain services over postgres repositories
	checker := health.NewChecker(health.EnvCredentialResolver{}, log, registry)
	sources := datasource.NewService(datasource.NewPostgresRepository(pool), checker)
	pipelines := pipeline.NewService(pipeline.NewPostgresRepository(pool))

	alertRepo := alert.NewPostgresRepository(pool)
	dispatcher := buildDispatcher(cfg, registry, log)
	lifecycle := alert.NewLifecycle(alertRepo, dispatcher, log)
	lifecycle.SetEscalationWindow(cfg.Engine.EscalationWindow)
	alerts := alert.NewService(alertRepo, lifecycle)
	dispatcher.OnResult(func(ctx context.Context, alertID string, kind alert.NotificationKind, channel string, success, final bool, detail string) {
		if err := lifecycle.RecordDelivery(ctx, alertID, kind, channel, success, final, detail); err != nil {
			log.Error().Err(err).Str("alert_id", alertID).Msg("failed to record delivery outcome")
		}
	})
	dispatcher.Start()
	defer dispatcher.Stop()

	dash := dashboard.NewService(sources, pipelines, alerts)
	log.Info().Msg("services initialized")

	// Create router with configuration
	router := api.NewRouter(api.RouterConfig{
		Version:          Version,
		BuildTime:        BuildTime,
		Logger:           log,
		ServiceName:      serviceName,
		Metrics:          metrics,
		AuthService:      jwtService,
		DataSources:      sources,
		Pipelines:        pipelines,
		Alerts:           alerts,
		Dashboard:        dash,
		EndpointRegistry: registry,
		ReadyChecks: map[string]handler.ReadyCheck{
			"postgres": pool.Ping,
		},
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}

	log.Info().Msg("server stopped")
}

// loadConfig reads the YAML config named by CONFIG_PATH, falling back to
// built-in defaults when no file is configured.
func loadConfig(log zerolog.Logger) *config.Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		log.Info().Msg("CONFIG_PATH not set, using default configuration")
		return config.Default()
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("failed to load configuration")
	}
	log.Info().Str("path", path).Msg("configuration loaded")
	return cfg
}

// buildDispatcher wires one notifier per configured webhook channel plus the
// log fallback.
func buildDispatcher(cfg *config.Config, registry *resilience.Registry, log zerolog.Logger) *notify.Dispatcher {
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	for _, wh := range cfg.Notifications.Webhooks {
		url := wh.URL()
		if url == "" {
			log.Warn().
				Str("channel", wh.Channel).
				Str("url_env", wh.URLEnv).
				Msg("webhook URL not resolved, channel falls back to log delivery")
			continue
		}
		notifiers = append(notifiers, notify.NewWebhookNotifier(wh.Channel, url, registry))
	}

	deliveryMetrics, err := notify.NewDeliveryMetrics()
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialise delivery metrics")
	}

	return notify.NewDispatcher(notify.DispatcherConfig{
		QueueSize:  cfg.Notifications.QueueSize,
		Workers:    cfg.Notifications.Workers,
		MaxRetries: uint64(cfg.Notifications.MaxRetries),
		Metrics:    deliveryMetrics,
	}, notifiers, log)
}
