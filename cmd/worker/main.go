// Package main provides the entrypoint for the PipePulse evaluation worker.
// It runs the scheduling engine and consumes pipeline run events from
// Pub/Sub; the API server stays stateless.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipepulse/pipepulse/internal/alert"
	"github.com/pipepulse/pipepulse/internal/config"
	"github.com/pipepulse/pipepulse/internal/database"
	"github.com/pipepulse/pipepulse/internal/datasource"
	"github.com/pipepulse/pipepulse/internal/engine"
	"github.com/pipepulse/pipepulse/internal/heal"
	"github.com/pipepulse/pipepulse/internal/health"
	"github.com/pipepulse/pipepulse/internal/metric"
	"github.com/pipepulse/pipepulse/internal/notify"
	"github.com/pipepulse/pipepulse/internal/pipeline"
	"github.com/pipepulse/pipepulse/internal/resilience"
	"github.com/pipepulse/pipepulse/internal/scheduler"
	"github.com/pipepulse/pipepulse/internal/telemetry"
	"github.com/pipepulse/pipepulse/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "pipepulse-worker"

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting PipePulse worker")

	cfg := loadConfig(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry
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
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	// Connect to database
	dbConfig := database.ConfigFromEnv()
	pool, err := database.Connect(ctx, dbConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	// Outbound endpoint registry and health checker
	registry := resilience.NewRegistry()
	checker := health.NewChecker(health.EnvCredentialResolver{}, log, registry)

	// Domain services over postgres repositories
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

	// Self-healing runs the pipeline's heal script through the shell, or
	// retriggers the run when no script is configured.
	healer := heal.New(pipelines, heal.NewDefaultAction(pipelines, runHealScript, 0), scheduler.RealClock{}, log)

	calculator := metric.NewCalculator(metric.CalculatorConfig{
		Weights:             cfg.Engine.HealthScore.Weights,
		FreshnessBudget:     cfg.Engine.HealthScore.FreshnessBudget,
		VolumeBudgetPercent: cfg.Engine.HealthScore.VolumeBudgetPercent,
	})
	evaluator := alert.NewEvaluatorWithDefaults(cfg.Engine.Anomaly.Sensitivity, cfg.Engine.Anomaly.MinSamples)

	eng, err := engine.New(engine.Config{
		EvaluationInterval: cfg.Engine.EvaluationInterval,
		EscalationInterval: cfg.Engine.EscalationInterval,
		SyncInterval:       cfg.Engine.SyncInterval,
		MetricWindow:       cfg.Engine.MetricWindow,
		Scheduler: scheduler.Config{
			Concurrency: cfg.Engine.Scheduler.Concurrency,
			MaxBackoff:  cfg.Engine.Scheduler.MaxBackoff,
			Jitter:      cfg.Engine.Scheduler.Jitter,
		},
	}, engine.Params{
		Sources:    sources,
		Pipelines:  pipelines,
		Alerts:     alerts,
		Lifecycle:  lifecycle,
		Healer:     healer,
		Calculator: calculator,
		Evaluator:  evaluator,
		Clock:      scheduler.RealClock{},
		Logger:     log,
		Meter:      telemetry.Meter(serviceName),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build engine")
	}

	// Hot-reload the knobs that apply without a restart.
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		go func() {
			watchErr := config.Watch(ctx, path, log, func(next *config.Config) {
				lifecycle.SetEscalationWindow(next.Engine.EscalationWindow)
				log.Info().Msg("applied reloaded configuration")
			})
			if watchErr != nil && ctx.Err() == nil {
				log.Error().Err(watchErr).Msg("config watcher stopped")
			}
		}()
	}

	// Consume pipeline run events when a subscription is configured.
	var events *worker.PubSubHandler
	projectID := os.Getenv("PUBSUB_PROJECT_ID")
	subscription := os.Getenv("PUBSUB_SUBSCRIPTION")
	if projectID != "" && subscription != "" {
		events, err = worker.NewPubSubHandler(ctx, worker.PubSubConfig{
			ProjectID:        projectID,
			SubscriptionName: subscription,
			Events:           eng,
			Pipelines:        pipelines,
			Logger:           log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create pubsub handler")
		}
		go func() {
			if recvErr := events.Start(ctx); recvErr != nil && ctx.Err() == nil {
				log.Error().Err(recvErr).Msg("run event consumer stopped")
			}
		}()
		defer events.Close()
		log.Info().
			Str("project", projectID).
			Str("subscription", subscription).
			Msg("run event consumer started")
	} else {
		log.Warn().Msg("PUBSUB_PROJECT_ID or PUBSUB_SUBSCRIPTION not set, run events disabled")
	}

	// Health endpoint for the container platform
	server := healthServer(cfg.Server.Port, log)

	// Run the engine until interrupted
	engineDone := make(chan error, 1)
	go func() {
		engineDone <- eng.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutting down worker")
	case err := <-engineDone:
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("engine stopped")
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}

	log.Info().Msg("worker stopped")
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

// runHealScript executes a heal script through the shell.
func runHealScript(ctx context.Context, script string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// healthServer serves the liveness endpoint on the worker port.
func healthServer(port int, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","version":%q}`, Version)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("health server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	return server
}
