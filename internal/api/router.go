// Package api provides the HTTP API for PipePulse.
package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/pipepulse/pipepulse/internal/alert"
	"github.com/pipepulse/pipepulse/internal/api/handler"
	"github.com/pipepulse/pipepulse/internal/api/middleware"
	"github.com/pipepulse/pipepulse/internal/auth"
	"github.com/pipepulse/pipepulse/internal/dashboard"
	"github.com/pipepulse/pipepulse/internal/datasource"
	"github.com/pipepulse/pipepulse/internal/pipeline"
	"github.com/pipepulse/pipepulse/internal/resilience"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version          string
	BuildTime        string
	Logger           zerolog.Logger
	ServiceName      string
	Metrics          *middleware.Metrics
	AuthService      *auth.JWTService
	DataSources      *datasource.Service
	Pipelines        *pipeline.Service
	Alerts           *alert.Service
	Dashboard        *dashboard.Service
	EndpointRegistry *resilience.Registry
	ReadyChecks      map[string]handler.ReadyCheck
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Set default service name if not provided
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "pipepulse-api"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)            // Generate/propagate request ID first
	r.Use(middleware.Tracing(serviceName)) // Distributed tracing
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware()) // HTTP metrics
	}
	r.Use(middleware.Logger(cfg.Logger))   // Structured logging
	r.Use(middleware.Recovery(cfg.Logger)) // Panic recovery
	r.Use(chimiddleware.RealIP)            // Real IP extraction
	r.Use(middleware.SecurityHeaders)      // Security headers (HSTS, CSP, etc.)
	r.Use(middleware.RequireTLS)           // TLS enforcement (enabled via REQUIRE_TLS=true)
	r.Use(middleware.ContentTypeJSON)      // JSON content type

	// Initialize handlers
	opsHandler := handler.NewOpsHandler(cfg.Version, cfg.BuildTime, cfg.EndpointRegistry, cfg.ReadyChecks)
	sourceHandler := handler.NewDataSourceHandler(cfg.DataSources)
	pipelineHandler := handler.NewPipelineHandler(cfg.Pipelines)
	alertHandler := handler.NewAlertHandler(cfg.Alerts)
	dashboardHandler := handler.NewDashboardHandler(cfg.Dashboard)

	// Create auth middleware
	authMiddleware := middleware.Auth(cfg.AuthService)

	// Create rate limit middleware for different endpoint categories
	expensiveRateLimit := middleware.RateLimitByIP(middleware.ExpensiveRateLimit) // 30 req/min
	standardRateLimit := middleware.RateLimitByIP(middleware.StandardRateLimit)   // 100 req/min

	// API v1 routes
	r.Route("/v1", func(r chi.Router) {
		// Ops endpoints (public)
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
			// Status endpoint requires authentication
			r.With(authMiddleware).Get("/status", opsHandler.SystemStatus)
		})

		// Everything below requires a valid bearer token
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)
			r.Use(standardRateLimit)

			// Data sources
			r.Route("/datasources", func(r chi.Router) {
				r.Get("/", sourceHandler.List)
				r.With(middleware.RequireWrite).Post("/", sourceHandler.Create)
				r.Route("/{sourceId}", func(r chi.Router) {
					r.Get("/", sourceHandler.Get)
					r.With(middleware.RequireWrite).Patch("/", sourceHandler.Update)
					r.With(middleware.RequireWrite).Delete("/", sourceHandler.Delete)
					// Probes hit the backing store, so they rate-limit
					// like expensive compute.
					r.With(middleware.RequireOperate, expensiveRateLimit).Post("/test", sourceHandler.TestConnection)
					r.Get("/results", sourceHandler.ListResults)
				})
			})

			// Pipelines
			r.Route("/pipelines", func(r chi.Router) {
				r.Get("/", pipelineHandler.List)
				r.With(middleware.RequireWrite).Post("/", pipelineHandler.Create)
				r.Route("/{pipelineId}", func(r chi.Router) {
					r.Get("/", pipelineHandler.Get)
					r.With(middleware.RequireWrite).Patch("/", pipelineHandler.Update)
					r.With(middleware.RequireWrite).Delete("/", pipelineHandler.Delete)
					r.With(middleware.RequireOperate).Post("/trigger", pipelineHandler.Trigger)
					r.Get("/runs", pipelineHandler.ListRuns)
					r.Get("/runs/{runId}/healing-attempts", pipelineHandler.ListHealingAttempts)
				})
			})

			// Alert rules
			r.Route("/alert-rules", func(r chi.Router) {
				r.Get("/", alertHandler.ListRules)
				r.With(middleware.RequireWrite).Post("/", alertHandler.CreateRule)
				r.Route("/{ruleId}", func(r chi.Router) {
					r.Get("/", alertHandler.GetRule)
					r.With(middleware.RequireWrite).Patch("/", alertHandler.UpdateRule)
					r.With(middleware.RequireWrite).Delete("/", alertHandler.DeleteRule)
				})
			})

			// Alerts
			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", alertHandler.ListAlerts)
				r.Route("/{alertId}", func(r chi.Router) {
					r.Get("/", alertHandler.GetAlert)
					r.Get("/history", alertHandler.History)
					r.With(middleware.RequireOperate).Post("/acknowledge", alertHandler.Acknowledge)
					r.With(middleware.RequireOperate).Post("/resolve", alertHandler.Resolve)
				})
			})

			// Dashboard
			r.Get("/dashboard/summary", dashboardHandler.Summary)
		})
	})

	return r
}
