// Package handler provides HTTP handlers for the PipePulse API.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/pipepulse/pipepulse/internal/api/models"
	"github.com/pipepulse/pipepulse/internal/api/response"
	"github.com/pipepulse/pipepulse/internal/resilience"
)

// ReadyCheck reports whether a backing dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	registry  *resilience.Registry
	checks    map[string]ReadyCheck
}

// NewOpsHandler creates a new OpsHandler. checks maps subsystem names to
// readiness probes; registry supplies outbound endpoint health and may be nil.
func NewOpsHandler(version, buildTime string, registry *resilience.Registry, checks map[string]ReadyCheck) *OpsHandler {
	return &OpsHandler{
		version:   version,
		buildTime: buildTime,
		registry:  registry,
		checks:    checks,
	}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]interface{}{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	}
	response.JSON(w, r, http.StatusOK, health)
}

// ReadinessCheck handles GET /v1/ops/ready - readiness check.
// Fails when any registered subsystem check fails.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	status := models.HealthStatusOK
	code := http.StatusOK
	for _, check := range h.checks {
		if err := check(r.Context()); err != nil {
			status = models.HealthStatusFail
			code = http.StatusServiceUnavailable
			break
		}
	}

	health := models.Health{
		Status: status,
		Time:   models.Timestamp(time.Now()),
	}
	response.JSON(w, r, code, health)
}

// SystemStatus handles GET /v1/ops/status - subsystem and endpoint status.
func (h *OpsHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	now := models.Timestamp(time.Now())
	status := models.SystemStatus{
		Status:     models.HealthStatusOK,
		Time:       now,
		Subsystems: []models.SubsystemStatus{},
		Endpoints:  []models.EndpointStatus{},
	}

	for name, check := range h.checks {
		sub := models.SubsystemStatus{Name: name, Status: models.HealthStatusOK}
		if err := check(r.Context()); err != nil {
			detail := err.Error()
			sub.Status = models.HealthStatusFail
			sub.Detail = &detail
			status.Status = models.HealthStatusDegraded
		}
		status.Subsystems = append(status.Subsystems, sub)
	}

	if h.registry != nil {
		for _, eh := range h.registry.GetAllHealth() {
			ep := models.EndpointStatus{
				Endpoint:      eh.Name,
				Status:        models.HealthStatusOK,
				LastSuccessAt: models.TimestampPtr(eh.LastSuccessAt),
				LastFailureAt: models.TimestampPtr(eh.LastFailureAt),
			}
			switch {
			case eh.IsUnhealthy():
				ep.Status = models.HealthStatusFail
				status.Status = models.HealthStatusDegraded
			case eh.IsDegraded():
				ep.Status = models.HealthStatusDegraded
				status.Status = models.HealthStatusDegraded
			}
			if eh.LastError != "" {
				msg := eh.LastError
				ep.Message = &msg
			}
			status.Endpoints = append(status.Endpoints, ep)
		}
	}

	response.JSON(w, r, http.StatusOK, status)
}
