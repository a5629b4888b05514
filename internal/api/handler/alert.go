package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pipepulse/pipepulse/internal/alert"
	"github.com/pipepulse/pipepulse/internal/api/models"
	"github.com/pipepulse/pipepulse/internal/api/response"
)

// AlertHandler handles alert rule and alert endpoints.
type AlertHandler struct {
	alerts *alert.Service
}

// NewAlertHandler creates a new AlertHandler.
func NewAlertHandler(alerts *alert.Service) *AlertHandler {
	return &AlertHandler{alerts: alerts}
}

// ListRules handles GET /v1/alert-rules.
func (h *AlertHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	cursor := r.URL.Query().Get("cursor")

	page, err := h.alerts.ListRules(r.Context(), limit, cursor)
	if err != nil {
		response.InternalError(w, r, "failed to list alert rules")
		return
	}
	response.JSON(w, r, http.StatusOK, page)
}

// GetRule handles GET /v1/alert-rules/{ruleId}.
func (h *AlertHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	rule, err := h.alerts.GetRule(r.Context(), ruleID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, rule)
}

// CreateRule handles POST /v1/alert-rules.
func (h *AlertHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var input models.AlertRuleCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}

	rule, err := h.alerts.CreateRule(r.Context(), &input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	location := fmt.Sprintf("/v1/alert-rules/%s", rule.ID)
	response.Created(w, r, location, rule)
}

// UpdateRule handles PATCH /v1/alert-rules/{ruleId}.
func (h *AlertHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	var input models.AlertRuleUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}

	rule, err := h.alerts.UpdateRule(r.Context(), ruleID, &input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, rule)
}

// DeleteRule handles DELETE /v1/alert-rules/{ruleId}.
func (h *AlertHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	if err := h.alerts.DeleteRule(r.Context(), ruleID); err != nil {
		h.writeError(w, r, err)
		return
	}
	response.NoContent(w, r)
}

// ListAlerts handles GET /v1/alerts.
// Supports filtering by status and rule via query parameters.
func (h *AlertHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	ruleID := r.URL.Query().Get("ruleId")
	limit := queryInt(r, "limit", 0)
	cursor := r.URL.Query().Get("cursor")

	page, err := h.alerts.ListAlerts(r.Context(), status, ruleID, limit, cursor)
	if err != nil {
		response.InternalError(w, r, "failed to list alerts")
		return
	}
	response.JSON(w, r, http.StatusOK, page)
}

// GetAlert handles GET /v1/alerts/{alertId}.
func (h *AlertHandler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertId")

	a, err := h.alerts.GetAlert(r.Context(), alertID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, a)
}

// Acknowledge handles POST /v1/alerts/{alertId}/acknowledge.
// The acknowledging identity is taken from the bearer token.
func (h *AlertHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertId")

	a, err := h.alerts.Acknowledge(r.Context(), alertID, GetSubject(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, a)
}

// Resolve handles POST /v1/alerts/{alertId}/resolve.
func (h *AlertHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertId")

	a, err := h.alerts.Resolve(r.Context(), alertID, GetSubject(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, a)
}

// History handles GET /v1/alerts/{alertId}/history.
func (h *AlertHandler) History(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertId")

	entries, err := h.alerts.History(r.Context(), alertID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, entries)
}

func (h *AlertHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *alert.ValidationError
	switch {
	case errors.As(err, &validationErr):
		response.BadRequest(w, r, "validation failed", validationErr.Errors)
	case errors.Is(err, alert.ErrRuleNotFound):
		response.NotFound(w, r, "alert rule not found")
	case errors.Is(err, alert.ErrAlertNotFound):
		response.NotFound(w, r, "alert not found")
	case errors.Is(err, alert.ErrInvalidAlertState):
		response.Conflict(w, r, "alert is not in a state that allows this operation")
	default:
		response.InternalError(w, r, "alert operation failed")
	}
}
