package handler

import (
	"net/http"

	"github.com/pipepulse/pipepulse/internal/api/response"
	"github.com/pipepulse/pipepulse/internal/dashboard"
)

// DashboardHandler handles the dashboard summary endpoint.
type DashboardHandler struct {
	dashboard *dashboard.Service
}

// NewDashboardHandler creates a new DashboardHandler.
func NewDashboardHandler(svc *dashboard.Service) *DashboardHandler {
	return &DashboardHandler{dashboard: svc}
}

// Summary handles GET /v1/dashboard/summary.
func (h *DashboardHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.dashboard.Summary(r.Context())
	if err != nil {
		response.InternalError(w, r, "failed to build dashboard summary")
		return
	}
	response.JSON(w, r, http.StatusOK, summary)
}
