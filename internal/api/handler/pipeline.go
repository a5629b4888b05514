package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pipepulse/pipepulse/internal/api/models"
	"github.com/pipepulse/pipepulse/internal/api/response"
	"github.com/pipepulse/pipepulse/internal/pipeline"
)

// defaultRunsLimit bounds the run listing when no limit is supplied.
const defaultRunsLimit = 50

// PipelineHandler handles pipeline endpoints.
type PipelineHandler struct {
	pipelines *pipeline.Service
}

// NewPipelineHandler creates a new PipelineHandler.
func NewPipelineHandler(pipelines *pipeline.Service) *PipelineHandler {
	return &PipelineHandler{pipelines: pipelines}
}

// List handles GET /v1/pipelines.
func (h *PipelineHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	cursor := r.URL.Query().Get("cursor")

	page, err := h.pipelines.List(r.Context(), limit, cursor)
	if err != nil {
		response.InternalError(w, r, "failed to list pipelines")
		return
	}
	response.JSON(w, r, http.StatusOK, page)
}

// Get handles GET /v1/pipelines/{pipelineId}.
func (h *PipelineHandler) Get(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipelineId")

	p, err := h.pipelines.Get(r.Context(), pipelineID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, p)
}

// Create handles POST /v1/pipelines.
func (h *PipelineHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input models.PipelineCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}

	p, err := h.pipelines.Create(r.Context(), &input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	location := fmt.Sprintf("/v1/pipelines/%s", p.ID)
	response.Created(w, r, location, p)
}

// Update handles PATCH /v1/pipelines/{pipelineId}.
func (h *PipelineHandler) Update(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipelineId")

	var input models.PipelineUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}

	p, err := h.pipelines.Update(r.Context(), pipelineID, &input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, p)
}

// Delete handles DELETE /v1/pipelines/{pipelineId}.
func (h *PipelineHandler) Delete(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipelineId")

	if err := h.pipelines.Delete(r.Context(), pipelineID); err != nil {
		h.writeError(w, r, err)
		return
	}
	response.NoContent(w, r)
}

// Trigger handles POST /v1/pipelines/{pipelineId}/trigger.
// Runs started here are marked manual and skip the schedule.
func (h *PipelineHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipelineId")

	run, err := h.pipelines.Trigger(r.Context(), pipelineID, true)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	location := fmt.Sprintf("/v1/pipelines/%s/runs/%s", pipelineID, run.ID)
	response.Accepted(w, r, location, run)
}

// ListRuns handles GET /v1/pipelines/{pipelineId}/runs.
func (h *PipelineHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipelineId")
	limit := queryInt(r, "limit", defaultRunsLimit)

	page, err := h.pipelines.ListRuns(r.Context(), pipelineID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, page)
}

// ListHealingAttempts handles GET /v1/pipelines/{pipelineId}/runs/{runId}/healing-attempts.
func (h *PipelineHandler) ListHealingAttempts(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	attempts, err := h.pipelines.HealingAttempts(r.Context(), runID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, attempts)
}

func (h *PipelineHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *pipeline.ValidationError
	switch {
	case errors.As(err, &validationErr):
		response.BadRequest(w, r, "validation failed", validationErr.Errors)
	case errors.Is(err, pipeline.ErrPipelineNotFound):
		response.NotFound(w, r, "pipeline not found")
	case errors.Is(err, pipeline.ErrRunNotFound):
		response.NotFound(w, r, "pipeline run not found")
	case errors.Is(err, pipeline.ErrInvalidRunState):
		response.Conflict(w, r, "pipeline run is not in a state that allows this operation")
	default:
		response.InternalError(w, r, "pipeline operation failed")
	}
}
