package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pipepulse/pipepulse/internal/api/models"
	"github.com/pipepulse/pipepulse/internal/api/response"
	"github.com/pipepulse/pipepulse/internal/datasource"
)

// defaultResultsWindowMinutes bounds the check-result listing when the
// client does not ask for a specific window.
const defaultResultsWindowMinutes = 24 * 60

// DataSourceHandler handles data source endpoints.
type DataSourceHandler struct {
	sources *datasource.Service
}

// NewDataSourceHandler creates a new DataSourceHandler.
func NewDataSourceHandler(sources *datasource.Service) *DataSourceHandler {
	return &DataSourceHandler{sources: sources}
}

// List handles GET /v1/datasources.
func (h *DataSourceHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	cursor := r.URL.Query().Get("cursor")

	page, err := h.sources.List(r.Context(), limit, cursor)
	if err != nil {
		response.InternalError(w, r, "failed to list data sources")
		return
	}
	response.JSON(w, r, http.StatusOK, page)
}

// Get handles GET /v1/datasources/{sourceId}.
func (h *DataSourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceId")

	src, err := h.sources.Get(r.Context(), sourceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, src)
}

// Create handles POST /v1/datasources.
func (h *DataSourceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input models.DataSourceCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}

	src, err := h.sources.Create(r.Context(), &input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	location := fmt.Sprintf("/v1/datasources/%s", src.ID)
	response.Created(w, r, location, src)
}

// Update handles PATCH /v1/datasources/{sourceId}.
func (h *DataSourceHandler) Update(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceId")

	var input models.DataSourceUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}

	src, err := h.sources.Update(r.Context(), sourceID, &input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, src)
}

// Delete handles DELETE /v1/datasources/{sourceId}.
func (h *DataSourceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceId")

	if err := h.sources.Delete(r.Context(), sourceID); err != nil {
		h.writeError(w, r, err)
		return
	}
	response.NoContent(w, r)
}

// TestConnection handles POST /v1/datasources/{sourceId}/test.
func (h *DataSourceHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceId")

	var input models.TestConnectionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			response.BadRequest(w, r, "invalid JSON body", nil)
			return
		}
	}

	result, err := h.sources.TestConnection(r.Context(), sourceID, input.Record)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, result)
}

// ListResults handles GET /v1/datasources/{sourceId}/results.
func (h *DataSourceHandler) ListResults(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceId")

	windowMinutes := queryInt(r, "windowMinutes", defaultResultsWindowMinutes)
	if windowMinutes <= 0 {
		response.BadRequest(w, r, "windowMinutes must be positive", []models.FieldError{
			{Field: "windowMinutes", Message: "must be greater than zero"},
		})
		return
	}

	page, err := h.sources.RecentResults(r.Context(), sourceID, time.Duration(windowMinutes)*time.Minute)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, page)
}

func (h *DataSourceHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *datasource.ValidationError
	switch {
	case errors.As(err, &validationErr):
		response.BadRequest(w, r, "validation failed", validationErr.Errors)
	case errors.Is(err, datasource.ErrSourceNotFound):
		response.NotFound(w, r, "data source not found")
	default:
		response.InternalError(w, r, "data source operation failed")
	}
}
