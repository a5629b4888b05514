package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipepulse/pipepulse/internal/alert"
	"github.com/pipepulse/pipepulse/internal/api"
	"github.com/pipepulse/pipepulse/internal/api/handler"
	"github.com/pipepulse/pipepulse/internal/api/models"
	"github.com/pipepulse/pipepulse/internal/auth"
	"github.com/pipepulse/pipepulse/internal/dashboard"
	"github.com/pipepulse/pipepulse/internal/datasource"
	"github.com/pipepulse/pipepulse/internal/pipeline"
)

// okProber reports every probe as reachable.
type okProber struct{}

func (okProber) Probe(_ context.Context, src *datasource.DataSource) *datasource.CheckResult {
	return &datasource.CheckResult{
		SourceID: src.ID,
		Success:  true,
		Recorded: true,
	}
}

// testJWTService creates a JWT service for generating test tokens.
func testJWTService() *auth.JWTService {
	return auth.NewJWTService(auth.JWTConfig{
		SigningKey: "test-secret-key-for-testing-only",
		Issuer:     "https://api.pipepulse.io",
		Audience:   "pipepulse-api",
	})
}

func newTestRouter() http.Handler {
	logger := zerolog.New(io.Discard)

	sources := datasource.NewService(datasource.NewInMemoryRepository(), okProber{})
	pipelines := pipeline.NewService(pipeline.NewInMemoryRepository())
	alertRepo := alert.NewInMemoryRepository()
	lifecycle := alert.NewLifecycle(alertRepo, nil, logger)
	alerts := alert.NewService(alertRepo, lifecycle)
	dash := dashboard.NewService(sources, pipelines, alerts)

	return api.NewRouter(api.RouterConfig{
		Version:     "test",
		BuildTime:   "2024-01-01T00:00:00Z",
		Logger:      logger,
		AuthService: testJWTService(),
		DataSources: sources,
		Pipelines:   pipelines,
		Alerts:      alerts,
		Dashboard:   dash,
		ReadyChecks: map[string]handler.ReadyCheck{
			"repository": func(context.Context) error { return nil },
		},
	})
}

// addAuthHeader adds a valid Bearer token with the given role.
func addAuthHeader(t *testing.T, req *http.Request, role string) {
	t.Helper()
	token, _, err := testJWTService().GenerateAccessToken("test-operator", role)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
}

func TestRouter_HealthCheck(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/health", http.NoBody)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	var health models.Health
	err := json.Unmarshal(w.Body.Bytes(), &health)
	require.NoError(t, err)

	assert.Equal(t, models.HealthStatusOK, health.Status)
	assert.NotEmpty(t, health.Time)
}

func TestRouter_ReadinessCheck(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/ready", http.NoBody)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var health models.Health
	err := json.Unmarshal(w.Body.Bytes(), &health)
	require.NoError(t, err)

	assert.Equal(t, models.HealthStatusOK, health.Status)
}

func TestRouter_SystemStatus(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/status", http.NoBody)
	addAuthHeader(t, req, auth.RoleViewer)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var status models.SystemStatus
	err := json.Unmarshal(w.Body.Bytes(), &status)
	require.NoError(t, err)

	assert.Equal(t, models.HealthStatusOK, status.Status)
	assert.NotEmpty(t, status.Subsystems)
}

func TestRouter_SystemStatus_RequiresAuth(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/status", http.NoBody)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_DataSourceCRUD(t *testing.T) {
	router := newTestRouter()

	// Create
	input := models.DataSourceCreateRequest{
		Name:       "events-lake",
		SourceType: "postgresql",
		Host:       "db.internal",
		Database:   "events",
		User:       "monitor",
		SecretRef:  "env://EVENTS_LAKE_PASSWORD",
	}
	body, _ := json.Marshal(input)

	req := httptest.NewRequest(http.MethodPost, "/v1/datasources", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	addAuthHeader(t, req, auth.RoleAdmin)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, w.Header().Get("Location"))

	var src models.DataSource
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &src))
	assert.Equal(t, "events-lake", src.Name)
	assert.NotEmpty(t, src.ID)

	// Get
	req = httptest.NewRequest(http.MethodGet, "/v1/datasources/"+src.ID, http.NoBody)
	addAuthHeader(t, req, auth.RoleViewer)
	w = httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	// List
	req = httptest.NewRequest(http.MethodGet, "/v1/datasources", http.NoBody)
	addAuthHeader(t, req, auth.RoleViewer)
	w = httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var page models.PagedDataSources
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Items, 1)

	// Delete
	req = httptest.NewRequest(http.MethodDelete, "/v1/datasources/"+src.ID, http.NoBody)
	addAuthHeader(t, req, auth.RoleAdmin)
	w = httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRouter_DataSourceCreate_RequiresAdmin(t *testing.T) {
	router := newTestRouter()

	input := models.DataSourceCreateRequest{Name: "events-lake", SourceType: "postgresql", Host: "db"}
	body, _ := json.Marshal(input)

	req := httptest.NewRequest(http.MethodPost, "/v1/datasources", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	addAuthHeader(t, req, auth.RoleOperator)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRouter_DataSourceCreate_ValidationError(t *testing.T) {
	router := newTestRouter()

	// Missing name and source type
	body, _ := json.Marshal(models.DataSourceCreateRequest{})

	req := httptest.NewRequest(http.MethodPost, "/v1/datasources", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	addAuthHeader(t, req, auth.RoleAdmin)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	var problem models.Problem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, models.ProblemTypeValidation, problem.Type)
	assert.NotEmpty(t, problem.Errors)
	assert.NotEmpty(t, problem.TraceID)
}

func TestRouter_PipelineTriggerAndRuns(t *testing.T) {
	router := newTestRouter()

	body, _ := json.Marshal(models.PipelineCreateRequest{Name: "nightly-orders-etl"})

	req := httptest.NewRequest(http.MethodPost, "/v1/pipelines", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	addAuthHeader(t, req, auth.RoleAdmin)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var p models.Pipeline
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))

	// Trigger as operator
	req = httptest.NewRequest(http.MethodPost, "/v1/pipelines/"+p.ID+"/trigger", http.NoBody)
	addAuthHeader(t, req, auth.RoleOperator)
	w = httptest.NewRecorder()

	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEmpty(t, w.Header().Get("Location"))

	var run models.PipelineRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.True(t, run.Manual)

	// Runs listing contains the triggered run
	req = httptest.NewRequest(http.MethodGet, "/v1/pipelines/"+p.ID+"/runs", http.NoBody)
	addAuthHeader(t, req, auth.RoleViewer)
	w = httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var runs models.PagedPipelineRuns
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	assert.Len(t, runs.Items, 1)
}

func TestRouter_PipelineTrigger_ViewerForbidden(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest(http.MethodPost, "/v1/pipelines/pip_x/trigger", http.NoBody)
	addAuthHeader(t, req, auth.RoleViewer)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRouter_AlertRuleCRUD(t *testing.T) {
	router := newTestRouter()

	input := models.AlertRuleCreateRequest{
		Name:          "orders latency",
		ConditionType: "threshold",
		Metric:        "latency",
		Comparator:    ">",
		Threshold:     2500,
		Severity:      "high",
	}
	body, _ := json.Marshal(input)

	req := httptest.NewRequest(http.MethodPost, "/v1/alert-rules", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	addAuthHeader(t, req, auth.RoleAdmin)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var rule models.AlertRule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rule))
	assert.Equal(t, "orders latency", rule.Name)

	// Patch severity
	patch, _ := json.Marshal(map[string]string{"severity": "critical"})
	req = httptest.NewRequest(http.MethodPatch, "/v1/alert-rules/"+rule.ID, bytes.NewReader(patch))
	req.Header.Set("Content-Type", "application/json")
	addAuthHeader(t, req, auth.RoleAdmin)
	w = httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rule))
	assert.Equal(t, "critical", rule.Severity)
}

func TestRouter_AlertNotFound(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/v1/alerts/alr_missing", http.NoBody)
	addAuthHeader(t, req, auth.RoleViewer)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

func TestRouter_DashboardSummary(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/v1/dashboard/summary", http.NoBody)
	addAuthHeader(t, req, auth.RoleViewer)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var summary models.DashboardSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.NotNil(t, summary.RecentActivity)
}

func TestRouter_RequestID_Generated(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/health", http.NoBody)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	requestID := w.Header().Get("X-Request-Id")
	assert.NotEmpty(t, requestID)
	assert.Contains(t, requestID, "req_")
}

func TestRouter_RequestID_Preserved(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/health", http.NoBody)
	req.Header.Set("X-Request-Id", "custom_request_id")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, "custom_request_id", w.Header().Get("X-Request-Id"))
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/v1/nonexistent", http.NoBody)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
