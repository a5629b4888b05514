package datasource_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pipepulse/pipepulse/internal/api/models"
	"github.com/pipepulse/pipepulse/internal/datasource"
)

// fakeProber returns a canned result for every probe.
type fakeProber struct {
	result datasource.CheckResult
	calls  int
}

func (p *fakeProber) Probe(_ context.Context, src *datasource.DataSource) *datasource.CheckResult {
	p.calls++
	r := p.result
	r.SourceID = src.ID
	if r.CheckedAt.IsZero() {
		r.CheckedAt = time.Now()
	}
	return &r
}

func newTestService(prober datasource.Prober) (*datasource.Service, *datasource.InMemoryRepository) {
	repo := datasource.NewInMemoryRepository()
	return datasource.NewService(repo, prober), repo
}

func validCreateRequest() *models.DataSourceCreateRequest {
	return &models.DataSourceCreateRequest{
		Name:       "orders-db",
		SourceType: "postgresql",
		Host:       "db.internal",
		Port:       5432,
		Database:   "orders",
		User:       "monitor",
		SecretRef:  "secrets/orders-db",
	}
}

func TestService_Create(t *testing.T) {
	service, _ := newTestService(nil)
	ctx := context.Background()

	result, err := service.Create(ctx, validCreateRequest())
	if err != nil {
		t.Fatalf("failed to create data source: %v", err)
	}

	if result.ID == "" {
		t.Error("expected data source ID to be set")
	}
	if !strings.HasPrefix(result.ID, "src_") {
		t.Errorf("expected data source ID to start with 'src_', got %q", result.ID)
	}
	if result.Status != string(datasource.StatusUnknown) {
		t.Errorf("expected new source status %q, got %q", datasource.StatusUnknown, result.Status)
	}
	if !result.Enabled {
		t.Error("expected source to default to enabled")
	}
	if result.CheckIntervalSeconds != 300 {
		t.Errorf("expected default check interval 300s, got %d", result.CheckIntervalSeconds)
	}
	if result.ProbeTimeoutSeconds != 30 {
		t.Errorf("expected default probe timeout 30s, got %d", result.ProbeTimeoutSeconds)
	}
}

func TestService_Create_ValidationErrors(t *testing.T) {
	service, _ := newTestService(nil)
	ctx := context.Background()

	tests := []struct {
		name      string
		mutate    func(*models.DataSourceCreateRequest)
		wantField string
	}{
		{
			name:      "empty name",
			mutate:    func(r *models.DataSourceCreateRequest) { r.Name = "" },
			wantField: "name",
		},
		{
			name:      "name too long",
			mutate:    func(r *models.DataSourceCreateRequest) { r.Name = strings.Repeat("a", 121) },
			wantField: "name",
		},
		{
			name:      "unknown source type",
			mutate:    func(r *models.DataSourceCreateRequest) { r.SourceType = "oracle" },
			wantField: "sourceType",
		},
		{
			name:      "database source without host",
			mutate:    func(r *models.DataSourceCreateRequest) { r.Host = "" },
			wantField: "host",
		},
		{
			name:      "database source without database",
			mutate:    func(r *models.DataSourceCreateRequest) { r.Database = "" },
			wantField: "database",
		},
		{
			name: "api source without base url",
			mutate: func(r *models.DataSourceCreateRequest) {
				r.SourceType = "api"
				r.BaseURL = ""
			},
			wantField: "baseUrl",
		},
		{
			name: "api source with bad base url",
			mutate: func(r *models.DataSourceCreateRequest) {
				r.SourceType = "api"
				r.BaseURL = "ftp://example.com"
			},
			wantField: "baseUrl",
		},
		{
			name:      "check interval too short",
			mutate:    func(r *models.DataSourceCreateRequest) { r.CheckIntervalSeconds = 10 },
			wantField: "checkIntervalSeconds",
		},
		{
			name:      "probe timeout too long",
			mutate:    func(r *models.DataSourceCreateRequest) { r.ProbeTimeoutSeconds = 301 },
			wantField: "probeTimeoutSeconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := validCreateRequest()
			tt.mutate(input)

			_, err := service.Create(ctx, input)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}

			var validationErr *datasource.ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected ValidationError, got %T", err)
			}

			found := false
			for _, fieldErr := range validationErr.Errors {
				if fieldErr.Field == tt.wantField {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("expected error on field %q, got %+v", tt.wantField, validationErr.Errors)
			}
		})
	}
}

func TestService_Update(t *testing.T) {
	service, _ := newTestService(nil)
	ctx := context.Background()

	created, err := service.Create(ctx, validCreateRequest())
	if err != nil {
		t.Fatalf("failed to create data source: %v", err)
	}

	newName := "orders-db-replica"
	disabled := false
	interval := 120
	updated, err := service.Update(ctx, created.ID, &models.DataSourceUpdateRequest{
		Name:                 &newName,
		Enabled:              &disabled,
		CheckIntervalSeconds: &interval,
	})
	if err != nil {
		t.Fatalf("failed to update data source: %v", err)
	}

	if updated.Name != newName {
		t.Errorf("expected name %q, got %q", newName, updated.Name)
	}
	if updated.Enabled {
		t.Error("expected source to be disabled")
	}
	if updated.CheckIntervalSeconds != 120 {
		t.Errorf("expected check interval 120s, got %d", updated.CheckIntervalSeconds)
	}
	if updated.SourceType != created.SourceType {
		t.Error("expected source type to be immutable")
	}
}

func TestService_Update_NotFound(t *testing.T) {
	service, _ := newTestService(nil)

	name := "anything"
	_, err := service.Update(context.Background(), "src_missing", &models.DataSourceUpdateRequest{Name: &name})
	if !errors.Is(err, datasource.ErrSourceNotFound) {
		t.Errorf("expected ErrSourceNotFound, got %v", err)
	}
}

func TestService_Delete(t *testing.T) {
	service, _ := newTestService(nil)
	ctx := context.Background()

	created, err := service.Create(ctx, validCreateRequest())
	if err != nil {
		t.Fatalf("failed to create data source: %v", err)
	}

	if err := service.Delete(ctx, created.ID); err != nil {
		t.Fatalf("failed to delete data source: %v", err)
	}

	_, err = service.Get(ctx, created.ID)
	if !errors.Is(err, datasource.ErrSourceNotFound) {
		t.Errorf("expected ErrSourceNotFound after delete, got %v", err)
	}
}

func TestService_List_Pagination(t *testing.T) {
	service, _ := newTestService(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		input := validCreateRequest()
		input.Name = "source-" + string(rune('a'+i))
		if _, err := service.Create(ctx, input); err != nil {
			t.Fatalf("failed to create data source: %v", err)
		}
	}

	page, err := service.List(ctx, 2, "")
	if err != nil {
		t.Fatalf("failed to list data sources: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}
	if page.Meta.NextCursor == nil {
		t.Fatal("expected next cursor to be set")
	}

	rest, err := service.List(ctx, 2, *page.Meta.NextCursor)
	if err != nil {
		t.Fatalf("failed to list second page: %v", err)
	}
	if len(rest.Items) != 1 {
		t.Errorf("expected 1 item on second page, got %d", len(rest.Items))
	}
	if rest.Meta.NextCursor != nil {
		t.Error("expected no cursor on final page")
	}
}

func TestService_TestConnection(t *testing.T) {
	prober := &fakeProber{result: datasource.CheckResult{
		Success:      true,
		Latency:      45 * time.Millisecond,
		FreshnessAge: 2 * time.Hour,
	}}
	service, repo := newTestService(prober)
	ctx := context.Background()

	created, err := service.Create(ctx, validCreateRequest())
	if err != nil {
		t.Fatalf("failed to create data source: %v", err)
	}

	// Unrecorded test: result returned but kept out of the alerting window.
	result, err := service.TestConnection(ctx, created.ID, false)
	if err != nil {
		t.Fatalf("failed to test connection: %v", err)
	}
	if !result.Success {
		t.Error("expected probe to succeed")
	}
	if result.Recorded {
		t.Error("expected unrecorded result")
	}
	if prober.calls != 1 {
		t.Errorf("expected 1 probe, got %d", prober.calls)
	}

	window, err := repo.RecentResults(ctx, created.ID, time.Hour)
	if err != nil {
		t.Fatalf("failed to fetch recent results: %v", err)
	}
	if len(window) != 0 {
		t.Errorf("expected unrecorded probe to stay out of the window, got %d results", len(window))
	}

	// Recorded test joins the window and refreshes the derived status.
	if _, err := service.TestConnection(ctx, created.ID, true); err != nil {
		t.Fatalf("failed to test connection: %v", err)
	}
	window, err = repo.RecentResults(ctx, created.ID, time.Hour)
	if err != nil {
		t.Fatalf("failed to fetch recent results: %v", err)
	}
	if len(window) != 1 {
		t.Errorf("expected 1 recorded result, got %d", len(window))
	}

	src, err := service.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("failed to get data source: %v", err)
	}
	if src.Status != string(datasource.StatusConnected) {
		t.Errorf("expected status %q, got %q", datasource.StatusConnected, src.Status)
	}
	if src.LastCheckAt == nil {
		t.Error("expected lastCheckAt to be set")
	}
}

func TestService_ApplyCheckOutcome_Failure(t *testing.T) {
	prober := &fakeProber{result: datasource.CheckResult{
		Success: false,
		Error:   "connection refused",
	}}
	service, _ := newTestService(prober)
	ctx := context.Background()

	created, err := service.Create(ctx, validCreateRequest())
	if err != nil {
		t.Fatalf("failed to create data source: %v", err)
	}

	if _, err := service.TestConnection(ctx, created.ID, true); err != nil {
		t.Fatalf("failed to test connection: %v", err)
	}

	src, err := service.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("failed to get data source: %v", err)
	}
	if src.Status != string(datasource.StatusDisconnected) {
		t.Errorf("expected status %q, got %q", datasource.StatusDisconnected, src.Status)
	}
}
