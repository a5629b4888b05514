package dashboard

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipepulse/pipepulse/internal/alert"
	"github.com/pipepulse/pipepulse/internal/api/models"
	"github.com/pipepulse/pipepulse/internal/datasource"
	"github.com/pipepulse/pipepulse/internal/pipeline"
)

type stubProber struct{}

func (stubProber) Probe(ctx context.Context, src *datasource.DataSource) *datasource.CheckResult {
	return &datasource.CheckResult{SourceID: src.ID, CheckedAt: time.Now(), Success: true}
}

func setup(t *testing.T) (*Service, *datasource.Service, *pipeline.Service, *alert.Service, *alert.Lifecycle) {
	t.Helper()

	sources := datasource.NewService(datasource.NewInMemoryRepository(), stubProber{})
	pipelines := pipeline.NewService(pipeline.NewInMemoryRepository())
	alertRepo := alert.NewInMemoryRepository()
	lifecycle := alert.NewLifecycle(alertRepo, nil, zerolog.Nop())
	alerts := alert.NewService(alertRepo, lifecycle)

	return NewService(sources, pipelines, alerts), sources, pipelines, alerts, lifecycle
}

func TestSummary_Empty(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _, _ := setup(t)

	summary, err := svc.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if summary.DataSources.Total != 0 || summary.Pipelines.Total != 0 {
		t.Errorf("expected empty counts, got %+v", summary)
	}
	if summary.AverageUptime != 0 {
		t.Errorf("AverageUptime = %v, want 0", summary.AverageUptime)
	}
	if len(summary.RecentActivity) != 0 {
		t.Errorf("RecentActivity = %v, want empty", summary.RecentActivity)
	}
}

func TestSummary_CountsAndUptime(t *testing.T) {
	ctx := context.Background()
	svc, sources, pipelines, alerts, lifecycle := setup(t)

	for _, name := range []string{"warehouse", "events-lake"} {
		if _, err := sources.Create(ctx, &models.DataSourceCreateRequest{
			Name: name, SourceType: "custom",
		}); err != nil {
			t.Fatalf("create source: %v", err)
		}
	}

	var pipeIDs []string
	for _, name := range []string{"orders-etl", "users-etl"} {
		created, err := pipelines.Create(ctx, &models.PipelineCreateRequest{Name: name})
		if err != nil {
			t.Fatalf("create pipeline: %v", err)
		}
		pipeIDs = append(pipeIDs, created.ID)
	}

	// One pipeline runs clean, the other fails its only run.
	completeRun := func(pipeID string, success bool) {
		run, err := pipelines.Trigger(ctx, pipeID, false)
		if err != nil {
			t.Fatalf("trigger: %v", err)
		}
		if _, err := pipelines.StartRun(ctx, run.ID); err != nil {
			t.Fatalf("start: %v", err)
		}
		if _, err := pipelines.CompleteRun(ctx, run.ID, success, 100, ""); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	completeRun(pipeIDs[0], true)
	completeRun(pipeIDs[1], false)

	rule, err := alerts.CreateRule(ctx, &models.AlertRuleCreateRequest{
		Name:          "etl-fails",
		ConditionType: "pipeline_failures",
		FailureCount:  1,
		Severity:      "critical",
		PipelineID:    pipeIDs[1],
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	domainRule, err := alerts.Rule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("fetch rule: %v", err)
	}
	if _, err := lifecycle.Apply(ctx, domainRule, alert.ShouldTrigger, "1 consecutive failed runs"); err != nil {
		t.Fatalf("apply trigger: %v", err)
	}

	summary, err := svc.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}

	if summary.DataSources.Total != 2 {
		t.Errorf("DataSources.Total = %d, want 2", summary.DataSources.Total)
	}
	if summary.DataSources.ByStatus["unknown"] != 2 {
		t.Errorf("ByStatus[unknown] = %d, want 2", summary.DataSources.ByStatus["unknown"])
	}
	if summary.Pipelines.Total != 2 {
		t.Errorf("Pipelines.Total = %d, want 2", summary.Pipelines.Total)
	}
	// One pipeline at 100%, one at 0%.
	if summary.AverageUptime != 50 {
		t.Errorf("AverageUptime = %v, want 50", summary.AverageUptime)
	}
	if summary.Alerts.Open != 1 {
		t.Errorf("Alerts.Open = %d, want 1", summary.Alerts.Open)
	}
	if summary.Alerts.BySeverity["critical"] != 1 {
		t.Errorf("BySeverity[critical] = %d, want 1", summary.Alerts.BySeverity["critical"])
	}

	if len(summary.RecentActivity) == 0 {
		t.Fatal("expected recent activity entries")
	}
	kinds := make(map[string]bool)
	for _, entry := range summary.RecentActivity {
		kinds[entry.Kind] = true
	}
	if !kinds["alert_triggered"] || !kinds["pipeline_run"] {
		t.Errorf("activity kinds = %v, want alert_triggered and pipeline_run", kinds)
	}
}

func TestSummary_AcknowledgedStillOpen(t *testing.T) {
	ctx := context.Background()
	svc, _, pipelines, alerts, lifecycle := setup(t)

	created, err := pipelines.Create(ctx, &models.PipelineCreateRequest{Name: "orders-etl"})
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	rule, err := alerts.CreateRule(ctx, &models.AlertRuleCreateRequest{
		Name:          "etl-fails",
		ConditionType: "pipeline_failures",
		FailureCount:  1,
		Severity:      "high",
		PipelineID:    created.ID,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	domainRule, err := alerts.Rule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("fetch rule: %v", err)
	}
	triggered, err := lifecycle.Apply(ctx, domainRule, alert.ShouldTrigger, "failure streak")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := lifecycle.Acknowledge(ctx, triggered.ID, "oncall"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	summary, err := svc.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if summary.Alerts.Open != 1 || summary.Alerts.Acknowledged != 1 {
		t.Errorf("Alerts = %+v, want open 1 acknowledged 1", summary.Alerts)
	}
}
