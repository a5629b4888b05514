package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipepulse/pipepulse/internal/alert"
	"github.com/pipepulse/pipepulse/internal/api/models"
	"github.com/pipepulse/pipepulse/internal/datasource"
	"github.com/pipepulse/pipepulse/internal/heal"
	"github.com/pipepulse/pipepulse/internal/pipeline"
	"github.com/pipepulse/pipepulse/internal/scheduler"
)

type stubProber struct{}

func (stubProber) Probe(ctx context.Context, src *datasource.DataSource) *datasource.CheckResult {
	return &datasource.CheckResult{
		SourceID:  src.ID,
		CheckedAt: time.Now(),
		Success:   true,
	}
}

type failingHeal struct{}

func (failingHeal) Heal(ctx context.Context, p *pipeline.Pipeline, run *pipeline.Run, attempt int) error {
	return errors.New("heal script exited 1")
}

type testHarness struct {
	engine    *Engine
	clock     *scheduler.FakeClock
	sources   *datasource.Service
	pipelines *pipeline.Service
	alerts    *alert.Service
	lifecycle *alert.Lifecycle
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	clock := scheduler.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	srcRepo := datasource.NewInMemoryRepository()
	srcRepo.SetClock(clock.Now)
	sources := datasource.NewService(srcRepo, stubProber{})
	sources.SetClock(clock.Now)

	pipeRepo := pipeline.NewInMemoryRepository()
	pipeRepo.SetClock(clock.Now)
	pipelines := pipeline.NewService(pipeRepo)
	pipelines.SetClock(clock.Now)

	alertRepo := alert.NewInMemoryRepository()
	lifecycle := alert.NewLifecycle(alertRepo, nil, zerolog.Nop())
	lifecycle.SetClock(clock.Now)
	alerts := alert.NewService(alertRepo, lifecycle)
	alerts.SetClock(clock.Now)

	healer := heal.New(pipelines, failingHeal{}, clock, zerolog.Nop())

	eng, err := New(Config{}, Params{
		Sources:   sources,
		Pipelines: pipelines,
		Alerts:    alerts,
		Lifecycle: lifecycle,
		Healer:    healer,
		Clock:     clock,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	return &testHarness{
		engine:    eng,
		clock:     clock,
		sources:   sources,
		pipelines: pipelines,
		alerts:    alerts,
		lifecycle: lifecycle,
	}
}

func (h *testHarness) createSource(t *testing.T) *datasource.DataSource {
	t.Helper()
	created, err := h.sources.Create(context.Background(), &models.DataSourceCreateRequest{
		Name:       "events-lake",
		SourceType: "custom",
	})
	require.NoError(t, err)
	src, err := h.sources.Source(context.Background(), created.ID)
	require.NoError(t, err)
	return src
}

func (h *testHarness) recordCheck(t *testing.T, src *datasource.DataSource, latency time.Duration) {
	t.Helper()
	err := h.sources.ApplyCheckOutcome(context.Background(), src, &datasource.CheckResult{
		SourceID:  src.ID,
		CheckedAt: h.clock.Now(),
		Success:   true,
		Latency:   latency,
		Recorded:  true,
	})
	require.NoError(t, err)
}

func (h *testHarness) openAlerts(t *testing.T, ruleID string) []models.Alert {
	t.Helper()
	paged, err := h.alerts.ListAlerts(context.Background(), "active", ruleID, 50, "")
	require.NoError(t, err)
	return paged.Items
}

// A latency series crossing the threshold once should produce exactly one
// alert while above it and exactly one resolution when it drops back.
func TestEngine_ThresholdSeriesTriggersOnceAndClears(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	src := h.createSource(t)

	rule, err := h.alerts.CreateRule(ctx, &models.AlertRuleCreateRequest{
		Name:          "slow-source",
		ConditionType: "threshold",
		Metric:        "latency_ms",
		Comparator:    ">",
		Threshold:     25,
		Severity:      "high",
		DataSourceID:  src.ID,
	})
	require.NoError(t, err)

	steps := []struct {
		latency   time.Duration
		wantOpen  int
		wantCount int
	}{
		{10 * time.Millisecond, 0, 0},
		{12 * time.Millisecond, 0, 0},
		{30 * time.Millisecond, 1, 1},
		{31 * time.Millisecond, 1, 2},
		{5 * time.Millisecond, 0, 2},
	}
	for _, step := range steps {
		h.clock.Advance(time.Minute)
		h.recordCheck(t, src, step.latency)
		require.NoError(t, h.engine.EvaluateRule(ctx, rule.ID))

		open := h.openAlerts(t, rule.ID)
		assert.Len(t, open, step.wantOpen, "latency %s", step.latency)

		got, err := h.alerts.Rule(ctx, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, step.wantCount, got.TriggerCount, "latency %s", step.latency)
	}

	resolved, err := h.alerts.ListAlerts(ctx, "resolved", rule.ID, 50, "")
	require.NoError(t, err)
	assert.Len(t, resolved.Items, 1)
}

// Re-evaluating an unchanged breach must not create a second alert.
func TestEngine_ReevaluationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	src := h.createSource(t)

	rule, err := h.alerts.CreateRule(ctx, &models.AlertRuleCreateRequest{
		Name:          "slow-source",
		ConditionType: "threshold",
		Metric:        "latency_ms",
		Comparator:    ">",
		Threshold:     25,
		Severity:      "medium",
		DataSourceID:  src.ID,
	})
	require.NoError(t, err)

	h.recordCheck(t, src, 40*time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.engine.EvaluateRule(ctx, rule.ID))
	}
	assert.Len(t, h.openAlerts(t, rule.ID), 1)
}

func TestEngine_MissingDataTriggersAndClears(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	src := h.createSource(t)

	rule, err := h.alerts.CreateRule(ctx, &models.AlertRuleCreateRequest{
		Name:            "silent-source",
		ConditionType:   "missing_data",
		LookbackMinutes: 360,
		Severity:        "high",
		DataSourceID:    src.ID,
	})
	require.NoError(t, err)

	// Nothing has ever been recorded for the source.
	require.NoError(t, h.engine.EvaluateRule(ctx, rule.ID))
	require.Len(t, h.openAlerts(t, rule.ID), 1)

	// Fresh data clears it.
	h.clock.Advance(time.Minute)
	h.recordCheck(t, src, 10*time.Millisecond)
	require.NoError(t, h.engine.EvaluateRule(ctx, rule.ID))
	assert.Empty(t, h.openAlerts(t, rule.ID))

	// Silence for longer than the lookback re-triggers.
	h.clock.Advance(7 * time.Hour)
	require.NoError(t, h.engine.EvaluateRule(ctx, rule.ID))
	assert.Len(t, h.openAlerts(t, rule.ID), 1)
}

// A failed run exhausts the healer's budget and raises the pipeline-failure
// alert exactly once.
func TestEngine_RunFailureHealsThenAlerts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	created, err := h.pipelines.Create(ctx, &models.PipelineCreateRequest{
		Name:            "nightly-orders-etl",
		RetryAttempts:   2,
		AutoHealEnabled: true,
		HealScript:      "dagctl restart nightly-orders-etl",
	})
	require.NoError(t, err)
	zero := 0
	_, err = h.pipelines.Update(ctx, created.ID, &models.PipelineUpdateRequest{RetryDelayMinutes: &zero})
	require.NoError(t, err)

	rule, err := h.alerts.CreateRule(ctx, &models.AlertRuleCreateRequest{
		Name:          "etl-fails",
		ConditionType: "pipeline_failures",
		FailureCount:  1,
		Severity:      "critical",
		PipelineID:    created.ID,
	})
	require.NoError(t, err)

	run, err := h.pipelines.Trigger(ctx, created.ID, false)
	require.NoError(t, err)
	require.NoError(t, h.engine.HandleRunStarted(ctx, run.ID))
	require.NoError(t, h.engine.HandleRunCompleted(ctx, run.ID, false, 0, "upstream table missing"))

	// The failure alert fires on the completion path.
	require.Len(t, h.openAlerts(t, rule.ID), 1)

	// The healing sequence runs in the background and exhausts its budget.
	require.Eventually(t, func() bool {
		attempts, err := h.pipelines.HealingAttempts(ctx, run.ID)
		return err == nil && len(attempts) == 2
	}, 5*time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		p, err := h.pipelines.Pipeline(ctx, created.ID)
		return err == nil && p.Status == pipeline.StatusError
	}, 5*time.Second, time.Millisecond)

	// Still exactly one open alert after exhaustion re-evaluates.
	assert.Len(t, h.openAlerts(t, rule.ID), 1)
	got, err := h.alerts.Rule(ctx, rule.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.TriggerCount, 1)
}

func TestEngine_CheckSourceDropsDeletedAndDisabled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	err := h.engine.CheckSource(ctx, "src_missing")
	assert.ErrorIs(t, err, scheduler.ErrStop)

	src := h.createSource(t)
	disabled := false
	_, err = h.sources.Update(ctx, src.ID, &models.DataSourceUpdateRequest{Enabled: &disabled})
	require.NoError(t, err)

	err = h.engine.CheckSource(ctx, src.ID)
	assert.ErrorIs(t, err, scheduler.ErrStop)
}

func TestEngine_EvaluateRuleDropsDeletedAndDisabled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	err := h.engine.EvaluateRule(ctx, "rul_missing")
	assert.ErrorIs(t, err, scheduler.ErrStop)

	src := h.createSource(t)
	rule, err := h.alerts.CreateRule(ctx, &models.AlertRuleCreateRequest{
		Name:          "slow-source",
		ConditionType: "threshold",
		Metric:        "latency_ms",
		Comparator:    ">",
		Threshold:     25,
		Severity:      "low",
		DataSourceID:  src.ID,
	})
	require.NoError(t, err)

	off := false
	_, err = h.alerts.UpdateRule(ctx, rule.ID, &models.AlertRuleUpdateRequest{Enabled: &off})
	require.NoError(t, err)

	err = h.engine.EvaluateRule(ctx, rule.ID)
	assert.ErrorIs(t, err, scheduler.ErrStop)
}

// An invalid condition is skipped without error so the rule keeps its
// cadence instead of backing off.
func TestEngine_InvalidConditionIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	src := h.createSource(t)

	rule, err := h.alerts.CreateRule(ctx, &models.AlertRuleCreateRequest{
		Name:          "slow-source",
		ConditionType: "threshold",
		Metric:        "latency_ms",
		Comparator:    ">",
		Threshold:     25,
		Severity:      "low",
		DataSourceID:  src.ID,
	})
	require.NoError(t, err)

	// Metric names are free-form at the API layer; the evaluator is where
	// an unknown one surfaces.
	bogus := "rows_per_fortnight"
	_, err = h.alerts.UpdateRule(ctx, rule.ID, &models.AlertRuleUpdateRequest{Metric: &bogus})
	require.NoError(t, err)

	h.recordCheck(t, src, 40*time.Millisecond)
	require.NoError(t, h.engine.EvaluateRule(ctx, rule.ID))
	assert.Empty(t, h.openAlerts(t, rule.ID))
}

func TestEngine_SyncSchedulesSourcesAndRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	src := h.createSource(t)
	_, err := h.alerts.CreateRule(ctx, &models.AlertRuleCreateRequest{
		Name:          "slow-source",
		ConditionType: "threshold",
		Metric:        "latency_ms",
		Comparator:    ">",
		Threshold:     25,
		Severity:      "low",
		DataSourceID:  src.ID,
	})
	require.NoError(t, err)

	require.NoError(t, h.engine.Sync(ctx))
	assert.Equal(t, 2, h.engine.sched.Len())

	// Sync is idempotent.
	require.NoError(t, h.engine.Sync(ctx))
	assert.Equal(t, 2, h.engine.sched.Len())
}
