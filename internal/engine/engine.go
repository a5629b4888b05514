// Package engine composes the scheduler, health checker, metric calculator,
// rule evaluator, alert lifecycle and self-healer into the running
// evaluation loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/pipepulse/pipepulse/internal/alert"
	"github.com/pipepulse/pipepulse/internal/datasource"
	"github.com/pipepulse/pipepulse/internal/heal"
	"github.com/pipepulse/pipepulse/internal/metric"
	"github.com/pipepulse/pipepulse/internal/pipeline"
	"github.com/pipepulse/pipepulse/internal/scheduler"
)

// Config tunes the engine loops. Zero values fall back to defaults.
type Config struct {
	// EvaluationInterval is the cadence at which enabled rules are
	// re-evaluated.
	EvaluationInterval time.Duration
	// EscalationInterval is how often open alerts are swept for overdue
	// acknowledgement.
	EscalationInterval time.Duration
	// SyncInterval is how often the schedule is reconciled against the
	// stored sources and rules.
	SyncInterval time.Duration
	// MetricWindow is the default signal window for rules without an
	// explicit lookback, and for health score recomputation.
	MetricWindow time.Duration

	Scheduler scheduler.Config
}

func (c Config) withDefaults() Config {
	if c.EvaluationInterval <= 0 {
		c.EvaluationInterval = time.Minute
	}
	if c.EscalationInterval <= 0 {
		c.EscalationInterval = time.Minute
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.MetricWindow <= 0 {
		c.MetricWindow = 24 * time.Hour
	}
	return c
}

// Params carries the engine's collaborators.
type Params struct {
	Sources    *datasource.Service
	Pipelines  *pipeline.Service
	Alerts     *alert.Service
	Lifecycle  *alert.Lifecycle
	Healer     *heal.Healer
	Calculator *metric.Calculator
	Evaluator  *alert.Evaluator
	Clock      scheduler.Clock
	Logger     zerolog.Logger
	Meter      otelmetric.Meter
}

// Engine drives scheduled health checks and rule evaluations. Each scheduled
// entity is isolated: a failing source or rule backs off on its own schedule
// and never blocks the others.
type Engine struct {
	cfg        Config
	sources    *datasource.Service
	pipelines  *pipeline.Service
	alerts     *alert.Service
	lifecycle  *alert.Lifecycle
	healer     *heal.Healer
	calc       *metric.Calculator
	evaluator  *alert.Evaluator
	sched      *scheduler.Scheduler
	clock      scheduler.Clock
	logger     zerolog.Logger
	checkCount otelmetric.Int64Counter
	evalCount  otelmetric.Int64Counter
	healCount  otelmetric.Int64Counter

	wg sync.WaitGroup
}

// New wires the engine together. The healer's exhaustion callback is claimed
// here: exhaustion re-evaluates the pipeline's rules so the failure alert
// fires without waiting for the next evaluation beat.
func New(cfg Config, p Params) (*Engine, error) {
	cfg = cfg.withDefaults()
	if p.Clock == nil {
		p.Clock = scheduler.RealClock{}
	}

	e := &Engine{
		cfg:       cfg,
		sources:   p.Sources,
		pipelines: p.Pipelines,
		alerts:    p.Alerts,
		lifecycle: p.Lifecycle,
		healer:    p.Healer,
		calc:      p.Calculator,
		evaluator: p.Evaluator,
		clock:     p.Clock,
		logger:    p.Logger.With().Str("component", "engine").Logger(),
	}
	if e.evaluator == nil {
		e.evaluator = alert.NewEvaluator()
	}
	if e.calc == nil {
		e.calc = metric.NewCalculator(metric.CalculatorConfig{})
	}

	if p.Meter != nil {
		var err error
		e.checkCount, err = p.Meter.Int64Counter("pipepulse.checks.total",
			otelmetric.WithDescription("Health checks dispatched, by outcome"))
		if err != nil {
			return nil, err
		}
		e.evalCount, err = p.Meter.Int64Counter("pipepulse.evaluations.total",
			otelmetric.WithDescription("Rule evaluations, by verdict"))
		if err != nil {
			return nil, err
		}
		e.healCount, err = p.Meter.Int64Counter("pipepulse.healing.exhausted.total",
			otelmetric.WithDescription("Healing sequences that spent every attempt"))
		if err != nil {
			return nil, err
		}
	}

	e.sched = scheduler.New(cfg.Scheduler, e.dispatch, p.Clock, p.Logger)
	if e.healer != nil {
		e.healer.SetOnExhausted(e.onHealExhausted)
	}
	return e, nil
}

// Run reconciles the schedule, drives dispatches and sweeps escalations
// until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Sync(ctx); err != nil {
		e.logger.Error().Err(err).Msg("initial schedule sync failed")
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.loop(ctx, e.cfg.SyncInterval, func() {
			if err := e.Sync(ctx); err != nil {
				e.logger.Error().Err(err).Msg("schedule sync failed")
			}
		})
	}()
	go func() {
		defer e.wg.Done()
		e.loop(ctx, e.cfg.EscalationInterval, func() {
			if err := e.lifecycle.CheckEscalations(ctx); err != nil {
				e.logger.Error().Err(err).Msg("escalation sweep failed")
			}
		})
	}()

	e.sched.Run(ctx)
	e.wg.Wait()
	return ctx.Err()
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, fn func()) {
	for {
		timer := e.clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
			fn()
		}
	}
}

// Sync reconciles the schedule with the stored sources and rules. Disabled
// or deleted entities are dropped lazily at dispatch time.
func (e *Engine) Sync(ctx context.Context) error {
	srcs, err := e.sources.EnabledSources(ctx)
	if err != nil {
		return fmt.Errorf("list enabled sources: %w", err)
	}
	for _, src := range srcs {
		e.sched.Upsert(src.ID, src.CheckInterval)
	}

	rules, err := e.alerts.EnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("list enabled rules: %w", err)
	}
	for _, rule := range rules {
		e.sched.Upsert(rule.ID, e.cfg.EvaluationInterval)
	}
	return nil
}

// dispatch routes a due entity by its ID prefix. Unknown entities are
// dropped from the schedule.
func (e *Engine) dispatch(ctx context.Context, entityID string) error {
	switch {
	case strings.HasPrefix(entityID, "src_"):
		return e.CheckSource(ctx, entityID)
	case strings.HasPrefix(entityID, "rul_"):
		return e.EvaluateRule(ctx, entityID)
	default:
		return scheduler.ErrStop
	}
}

// CheckSource probes one data source, folds the outcome into the source,
// and refreshes its health score from the updated window. A failed probe
// returns an error so the scheduler backs the source off.
func (e *Engine) CheckSource(ctx context.Context, sourceID string) error {
	src, err := e.sources.Source(ctx, sourceID)
	if errors.Is(err, datasource.ErrSourceNotFound) {
		return scheduler.ErrStop
	}
	if err != nil {
		return err
	}
	if !src.Enabled {
		return scheduler.ErrStop
	}

	result, err := e.sources.TestConnection(ctx, sourceID, true)
	if err != nil {
		return err
	}
	e.countCheck(ctx, result.Success)

	if err := e.refreshHealthScore(ctx, sourceID); err != nil {
		e.logger.Error().Err(err).Str("source_id", sourceID).Msg("health score refresh failed")
	}
	if !result.Success {
		return fmt.Errorf("probe failed: %s", result.Error)
	}
	return nil
}

func (e *Engine) refreshHealthScore(ctx context.Context, sourceID string) error {
	src, err := e.sources.Source(ctx, sourceID)
	if err != nil {
		return err
	}
	results, err := e.sources.ResultsWindow(ctx, sourceID, e.cfg.MetricWindow)
	if err != nil {
		return err
	}
	sig := e.calc.Compute(e.clock.Now(), toCheckSamples(results), nil)
	if !sig.Sufficient {
		return nil
	}
	return e.sources.ApplyHealthScore(ctx, src, sig.HealthScore)
}

// EvaluateRule evaluates one rule against its target's current window and
// feeds the verdict through the alert lifecycle.
func (e *Engine) EvaluateRule(ctx context.Context, ruleID string) error {
	rule, err := e.alerts.Rule(ctx, ruleID)
	if errors.Is(err, alert.ErrRuleNotFound) {
		return scheduler.ErrStop
	}
	if err != nil {
		return err
	}
	if !rule.Enabled {
		return scheduler.ErrStop
	}
	return e.evaluateRule(ctx, rule)
}

func (e *Engine) evaluateRule(ctx context.Context, rule *alert.Rule) error {
	in, err := e.buildInputs(ctx, rule)
	if err != nil {
		return err
	}

	verdict, err := e.evaluator.Evaluate(rule, in)
	if errors.Is(err, alert.ErrInvalidCondition) {
		// Skipped, not retried: the rule stays broken until edited.
		e.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("rule condition invalid, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	e.countEvaluation(ctx, verdict)

	if _, err := e.lifecycle.Apply(ctx, rule, verdict, e.describeBreach(rule, in)); err != nil {
		return err
	}
	return nil
}

func (e *Engine) buildInputs(ctx context.Context, rule *alert.Rule) (alert.Inputs, error) {
	now := e.clock.Now()
	lookback := rule.Condition.Lookback
	if lookback <= 0 {
		lookback = e.cfg.MetricWindow
	}

	in := alert.Inputs{Now: now}

	var checks []metric.CheckSample
	var runs []metric.RunSample
	if rule.DataSourceID != "" {
		results, err := e.sources.ResultsWindow(ctx, rule.DataSourceID, lookback)
		if err != nil {
			return in, err
		}
		checks = toCheckSamples(results)
	} else if rule.PipelineID != "" {
		recent, err := e.pipelines.RunsWindow(ctx, rule.PipelineID, lookback)
		if err != nil {
			return in, err
		}
		runs = toRunSamples(recent)
	}

	in.Signals = e.calc.Compute(now, checks, runs)
	in.LastEventAt = in.Signals.LastEventAt
	in.History = historySeries(rule.Condition.Metric, checks, runs)

	if _, err := e.alerts.OpenAlert(ctx, rule.ID); err == nil {
		in.HasOpenAlert = true
	} else if !errors.Is(err, alert.ErrNoOpenAlert) {
		return in, err
	}

	if rule.Condition.Type == alert.ConditionPipelineFailures && rule.PipelineID != "" {
		streak, err := e.pipelines.ConsecutiveFailures(ctx, rule.PipelineID)
		if err != nil {
			return in, err
		}
		in.ConsecutiveFailures = streak
	}
	return in, nil
}

// HandleRunStarted marks a pending run as running.
func (e *Engine) HandleRunStarted(ctx context.Context, runID string) error {
	_, err := e.pipelines.StartRun(ctx, runID)
	return err
}

// HandleRunCompleted folds a finished run into the pipeline and, on failure,
// re-evaluates the pipeline's rules immediately and starts the healing
// sequence in the background.
func (e *Engine) HandleRunCompleted(ctx context.Context, runID string, success bool, records int64, runErr string) error {
	run, err := e.pipelines.CompleteRun(ctx, runID, success, records, runErr)
	if err != nil {
		return err
	}
	if success {
		return nil
	}

	if err := e.evaluatePipelineRules(ctx, run.PipelineID); err != nil {
		e.logger.Error().Err(err).Str("pipeline_id", run.PipelineID).Msg("post-failure evaluation failed")
	}
	if e.healer != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.healer.HandleFailure(ctx, run.PipelineID, run.ID); err != nil {
				e.logger.Error().Err(err).Str("run_id", run.ID).Msg("healing sequence failed")
			}
		}()
	}
	return nil
}

func (e *Engine) onHealExhausted(ctx context.Context, p *pipeline.Pipeline, run *pipeline.Run) {
	if e.healCount != nil {
		e.healCount.Add(ctx, 1)
	}
	if err := e.evaluatePipelineRules(ctx, p.ID); err != nil {
		e.logger.Error().Err(err).Str("pipeline_id", p.ID).Msg("post-exhaustion evaluation failed")
	}
}

func (e *Engine) evaluatePipelineRules(ctx context.Context, pipelineID string) error {
	rules, err := e.alerts.EnabledRules(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, rule := range rules {
		if rule.PipelineID != pipelineID {
			continue
		}
		if err := e.evaluateRule(ctx, rule); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) describeBreach(rule *alert.Rule, in alert.Inputs) string {
	cond := rule.Condition
	switch cond.Type {
	case alert.ConditionThreshold:
		value, _ := in.Signals.Value(cond.Metric)
		return fmt.Sprintf("%s is %.2f (%s %g)", cond.Metric, value, cond.Comparator, cond.Threshold)
	case alert.ConditionAnomaly:
		value, _ := in.Signals.Value(cond.Metric)
		return fmt.Sprintf("%s is %.2f, outside the recent baseline", cond.Metric, value)
	case alert.ConditionMissingData:
		if in.LastEventAt.IsZero() {
			return "no data received"
		}
		return fmt.Sprintf("no data for %s", in.Now.Sub(in.LastEventAt).Round(time.Minute))
	case alert.ConditionPipelineFailures:
		return fmt.Sprintf("%d consecutive failed runs", in.ConsecutiveFailures)
	default:
		return "condition breached"
	}
}

func (e *Engine) countCheck(ctx context.Context, success bool) {
	if e.checkCount == nil {
		return
	}
	e.checkCount.Add(ctx, 1, otelmetric.WithAttributes(attribute.Bool("success", success)))
}

func (e *Engine) countEvaluation(ctx context.Context, verdict alert.Verdict) {
	if e.evalCount == nil {
		return
	}
	e.evalCount.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("verdict", verdict.String())))
}

func toCheckSamples(results []*datasource.CheckResult) []metric.CheckSample {
	samples := make([]metric.CheckSample, 0, len(results))
	for _, r := range results {
		samples = append(samples, metric.CheckSample{
			CheckedAt:    r.CheckedAt,
			Success:      r.Success,
			Latency:      r.Latency,
			FreshnessAge: r.FreshnessAge,
			Volume:       r.Volume,
			HasVolume:    r.HasVolume,
		})
	}
	return samples
}

// toRunSamples converts finished runs, newest first in storage order, into
// chronological samples.
func toRunSamples(recent []*pipeline.Run) []metric.RunSample {
	samples := make([]metric.RunSample, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		run := recent[i]
		if run.FinishedAt == nil {
			continue
		}
		var started time.Time
		if run.StartedAt != nil {
			started = *run.StartedAt
		}
		samples = append(samples, metric.RunSample{
			StartedAt:  started,
			FinishedAt: *run.FinishedAt,
			Succeeded:  run.Status == pipeline.RunSuccess,
			Records:    run.RecordsProcessed,
		})
	}
	return samples
}

// historySeries builds the trailing per-sample series of a rule's metric,
// excluding the current sample, for anomaly baselines. Metrics that only
// exist at window level have no per-sample series and return nil.
func historySeries(metricName string, checks []metric.CheckSample, runs []metric.RunSample) []float64 {
	var series []float64
	switch metricName {
	case metric.MetricLatency:
		for _, c := range checks {
			series = append(series, float64(c.Latency.Milliseconds()))
		}
	case metric.MetricFreshnessAge:
		for _, c := range checks {
			series = append(series, c.FreshnessAge.Hours())
		}
	case metric.MetricVolumeDelta:
		vols := metric.VolumeSeries(checks)
		if len(vols) == 0 {
			vols = metric.RecordSeries(runs)
		}
		series = deltaSeries(vols)
	default:
		return nil
	}
	if len(series) == 0 {
		return nil
	}
	return series[:len(series)-1]
}

// deltaSeries maps each volume reading after the first onto its percent
// deviation from the trailing mean, matching how the current volume delta
// signal is computed.
func deltaSeries(vols []float64) []float64 {
	var series []float64
	for i := 1; i < len(vols); i++ {
		baseline, _, _ := metric.MeanStdDev(vols[:i])
		switch {
		case baseline == 0 && vols[i] == 0:
			series = append(series, 0)
		case baseline == 0:
			series = append(series, 100)
		default:
			series = append(series, (vols[i]-baseline)/baseline*100)
		}
	}
	return series
}
