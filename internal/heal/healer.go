// Package heal retries failed pipeline runs with bounded attempts and marks
// pipelines errored when every attempt is spent.
package heal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipepulse/pipepulse/internal/pipeline"
	"github.com/pipepulse/pipepulse/internal/scheduler"
)

// Action performs one healing attempt for a failed run.
type Action interface {
	Heal(ctx context.Context, p *pipeline.Pipeline, run *pipeline.Run, attempt int) error
}

// OnExhausted is invoked exactly once per failed run after the last healing
// attempt fails. The engine uses it to raise the pipeline-failure alert path.
type OnExhausted func(ctx context.Context, p *pipeline.Pipeline, run *pipeline.Run)

// Healer drives the self-healing sequence for failed runs. At most one
// sequence is in flight per run; repeated failure notifications for the same
// run are ignored while it heals.
type Healer struct {
	pipelines   *pipeline.Service
	action      Action
	clock       scheduler.Clock
	logger      zerolog.Logger
	onExhausted OnExhausted

	mu       sync.Mutex
	inflight map[string]bool
}

// New creates a healer that uses the given action for every attempt.
func New(pipelines *pipeline.Service, action Action, clock scheduler.Clock, logger zerolog.Logger) *Healer {
	return &Healer{
		pipelines: pipelines,
		action:    action,
		clock:     clock,
		logger:    logger.With().Str("component", "healer").Logger(),
		inflight:  make(map[string]bool),
	}
}

// SetOnExhausted registers the exhaustion callback. Set during composition,
// before any failures are handled.
func (h *Healer) SetOnExhausted(fn OnExhausted) {
	h.onExhausted = fn
}

// HandleFailure runs the healing sequence for a failed run: up to the
// pipeline's retry budget of attempts, each preceded by the pipeline's retry
// delay. It returns once the sequence ends, so callers that must not block
// invoke it on their own goroutine.
func (h *Healer) HandleFailure(ctx context.Context, pipelineID, runID string) error {
	h.mu.Lock()
	if h.inflight[runID] {
		h.mu.Unlock()
		return nil
	}
	h.inflight[runID] = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.inflight, runID)
		h.mu.Unlock()
	}()

	p, err := h.pipelines.Pipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	run, err := h.pipelines.Run(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != pipeline.RunFailed {
		return nil
	}
	if !p.AutoHealEnabled {
		return nil
	}

	log := h.logger.With().Str("pipeline_id", p.ID).Str("run_id", run.ID).Logger()
	for attempt := 1; attempt <= p.RetryAttempts; attempt++ {
		if err := h.wait(ctx, p.RetryDelay); err != nil {
			return err
		}

		healErr := h.action.Heal(ctx, p, run, attempt)
		outcome := pipeline.HealSucceeded
		detail := ""
		if healErr != nil {
			outcome = pipeline.HealFailed
			detail = healErr.Error()
		}
		if err := h.pipelines.RecordHealingAttempt(ctx, p.ID, run.ID, attempt, outcome, detail); err != nil {
			log.Error().Err(err).Int("attempt", attempt).Msg("failed to record healing attempt")
		}

		if healErr == nil {
			log.Info().Int("attempt", attempt).Msg("pipeline healed")
			return nil
		}
		log.Warn().Err(healErr).Int("attempt", attempt).
			Int("budget", p.RetryAttempts).Msg("healing attempt failed")
	}

	if err := h.pipelines.MarkError(ctx, p.ID); err != nil {
		log.Error().Err(err).Msg("failed to mark pipeline errored")
	}
	log.Error().Int("attempts", p.RetryAttempts).Msg("healing attempts exhausted")
	if h.onExhausted != nil {
		h.onExhausted(ctx, p, run)
	}
	return nil
}

func (h *Healer) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := h.clock.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}

// RetriggerAction heals by queuing a fresh run of the pipeline. The attempt
// counts as successful when the run is accepted; whether the rerun itself
// succeeds is judged by the run lifecycle as usual.
type RetriggerAction struct {
	pipelines *pipeline.Service
}

// NewRetriggerAction creates the default healing action.
func NewRetriggerAction(pipelines *pipeline.Service) *RetriggerAction {
	return &RetriggerAction{pipelines: pipelines}
}

// Heal queues a new run for the failed pipeline.
func (a *RetriggerAction) Heal(ctx context.Context, p *pipeline.Pipeline, run *pipeline.Run, attempt int) error {
	if _, err := a.pipelines.Trigger(ctx, p.ID, false); err != nil {
		return err
	}
	return nil
}

// ScriptAction heals by invoking the pipeline's configured heal script.
type ScriptAction struct {
	runner  func(ctx context.Context, script string) error
	timeout time.Duration
}

// NewScriptAction creates a script-based healing action. The runner executes
// the script text and is injectable for tests.
func NewScriptAction(runner func(ctx context.Context, script string) error, timeout time.Duration) *ScriptAction {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ScriptAction{runner: runner, timeout: timeout}
}

// Heal runs the pipeline's heal script with a hard timeout.
func (a *ScriptAction) Heal(ctx context.Context, p *pipeline.Pipeline, run *pipeline.Run, attempt int) error {
	script := strings.TrimSpace(p.HealScript)
	if script == "" {
		return errors.New("no heal script configured")
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.runner(ctx, script)
}

// DefaultAction runs the pipeline's heal script when one is configured and
// falls back to retriggering the run otherwise.
type DefaultAction struct {
	script    *ScriptAction
	retrigger *RetriggerAction
}

// NewDefaultAction creates the combined healing action.
func NewDefaultAction(pipelines *pipeline.Service, runner func(ctx context.Context, script string) error, scriptTimeout time.Duration) *DefaultAction {
	return &DefaultAction{
		script:    NewScriptAction(runner, scriptTimeout),
		retrigger: NewRetriggerAction(pipelines),
	}
}

// Heal dispatches to the script or retrigger action.
func (a *DefaultAction) Heal(ctx context.Context, p *pipeline.Pipeline, run *pipeline.Run, attempt int) error {
	if strings.TrimSpace(p.HealScript) != "" {
		return a.script.Heal(ctx, p, run, attempt)
	}
	return a.retrigger.Heal(ctx, p, run, attempt)
}
