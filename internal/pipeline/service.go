package pipeline

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pipepulse/pipepulse/internal/api/models"
	"github.com/pipepulse/pipepulse/internal/keylock"
)

// Validation constants.
const (
	MaxNameLength        = 120
	MaxDescriptionLength = 500
	MaxRetryAttempts     = 10

	DefaultTimeout       = 30 * time.Minute
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 5 * time.Minute
)

// UptimeWindow is the trailing window over which uptime is computed.
const UptimeWindow = 30 * 24 * time.Hour

// Service provides pipeline operations. Writes to a pipeline record and its
// run state machine are serialised per pipeline, so concurrent run
// completions never lose last-run or uptime updates.
type Service struct {
	repo  Repository
	now   func() time.Time
	locks keylock.Mutex
}

// NewService creates a new pipeline service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// SetClock overrides the service clock for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// List retrieves pipelines with cursor pagination.
func (s *Service) List(ctx context.Context, limit int, cursor string) (*models.PagedPipelines, error) {
	result, err := s.repo.List(ctx, ListOptions{Limit: limit, Cursor: cursor})
	if err != nil {
		return nil, err
	}

	items := make([]models.Pipeline, 0, len(result.Items))
	for _, p := range result.Items {
		items = append(items, s.toAPIPipeline(p))
	}

	var nextCursor *string
	if result.NextCursor != "" {
		nextCursor = &result.NextCursor
	}

	return &models.PagedPipelines{
		Items: items,
		Meta: models.PagedResponseMeta{
			Limit:      limit,
			NextCursor: nextCursor,
		},
	}, nil
}

// Get retrieves a pipeline by ID.
func (s *Service) Get(ctx context.Context, id string) (*models.Pipeline, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	result := s.toAPIPipeline(p)
	return &result, nil
}

// Create creates a new pipeline.
func (s *Service) Create(ctx context.Context, input *models.PipelineCreateRequest) (*models.Pipeline, error) {
	if fieldErrors := s.validateCreateInput(input); len(fieldErrors) > 0 {
		return nil, &ValidationError{Errors: fieldErrors}
	}

	now := s.now()

	timeout := DefaultTimeout
	if input.TimeoutMinutes > 0 {
		timeout = time.Duration(input.TimeoutMinutes) * time.Minute
	}

	retryAttempts := DefaultRetryAttempts
	if input.RetryAttempts > 0 {
		retryAttempts = input.RetryAttempts
	}

	retryDelay := DefaultRetryDelay
	if input.RetryDelayMinutes > 0 {
		retryDelay = time.Duration(input.RetryDelayMinutes) * time.Minute
	}

	p := &Pipeline{
		ID:              "pip_" + uuid.New().String()[:22],
		Name:            input.Name,
		Description:     input.Description,
		DataSourceID:    input.DataSourceID,
		Schedule:        input.Schedule,
		Status:          StatusActive,
		Timeout:         timeout,
		RetryAttempts:   retryAttempts,
		RetryDelay:      retryDelay,
		AutoHealEnabled: input.AutoHealEnabled,
		HealScript:      input.HealScript,
		Tags:            input.Tags,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}

	result := s.toAPIPipeline(p)
	return &result, nil
}

// Update updates an existing pipeline.
func (s *Service) Update(ctx context.Context, id string, input *models.PipelineUpdateRequest) (*models.Pipeline, error) {
	if fieldErrors := s.validateUpdateInput(input); len(fieldErrors) > 0 {
		return nil, &ValidationError{Errors: fieldErrors}
	}

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		p.Name = *input.Name
	}
	if input.Description != nil {
		p.Description = *input.Description
	}
	if input.Schedule != nil {
		p.Schedule = *input.Schedule
	}
	if input.Status != nil {
		p.Status = Status(*input.Status)
	}
	if input.TimeoutMinutes != nil {
		p.Timeout = time.Duration(*input.TimeoutMinutes) * time.Minute
	}
	if input.RetryAttempts != nil {
		p.RetryAttempts = *input.RetryAttempts
	}
	if input.RetryDelayMinutes != nil {
		p.RetryDelay = time.Duration(*input.RetryDelayMinutes) * time.Minute
	}
	if input.AutoHealEnabled != nil {
		p.AutoHealEnabled = *input.AutoHealEnabled
	}
	if input.HealScript != nil {
		p.HealScript = *input.HealScript
	}
	if input.Tags != nil {
		p.Tags = input.Tags
	}
	p.UpdatedAt = s.now()

	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}

	result := s.toAPIPipeline(p)
	return &result, nil
}

// Delete deletes a pipeline by ID.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}

// Pipeline returns the domain record for a pipeline. Internal callers such
// as the scheduler and the self-healer use this instead of the API DTO.
func (s *Service) Pipeline(ctx context.Context, id string) (*Pipeline, error) {
	return s.repo.Get(ctx, id)
}

// Run returns the domain record for a run.
func (s *Service) Run(ctx context.Context, runID string) (*Run, error) {
	return s.repo.GetRun(ctx, runID)
}

// RunsWindow returns the runs created within the trailing window, newest
// first.
func (s *Service) RunsWindow(ctx context.Context, pipelineID string, window time.Duration) ([]*Run, error) {
	return s.repo.RecentRuns(ctx, pipelineID, window)
}

// RecordHealingAttempt stores the outcome of one self-healing attempt.
func (s *Service) RecordHealingAttempt(ctx context.Context, pipelineID, runID string, attempt int, outcome HealOutcome, detail string) error {
	return s.repo.SaveHealingAttempt(ctx, &HealingAttempt{
		ID:          "hst_" + uuid.New().String()[:22],
		PipelineID:  pipelineID,
		RunID:       runID,
		Attempt:     attempt,
		Outcome:     outcome,
		Detail:      detail,
		AttemptedAt: s.now(),
	})
}

// Trigger creates a new pending run for a pipeline.
func (s *Service) Trigger(ctx context.Context, pipelineID string, manual bool) (*models.PipelineRun, error) {
	if _, err := s.repo.Get(ctx, pipelineID); err != nil {
		return nil, err
	}

	run := &Run{
		ID:         "run_" + uuid.New().String()[:22],
		PipelineID: pipelineID,
		Status:     RunPending,
		Manual:     manual,
		CreatedAt:  s.now(),
	}

	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	result := s.toAPIRun(run)
	return &result, nil
}

// StartRun transitions a pending run to running.
func (s *Service) StartRun(ctx context.Context, runID string) (*Run, error) {
	run, err := s.lockRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer s.locks.Unlock(run.PipelineID)

	if run.Status != RunPending {
		return nil, ErrInvalidRunState
	}

	now := s.now()
	run.Status = RunRunning
	run.StartedAt = &now

	if err := s.repo.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteRun finishes a run with a terminal status, then folds the outcome
// into the pipeline's last-run and uptime fields. A successful run also
// clears an error status left behind by the self-healer.
func (s *Service) CompleteRun(ctx context.Context, runID string, success bool, recordsProcessed int64, runErr string) (*Run, error) {
	run, err := s.lockRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer s.locks.Unlock(run.PipelineID)

	// Pending runs may fail directly, e.g. on timeout before pickup.
	if run.Status != RunRunning && !(run.Status == RunPending && !success) {
		return nil, ErrInvalidRunState
	}

	now := s.now()
	if success {
		run.Status = RunSuccess
	} else {
		run.Status = RunFailed
	}
	run.FinishedAt = &now
	run.RecordsProcessed = recordsProcessed
	run.Error = runErr

	if err := s.repo.UpdateRun(ctx, run); err != nil {
		return nil, err
	}

	p, err := s.repo.Get(ctx, run.PipelineID)
	if err != nil {
		return nil, err
	}
	p.LastRunAt = &now
	if success && p.Status == StatusError {
		p.Status = StatusActive
	}

	uptime, err := s.computeUptime(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.UptimePercentage = uptime
	p.UpdatedAt = now

	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return run, nil
}

// MarkError flags a pipeline as errored. Called by the self-healer when
// retries are exhausted.
func (s *Service) MarkError(ctx context.Context, pipelineID string) error {
	s.locks.Lock(pipelineID)
	defer s.locks.Unlock(pipelineID)

	p, err := s.repo.Get(ctx, pipelineID)
	if err != nil {
		return err
	}
	p.Status = StatusError
	p.UpdatedAt = s.now()
	return s.repo.Update(ctx, p)
}

// ListRuns retrieves the most recent runs for a pipeline, newest first.
func (s *Service) ListRuns(ctx context.Context, pipelineID string, limit int) (*models.PagedPipelineRuns, error) {
	if _, err := s.repo.Get(ctx, pipelineID); err != nil {
		return nil, err
	}

	runs, err := s.repo.ListRuns(ctx, pipelineID, limit)
	if err != nil {
		return nil, err
	}

	items := make([]models.PipelineRun, 0, len(runs))
	for _, run := range runs {
		items = append(items, s.toAPIRun(run))
	}

	return &models.PagedPipelineRuns{
		Items: items,
		Meta:  models.PagedResponseMeta{Limit: len(items)},
	}, nil
}

// HealingAttempts retrieves the healing attempts recorded for a run.
func (s *Service) HealingAttempts(ctx context.Context, runID string) ([]models.HealingAttempt, error) {
	attempts, err := s.repo.HealingAttemptsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	out := make([]models.HealingAttempt, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, models.HealingAttempt{
			ID:          a.ID,
			PipelineID:  a.PipelineID,
			RunID:       a.RunID,
			Attempt:     a.Attempt,
			Outcome:     string(a.Outcome),
			Detail:      a.Detail,
			AttemptedAt: models.Timestamp(a.AttemptedAt),
		})
	}
	return out, nil
}

// ConsecutiveFailures counts the unbroken trailing streak of failed runs,
// ignoring runs that have not finished yet.
func (s *Service) ConsecutiveFailures(ctx context.Context, pipelineID string) (int, error) {
	runs, err := s.repo.RecentRuns(ctx, pipelineID, UptimeWindow)
	if err != nil {
		return 0, err
	}

	streak := 0
	for _, run := range runs {
		switch run.Status {
		case RunFailed:
			streak++
		case RunSuccess:
			return streak, nil
		}
	}
	return streak, nil
}

// computeUptime computes the successful share of finished runs in the
// trailing uptime window. A pipeline with no finished runs reports 100.
// lockRun takes the run's pipeline lock and returns the run re-read under
// it. The caller unlocks s.locks for the returned run's PipelineID.
func (s *Service) lockRun(ctx context.Context, runID string) (*Run, error) {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	pipelineID := run.PipelineID
	s.locks.Lock(pipelineID)
	run, err = s.repo.GetRun(ctx, runID)
	if err != nil {
		s.locks.Unlock(pipelineID)
		return nil, err
	}
	return run, nil
}

func (s *Service) computeUptime(ctx context.Context, pipelineID string) (float64, error) {
	runs, err := s.repo.RecentRuns(ctx, pipelineID, UptimeWindow)
	if err != nil {
		return 0, err
	}

	var finished, succeeded int
	for _, run := range runs {
		switch run.Status {
		case RunSuccess:
			finished++
			succeeded++
		case RunFailed:
			finished++
		}
	}
	if finished == 0 {
		return 100, nil
	}
	return math.Round(float64(succeeded)/float64(finished)*1000) / 10, nil
}

// validateCreateInput validates the create pipeline input.
func (s *Service) validateCreateInput(input *models.PipelineCreateRequest) []models.FieldError {
	var errs []models.FieldError

	if input.Name == "" {
		errs = append(errs, models.FieldError{Field: "name", Message: "is required"})
	} else if len(input.Name) > MaxNameLength {
		errs = append(errs, models.FieldError{Field: "name", Message: "must be at most 120 characters"})
	}

	if len(input.Description) > MaxDescriptionLength {
		errs = append(errs, models.FieldError{Field: "description", Message: "must be at most 500 characters"})
	}

	if input.Schedule != "" {
		errs = append(errs, s.validateSchedule(input.Schedule)...)
	}

	if input.TimeoutMinutes < 0 {
		errs = append(errs, models.FieldError{Field: "timeoutMinutes", Message: "must be positive"})
	}
	if input.RetryAttempts < 0 || input.RetryAttempts > MaxRetryAttempts {
		errs = append(errs, models.FieldError{Field: "retryAttempts", Message: "must be between 0 and 10"})
	}
	if input.RetryDelayMinutes < 0 {
		errs = append(errs, models.FieldError{Field: "retryDelayMinutes", Message: "must not be negative"})
	}


	return errs
}

// validateUpdateInput validates the update pipeline input.
func (s *Service) validateUpdateInput(input *models.PipelineUpdateRequest) []models.FieldError {
	var errs []models.FieldError

	if input.Name != nil {
		if *input.Name == "" {
			errs = append(errs, models.FieldError{Field: "name", Message: "cannot be empty"})
		} else if len(*input.Name) > MaxNameLength {
			errs = append(errs, models.FieldError{Field: "name", Message: "must be at most 120 characters"})
		}
	}

	if input.Description != nil && len(*input.Description) > MaxDescriptionLength {
		errs = append(errs, models.FieldError{Field: "description", Message: "must be at most 500 characters"})
	}

	if input.Schedule != nil && *input.Schedule != "" {
		errs = append(errs, s.validateSchedule(*input.Schedule)...)
	}

	if input.Status != nil {
		switch Status(*input.Status) {
		case StatusActive, StatusInactive:
		default:
			errs = append(errs, models.FieldError{Field: "status", Message: "must be active or inactive"})
		}
	}

	if input.TimeoutMinutes != nil && *input.TimeoutMinutes < 1 {
		errs = append(errs, models.FieldError{Field: "timeoutMinutes", Message: "must be at least 1"})
	}
	if input.RetryAttempts != nil && (*input.RetryAttempts < 0 || *input.RetryAttempts > MaxRetryAttempts) {
		errs = append(errs, models.FieldError{Field: "retryAttempts", Message: "must be between 0 and 10"})
	}
	if input.RetryDelayMinutes != nil && *input.RetryDelayMinutes < 0 {
		errs = append(errs, models.FieldError{Field: "retryDelayMinutes", Message: "must not be negative"})
	}

	return errs
}

// validateSchedule checks for a five-field cron expression.
func (s *Service) validateSchedule(schedule string) []models.FieldError {
	if len(strings.Fields(schedule)) != 5 {
		return []models.FieldError{{Field: "schedule", Message: "must be a five-field cron expression"}}
	}
	return nil
}

// toAPIPipeline converts a domain Pipeline to an API Pipeline.
func (s *Service) toAPIPipeline(p *Pipeline) models.Pipeline {
	return models.Pipeline{
		ID:                p.ID,
		Name:              p.Name,
		Description:       p.Description,
		DataSourceID:      p.DataSourceID,
		Schedule:          p.Schedule,
		Status:            string(p.Status),
		TimeoutMinutes:    int(p.Timeout / time.Minute),
		RetryAttempts:     p.RetryAttempts,
		RetryDelayMinutes: int(p.RetryDelay / time.Minute),
		AutoHealEnabled:   p.AutoHealEnabled,
		HealScript:        p.HealScript,
		UptimePercentage:  p.UptimePercentage,
		Tags:              p.Tags,
		LastRunAt:         models.TimestampPtr(p.LastRunAt),
		CreatedAt:         models.Timestamp(p.CreatedAt),
		UpdatedAt:         models.Timestamp(p.UpdatedAt),
	}
}

// toAPIRun converts a domain Run to an API PipelineRun.
func (s *Service) toAPIRun(run *Run) models.PipelineRun {
	return models.PipelineRun{
		ID:               run.ID,
		PipelineID:       run.PipelineID,
		Status:           string(run.Status),
		StartedAt:        models.TimestampPtr(run.StartedAt),
		FinishedAt:       models.TimestampPtr(run.FinishedAt),
		RecordsProcessed: run.RecordsProcessed,
		Error:            run.Error,
		Manual:           run.Manual,
	}
}

// ValidationError represents validation errors.
type ValidationError struct {
	Errors []models.FieldError
}

func (e *ValidationError) Error() string {
	return "validation failed"
}
