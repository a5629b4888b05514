package pipeline

import (
	"context"
	"time"
)

// ListOptions contains options for listing pipelines.
type ListOptions struct {
	Limit  int
	Cursor string
}

// ListResult contains the results of listing pipelines.
type ListResult struct {
	Items      []*Pipeline
	NextCursor string
}

// Repository defines the interface for pipeline persistence.
type Repository interface {
	// Get retrieves a pipeline by ID.
	Get(ctx context.Context, id string) (*Pipeline, error)

	// List retrieves pipelines with pagination.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Create creates a new pipeline.
	Create(ctx context.Context, p *Pipeline) error

	// Update updates an existing pipeline.
	Update(ctx context.Context, p *Pipeline) error

	// Delete deletes a pipeline by ID.
	Delete(ctx context.Context, id string) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*Run, error)

	// CreateRun creates a new run.
	CreateRun(ctx context.Context, run *Run) error

	// UpdateRun updates an existing run.
	UpdateRun(ctx context.Context, run *Run) error

	// RecentRuns retrieves runs for a pipeline created within the trailing
	// window, newest first.
	RecentRuns(ctx context.Context, pipelineID string, window time.Duration) ([]*Run, error)

	// ListRuns retrieves the most recent runs for a pipeline, newest first.
	ListRuns(ctx context.Context, pipelineID string, limit int) ([]*Run, error)

	// SaveHealingAttempt appends a self-healing attempt.
	SaveHealingAttempt(ctx context.Context, attempt *HealingAttempt) error

	// HealingAttemptsForRun retrieves healing attempts for a run in
	// attempt order.
	HealingAttemptsForRun(ctx context.Context, runID string) ([]*HealingAttempt, error)
}
