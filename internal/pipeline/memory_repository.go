package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryRepository is an in-memory implementation of Repository.
// This is intended for testing. Production should use PostgresRepository.
type InMemoryRepository struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
	runs      map[string]*Run
	attempts  map[string][]*HealingAttempt
	clock     func() time.Time
}

// NewInMemoryRepository creates a new in-memory pipeline repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		pipelines: make(map[string]*Pipeline),
		runs:      make(map[string]*Run),
		attempts:  make(map[string][]*HealingAttempt),
		clock:     time.Now,
	}
}

// SetClock overrides the time source used for window queries in tests.
func (r *InMemoryRepository) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

// Get retrieves a pipeline by ID.
func (r *InMemoryRepository) Get(_ context.Context, id string) (*Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pipelines[id]
	if !ok {
		return nil, ErrPipelineNotFound
	}

	cpy := *p
	return &cpy, nil
}

// List retrieves pipelines with pagination.
func (r *InMemoryRepository) List(_ context.Context, opts ListOptions) (*ListResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var pipelines []*Pipeline
	for _, p := range r.pipelines {
		if opts.Cursor != "" && p.ID <= opts.Cursor {
			continue
		}
		cpy := *p
		pipelines = append(pipelines, &cpy)
	}
	sort.Slice(pipelines, func(i, j int) bool { return pipelines[i].ID < pipelines[j].ID })

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	result := &ListResult{Items: pipelines}
	if len(pipelines) > limit {
		result.Items = pipelines[:limit]
		result.NextCursor = pipelines[limit-1].ID
	}
	return result, nil
}

// Create creates a new pipeline.
func (r *InMemoryRepository) Create(_ context.Context, p *Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cpy := *p
	r.pipelines[p.ID] = &cpy
	return nil
}

// Update updates an existing pipeline.
func (r *InMemoryRepository) Update(_ context.Context, p *Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pipelines[p.ID]; !ok {
		return ErrPipelineNotFound
	}

	cpy := *p
	r.pipelines[p.ID] = &cpy
	return nil
}

// Delete deletes a pipeline by ID.
func (r *InMemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pipelines, id)
	return nil
}

// GetRun retrieves a run by ID.
func (r *InMemoryRepository) GetRun(_ context.Context, id string) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}

	cpy := *run
	return &cpy, nil
}

// CreateRun creates a new run.
func (r *InMemoryRepository) CreateRun(_ context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cpy := *run
	r.runs[run.ID] = &cpy
	return nil
}

// UpdateRun updates an existing run.
func (r *InMemoryRepository) UpdateRun(_ context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[run.ID]; !ok {
		return ErrRunNotFound
	}

	cpy := *run
	r.runs[run.ID] = &cpy
	return nil
}

// RecentRuns retrieves runs created within the trailing window, newest first.
func (r *InMemoryRepository) RecentRuns(_ context.Context, pipelineID string, window time.Duration) ([]*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := r.clock().Add(-window)
	var runs []*Run
	for _, run := range r.runs {
		if run.PipelineID == pipelineID && run.CreatedAt.After(cutoff) {
			cpy := *run
			runs = append(runs, &cpy)
		}
	}
	sortRunsNewestFirst(runs)
	return runs, nil
}

// ListRuns retrieves the most recent runs for a pipeline, newest first.
func (r *InMemoryRepository) ListRuns(_ context.Context, pipelineID string, limit int) ([]*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var runs []*Run
	for _, run := range r.runs {
		if run.PipelineID == pipelineID {
			cpy := *run
			runs = append(runs, &cpy)
		}
	}
	sortRunsNewestFirst(runs)

	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// SaveHealingAttempt appends a self-healing attempt.
func (r *InMemoryRepository) SaveHealingAttempt(_ context.Context, attempt *HealingAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cpy := *attempt
	r.attempts[attempt.RunID] = append(r.attempts[attempt.RunID], &cpy)
	return nil
}

// HealingAttemptsForRun retrieves healing attempts for a run in attempt order.
func (r *InMemoryRepository) HealingAttemptsForRun(_ context.Context, runID string) ([]*HealingAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var attempts []*HealingAttempt
	for _, a := range r.attempts[runID] {
		cpy := *a
		attempts = append(attempts, &cpy)
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].Attempt < attempts[j].Attempt })
	return attempts, nil
}

func sortRunsNewestFirst(runs []*Run) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}

// Ensure InMemoryRepository implements Repository interface.
var _ Repository = (*InMemoryRepository)(nil)
