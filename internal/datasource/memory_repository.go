package datasource

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryRepository is an in-memory implementation of Repository.
// This is intended for testing. Production should use PostgresRepository.
type InMemoryRepository struct {
	mu      sync.RWMutex
	sources map[string]*DataSource
	results map[string][]*CheckResult
	clock   func() time.Time
}

// NewInMemoryRepository creates a new in-memory data source repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		sources: make(map[string]*DataSource),
		results: make(map[string][]*CheckResult),
		clock:   time.Now,
	}
}

// SetClock overrides the time source used for window queries in tests.
func (r *InMemoryRepository) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

// Get retrieves a data source by ID.
func (r *InMemoryRepository) Get(_ context.Context, id string) (*DataSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src, ok := r.sources[id]
	if !ok {
		return nil, ErrSourceNotFound
	}

	cpy := *src
	return &cpy, nil
}

// List retrieves data sources with pagination.
func (r *InMemoryRepository) List(_ context.Context, opts ListOptions) (*ListResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sources []*DataSource
	for _, src := range r.sources {
		if opts.Cursor != "" && src.ID <= opts.Cursor {
			continue
		}
		cpy := *src
		sources = append(sources, &cpy)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].ID < sources[j].ID })

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	result := &ListResult{Items: sources}
	if len(sources) > limit {
		result.Items = sources[:limit]
		result.NextCursor = sources[limit-1].ID
	}
	return result, nil
}

// ListEnabled retrieves all enabled data sources.
func (r *InMemoryRepository) ListEnabled(_ context.Context) ([]*DataSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sources []*DataSource
	for _, src := range r.sources {
		if src.Enabled {
			cpy := *src
			sources = append(sources, &cpy)
		}
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].ID < sources[j].ID })
	return sources, nil
}

// Create creates a new data source.
func (r *InMemoryRepository) Create(_ context.Context, src *DataSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cpy := *src
	r.sources[src.ID] = &cpy
	return nil
}

// Update updates an existing data source.
func (r *InMemoryRepository) Update(_ context.Context, src *DataSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sources[src.ID]; !ok {
		return ErrSourceNotFound
	}

	cpy := *src
	r.sources[src.ID] = &cpy
	return nil
}

// Delete deletes a data source by ID.
func (r *InMemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sources, id)
	delete(r.results, id)
	return nil
}

// SaveCheckResult appends a health check result.
func (r *InMemoryRepository) SaveCheckResult(_ context.Context, result *CheckResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cpy := *result
	r.results[result.SourceID] = append(r.results[result.SourceID], &cpy)
	return nil
}

// RecentResults retrieves recorded results within the trailing window, oldest first.
func (r *InMemoryRepository) RecentResults(_ context.Context, sourceID string, window time.Duration) ([]*CheckResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := r.clock().Add(-window)
	var results []*CheckResult
	for _, res := range r.results[sourceID] {
		if res.Recorded && res.CheckedAt.After(cutoff) {
			cpy := *res
			results = append(results, &cpy)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].CheckedAt.Before(results[j].CheckedAt) })
	return results, nil
}

// Ensure InMemoryRepository implements Repository interface.
var _ Repository = (*InMemoryRepository)(nil)
