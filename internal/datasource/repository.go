package datasource

import (
	"context"
	"time"
)

// ListOptions contains options for listing data sources.
type ListOptions struct {
	Limit  int
	Cursor string
}

// ListResult contains the results of listing data sources.
type ListResult struct {
	Items      []*DataSource
	NextCursor string
}

// Repository defines the interface for data source persistence.
type Repository interface {
	// Get retrieves a data source by ID.
	Get(ctx context.Context, id string) (*DataSource, error)

	// List retrieves data sources with pagination.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// ListEnabled retrieves all enabled data sources.
	ListEnabled(ctx context.Context) ([]*DataSource, error)

	// Create creates a new data source.
	Create(ctx context.Context, src *DataSource) error

	// Update updates an existing data source.
	Update(ctx context.Context, src *DataSource) error

	// Delete deletes a data source by ID.
	Delete(ctx context.Context, id string) error

	// SaveCheckResult appends a health check result.
	SaveCheckResult(ctx context.Context, result *CheckResult) error

	// RecentResults retrieves the recorded check results for a source
	// within the trailing window, oldest first.
	RecentResults(ctx context.Context, sourceID string, window time.Duration) ([]*CheckResult, error)
}
