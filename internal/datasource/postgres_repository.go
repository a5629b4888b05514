package datasource

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL data source repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const sourceColumns = `
	id, name, description,
	conn_type, conn_host, conn_port, conn_database, conn_user, conn_secret_ref,
	conn_base_url, conn_freshness_query, conn_volume_query,
	enabled, check_interval_seconds, probe_timeout_seconds, tags,
	status, health_score, last_check_at,
	created_at, updated_at
`

// Get retrieves a data source by ID.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*DataSource, error) {
	query := `SELECT ` + sourceColumns + ` FROM data_sources WHERE id = $1`
	return r.scanSource(r.pool.QueryRow(ctx, query, id))
}

// List retrieves data sources with pagination.
func (r *PostgresRepository) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	// Fetch one extra to determine if there are more results
	fetchLimit := limit + 1

	query := `SELECT ` + sourceColumns + ` FROM data_sources WHERE id > $1 ORDER BY id LIMIT $2`
	rows, err := r.pool.Query(ctx, query, opts.Cursor, fetchLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []*DataSource
	for rows.Next() {
		src, err := r.scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &ListResult{Items: sources}
	if len(sources) > limit {
		result.Items = sources[:limit]
		result.NextCursor = sources[limit-1].ID
	}
	return result, nil
}

// ListEnabled retrieves all enabled data sources.
func (r *PostgresRepository) ListEnabled(ctx context.Context) ([]*DataSource, error) {
	query := `SELECT ` + sourceColumns + ` FROM data_sources WHERE enabled ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []*DataSource
	for rows.Next() {
		src, err := r.scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// Create creates a new data source.
func (r *PostgresRepository) Create(ctx context.Context, src *DataSource) error {
	query := `
		INSERT INTO data_sources (
			id, name, description,
			conn_type, conn_host, conn_port, conn_database, conn_user, conn_secret_ref,
			conn_base_url, conn_freshness_query, conn_volume_query,
			enabled, check_interval_seconds, probe_timeout_seconds, tags,
			status, health_score, last_check_at,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`
	_, err := r.pool.Exec(ctx, query,
		src.ID, src.Name, src.Description,
		string(src.Connection.Type), src.Connection.Host, src.Connection.Port,
		src.Connection.Database, src.Connection.User, src.Connection.SecretRef,
		src.Connection.BaseURL, src.Connection.FreshnessQuery, src.Connection.VolumeQuery,
		src.Enabled, int(src.CheckInterval.Seconds()), int(src.ProbeTimeout.Seconds()), src.Tags,
		string(src.Status), src.HealthScore, src.LastCheckAt,
		src.CreatedAt, src.UpdatedAt,
	)
	return err
}

// Update updates an existing data source.
func (r *PostgresRepository) Update(ctx context.Context, src *DataSource) error {
	query := `
		UPDATE data_sources SET
			name = $2, description = $3,
			conn_type = $4, conn_host = $5, conn_port = $6, conn_database = $7,
			conn_user = $8, conn_secret_ref = $9, conn_base_url = $10,
			conn_freshness_query = $11, conn_volume_query = $12,
			enabled = $13, check_interval_seconds = $14, probe_timeout_seconds = $15, tags = $16,
			status = $17, health_score = $18, last_check_at = $19,
			updated_at = $20
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		src.ID, src.Name, src.Description,
		string(src.Connection.Type), src.Connection.Host, src.Connection.Port,
		src.Connection.Database, src.Connection.User, src.Connection.SecretRef,
		src.Connection.BaseURL, src.Connection.FreshnessQuery, src.Connection.VolumeQuery,
		src.Enabled, int(src.CheckInterval.Seconds()), int(src.ProbeTimeout.Seconds()), src.Tags,
		string(src.Status), src.HealthScore, src.LastCheckAt,
		src.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSourceNotFound
	}
	return nil
}

// Delete deletes a data source by ID.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM data_sources WHERE id = $1`, id)
	return err
}

// SaveCheckResult appends a health check result.
func (r *PostgresRepository) SaveCheckResult(ctx context.Context, result *CheckResult) error {
	query := `
		INSERT INTO health_check_results (
			id, source_id, checked_at, latency_ms, success,
			freshness_age_seconds, volume, has_volume, error, recorded
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	_, err := r.pool.Exec(ctx, query,
		result.ID, result.SourceID, result.CheckedAt, result.Latency.Milliseconds(),
		result.Success, int64(result.FreshnessAge.Seconds()), result.Volume,
		result.HasVolume, result.Error, result.Recorded,
	)
	return err
}

// RecentResults retrieves recorded results within the trailing window, oldest first.
func (r *PostgresRepository) RecentResults(ctx context.Context, sourceID string, window time.Duration) ([]*CheckResult, error) {
	query := `
		SELECT id, source_id, checked_at, latency_ms, success,
		       freshness_age_seconds, volume, has_volume, error, recorded
		FROM health_check_results
		WHERE source_id = $1 AND recorded AND checked_at > now() - $2::interval
		ORDER BY checked_at
	`
	rows, err := r.pool.Query(ctx, query, sourceID, window.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*CheckResult
	for rows.Next() {
		var res CheckResult
		var latencyMillis, freshnessSeconds int64
		err := rows.Scan(
			&res.ID, &res.SourceID, &res.CheckedAt, &latencyMillis, &res.Success,
			&freshnessSeconds, &res.Volume, &res.HasVolume, &res.Error, &res.Recorded,
		)
		if err != nil {
			return nil, err
		}
		res.Latency = time.Duration(latencyMillis) * time.Millisecond
		res.FreshnessAge = time.Duration(freshnessSeconds) * time.Second
		results = append(results, &res)
	}
	return results, rows.Err()
}

func (r *PostgresRepository) scanSource(row pgx.Row) (*DataSource, error) {
	var src DataSource
	var connType, status string
	var intervalSeconds, timeoutSeconds int

	err := row.Scan(
		&src.ID, &src.Name, &src.Description,
		&connType, &src.Connection.Host, &src.Connection.Port,
		&src.Connection.Database, &src.Connection.User, &src.Connection.SecretRef,
		&src.Connection.BaseURL, &src.Connection.FreshnessQuery, &src.Connection.VolumeQuery,
		&src.Enabled, &intervalSeconds, &timeoutSeconds, &src.Tags,
		&status, &src.HealthScore, &src.LastCheckAt,
		&src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSourceNotFound
		}
		return nil, err
	}

	src.Connection.Type = SourceType(connType)
	src.Status = Status(status)
	src.CheckInterval = time.Duration(intervalSeconds) * time.Second
	src.ProbeTimeout = time.Duration(timeoutSeconds) * time.Second
	return &src, nil
}

// Ensure PostgresRepository implements Repository interface.
var _ Repository = (*PostgresRepository)(nil)
