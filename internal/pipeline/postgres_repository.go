package pipeline

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

// NewPostgresRepository creates a new PostgreSQL pipeline repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const pipelineColumns = `
	id, name, description, data_source_id, schedule,
	status, timeout_seconds, retry_attempts, retry_delay_seconds,
	auto_heal_enabled, heal_script, uptime_percentage, tags,
	last_run_at, created_at, updated_at
`

const runColumns = `
	id, pipeline_id, status, started_at, finished_at,
	records_processed, error, manual, created_at
`

// Get retrieves a pipeline by ID.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE id = $1`
	return r.scanPipeline(r.pool.QueryRow(ctx, query, id))
}

// List retrieves pipelines with pagination.
func (r *PostgresRepository) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	// Fetch one extra to determine if there are more results
	fetchLimit := limit + 1

	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE id > $1 ORDER BY id LIMIT $2`
	rows, err := r.pool.Query(ctx, query, opts.Cursor, fetchLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pipelines []*Pipeline
	for rows.Next() {
		p, err := r.scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &ListResult{Items: pipelines}
	if len(pipelines) > limit {
		result.Items = pipelines[:limit]
		result.NextCursor = pipelines[limit-1].ID
	}
	return result, nil
}

// Create creates a new pipeline.
func (r *PostgresRepository) Create(ctx context.Context, p *Pipeline) error {
	query := `
		INSERT INTO pipelines (
			id, name, description, data_source_id, schedule,
			status, timeout_seconds, retry_attempts, retry_delay_seconds,
			auto_heal_enabled, heal_script, uptime_percentage, tags,
			last_run_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`
	_, err := r.pool.Exec(ctx, query,
		p.ID, p.Name, p.Description, p.DataSourceID, p.Schedule,
		string(p.Status), int(p.Timeout.Seconds()), p.RetryAttempts, int(p.RetryDelay.Seconds()),
		p.AutoHealEnabled, p.HealScript, p.UptimePercentage, p.Tags,
		p.LastRunAt, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// Update updates an existing pipeline.
func (r *PostgresRepository) Update(ctx context.Context, p *Pipeline) error {
	query := `
		UPDATE pipelines SET
			name = $2, description = $3, data_source_id = $4, schedule = $5,
			status = $6, timeout_seconds = $7, retry_attempts = $8, retry_delay_seconds = $9,
			auto_heal_enabled = $10, heal_script = $11, uptime_percentage = $12, tags = $13,
			last_run_at = $14, updated_at = $15
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		p.ID, p.Name, p.Description, p.DataSourceID, p.Schedule,
		string(p.Status), int(p.Timeout.Seconds()), p.RetryAttempts, int(p.RetryDelay.Seconds()),
		p.AutoHealEnabled, p.HealScript, p.UptimePercentage, p.Tags,
		p.LastRunAt, p.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPipelineNotFound
	}
	return nil
}

// Delete deletes a pipeline by ID.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	return err
}

// GetRun retrieves a run by ID.
func (r *PostgresRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE id = $1`
	run, err := r.scanRun(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// CreateRun creates a new run.
func (r *PostgresRepository) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO pipeline_runs (
			id, pipeline_id, status, started_at, finished_at,
			records_processed, error, manual, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`
	_, err := r.pool.Exec(ctx, query,
		run.ID, run.PipelineID, string(run.Status), run.StartedAt, run.FinishedAt,
		run.RecordsProcessed, run.Error, run.Manual, run.CreatedAt,
	)
	return err
}

// UpdateRun updates an existing run.
func (r *PostgresRepository) UpdateRun(ctx context.Context, run *Run) error {
	query := `
		UPDATE pipeline_runs SET
			status = $2, started_at = $3, finished_at = $4,
			records_processed = $5, error = $6
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		run.ID, string(run.Status), run.StartedAt, run.FinishedAt,
		run.RecordsProcessed, run.Error,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// RecentRuns retrieves runs created within the trailing window, newest first.
func (r *PostgresRepository) RecentRuns(ctx context.Context, pipelineID string, window time.Duration) ([]*Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM pipeline_runs
		WHERE pipeline_id = $1 AND created_at > now() - $2::interval
		ORDER BY created_at DESC, id DESC
	`
	return r.queryRuns(ctx, query, pipelineID, window.String())
}

// ListRuns retrieves the most recent runs for a pipeline, newest first.
func (r *PostgresRepository) ListRuns(ctx context.Context, pipelineID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + runColumns + `
		FROM pipeline_runs
		WHERE pipeline_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	return r.queryRuns(ctx, query, pipelineID, limit)
}

// SaveHealingAttempt appends a self-healing attempt.
func (r *PostgresRepository) SaveHealingAttempt(ctx context.Context, attempt *HealingAttempt) error {
	query := `
		INSERT INTO healing_attempts (
			id, pipeline_id, run_id, attempt, outcome, detail, attempted_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
	`
	_, err := r.pool.Exec(ctx, query,
		attempt.ID, attempt.PipelineID, attempt.RunID,
		attempt.Attempt, string(attempt.Outcome), attempt.Detail, attempt.AttemptedAt,
	)
	return err
}

// HealingAttemptsForRun retrieves healing attempts for a run in attempt order.
func (r *PostgresRepository) HealingAttemptsForRun(ctx context.Context, runID string) ([]*HealingAttempt, error) {
	query := `
		SELECT id, pipeline_id, run_id, attempt, outcome, detail, attempted_at
		FROM healing_attempts
		WHERE run_id = $1
		ORDER BY attempt
	`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*HealingAttempt
	for rows.Next() {
		var a HealingAttempt
		var outcome string
		err := rows.Scan(&a.ID, &a.PipelineID, &a.RunID, &a.Attempt, &outcome, &a.Detail, &a.AttemptedAt)
		if err != nil {
			return nil, err
		}
		a.Outcome = HealOutcome(outcome)
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

func (r *PostgresRepository) queryRuns(ctx context.Context, query string, args ...any) ([]*Run, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *PostgresRepository) scanPipeline(row pgx.Row) (*Pipeline, error) {
	var p Pipeline
	var status string
	var timeoutSeconds, retryDelaySeconds int

	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.DataSourceID, &p.Schedule,
		&status, &timeoutSeconds, &p.RetryAttempts, &retryDelaySeconds,
		&p.AutoHealEnabled, &p.HealScript, &p.UptimePercentage, &p.Tags,
		&p.LastRunAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPipelineNotFound
		}
		return nil, err
	}

	p.Status = Status(status)
	p.Timeout = time.Duration(timeoutSeconds) * time.Second
	p.RetryDelay = time.Duration(retryDelaySeconds) * time.Second
	return &p, nil
}

func (r *PostgresRepository) scanRun(row pgx.Row) (*Run, error) {
	var run Run
	var status string

	err := row.Scan(
		&run.ID, &run.PipelineID, &status, &run.StartedAt, &run.FinishedAt,
		&run.RecordsProcessed, &run.Error, &run.Manual, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = RunStatus(status)
	return &run, nil
}

// Ensure PostgresRepository implements Repository interface.
var _ Repository = (*PostgresRepository)(nil)
