package alert

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL alert repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const ruleColumns = `
	id, name, description,
	condition_type, metric, comparator, threshold, lookback_seconds,
	min_samples, sensitivity, failure_count,
	severity, channels, enabled, data_source_id, pipeline_id,
	cooldown_seconds, escalation_window_seconds,
	status, trigger_count, last_triggered_at,
	created_at, updated_at
`

const alertColumns = `
	id, rule_id, rule_name, status, severity, message,
	triggered_at, acknowledged_at, resolved_at, escalated_at,
	acknowledged_by, resolved_by, notified_at, delivery_degraded
`

// GetRule retrieves a rule by ID.
func (r *PostgresRepository) GetRule(ctx context.Context, id string) (*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alert_rules WHERE id = $1`
	return r.scanRule(r.pool.QueryRow(ctx, query, id))
}

// ListRules retrieves rules with pagination.
func (r *PostgresRepository) ListRules(ctx context.Context, opts ListOptions) (*ListResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	// Fetch one extra to determine if there are more results
	fetchLimit := limit + 1

	query := `SELECT ` + ruleColumns + ` FROM alert_rules WHERE id > $1 ORDER BY id LIMIT $2`
	rows, err := r.pool.Query(ctx, query, opts.Cursor, fetchLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &ListResult{Items: rules}
	if len(rules) > limit {
		result.Items = rules[:limit]
		result.NextCursor = rules[limit-1].ID
	}
	return result, nil
}

// ListEnabledRules retrieves all enabled rules.
func (r *PostgresRepository) ListEnabledRules(ctx context.Context) ([]*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alert_rules WHERE enabled ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// CreateRule creates a new rule.
func (r *PostgresRepository) CreateRule(ctx context.Context, rule *Rule) error {
	query := `
		INSERT INTO alert_rules (
			id, name, description,
			condition_type, metric, comparator, threshold, lookback_seconds,
			min_samples, sensitivity, failure_count,
			severity, channels, enabled, data_source_id, pipeline_id,
			cooldown_seconds, escalation_window_seconds,
			status, trigger_count, last_triggered_at,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`
	_, err := r.pool.Exec(ctx, query,
		rule.ID, rule.Name, rule.Description,
		string(rule.Condition.Type), rule.Condition.Metric, string(rule.Condition.Comparator),
		rule.Condition.Threshold, int(rule.Condition.Lookback.Seconds()),
		rule.Condition.MinSamples, rule.Condition.Sensitivity, rule.Condition.FailureCount,
		string(rule.Severity), rule.Channels, rule.Enabled, rule.DataSourceID, rule.PipelineID,
		int(rule.Cooldown.Seconds()), int(rule.EscalationWindow.Seconds()),
		string(rule.Status), rule.TriggerCount, rule.LastTriggeredAt,
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// UpdateRule updates an existing rule.
func (r *PostgresRepository) UpdateRule(ctx context.Context, rule *Rule) error {
	query := `
		UPDATE alert_rules SET
			name = $2, description = $3,
			condition_type = $4, metric = $5, comparator = $6, threshold = $7,
			lookback_seconds = $8, min_samples = $9, sensitivity = $10, failure_count = $11,
			severity = $12, channels = $13, enabled = $14,
			cooldown_seconds = $15, escalation_window_seconds = $16,
			status = $17, updated_at = $18
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		rule.ID, rule.Name, rule.Description,
		string(rule.Condition.Type), rule.Condition.Metric, string(rule.Condition.Comparator),
		rule.Condition.Threshold, int(rule.Condition.Lookback.Seconds()),
		rule.Condition.MinSamples, rule.Condition.Sensitivity, rule.Condition.FailureCount,
		string(rule.Severity), rule.Channels, rule.Enabled,
		int(rule.Cooldown.Seconds()), int(rule.EscalationWindow.Seconds()),
		string(rule.Status), rule.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// DeleteRule deletes a rule by ID.
func (r *PostgresRepository) DeleteRule(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	return err
}

// UpdateRuleTriggerStats records a trigger observation against a rule.
func (r *PostgresRepository) UpdateRuleTriggerStats(ctx context.Context, ruleID string, triggeredAt time.Time) error {
	query := `
		UPDATE alert_rules SET trigger_count = trigger_count + 1, last_triggered_at = $2
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, ruleID, triggeredAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// GetAlert retrieves an alert by ID.
func (r *PostgresRepository) GetAlert(ctx context.Context, id string) (*Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`
	alert, err := r.scanAlert(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	return alert, nil
}

// OpenAlertByRule retrieves the open alert for a rule.
func (r *PostgresRepository) OpenAlertByRule(ctx context.Context, ruleID string) (*Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE rule_id = $1 AND status IN ('active', 'acknowledged')
		LIMIT 1
	`
	alert, err := r.scanAlert(r.pool.QueryRow(ctx, query, ruleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoOpenAlert
		}
		return nil, err
	}
	return alert, nil
}

// ListOpenAlerts retrieves all open alerts.
func (r *PostgresRepository) ListOpenAlerts(ctx context.Context) ([]*Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE status IN ('active', 'acknowledged')
		ORDER BY triggered_at DESC, id DESC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectAlerts(rows)
}

// ListAlerts retrieves alerts with pagination, newest first.
func (r *PostgresRepository) ListAlerts(ctx context.Context, opts AlertListOptions) (*AlertListResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	fetchLimit := limit + 1

	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR rule_id = $2)
		  AND ($3 = '' OR id < $3)
		ORDER BY id DESC
		LIMIT $4
	`
	rows, err := r.pool.Query(ctx, query, string(opts.Status), opts.RuleID, opts.Cursor, fetchLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts, err := r.collectAlerts(rows)
	if err != nil {
		return nil, err
	}

	result := &AlertListResult{Items: alerts}
	if len(alerts) > limit {
		result.Items = alerts[:limit]
		result.NextCursor = alerts[limit-1].ID
	}
	return result, nil
}

// CreateAlert creates a new alert. The insert is guarded so a rule never
// gains a second open alert, even across processes; pair it with a partial
// unique index on alerts(rule_id) where status in ('active','acknowledged').
func (r *PostgresRepository) CreateAlert(ctx context.Context, alert *Alert) error {
	query := `
		INSERT INTO alerts (
			id, rule_id, rule_name, status, severity, message,
			triggered_at, acknowledged_at, resolved_at, escalated_at,
			acknowledged_by, resolved_by, notified_at, delivery_degraded
		)
		SELECT $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
		WHERE NOT EXISTS (
			SELECT 1 FROM alerts
			WHERE rule_id = $2 AND status IN ('active', 'acknowledged')
		)
	`
	tag, err := r.pool.Exec(ctx, query,
		alert.ID, alert.RuleID, alert.RuleName, string(alert.Status), string(alert.Severity), alert.Message,
		alert.TriggeredAt, alert.AcknowledgedAt, alert.ResolvedAt, alert.EscalatedAt,
		alert.AcknowledgedBy, alert.ResolvedBy, alert.NotifiedAt, alert.DeliveryDegraded,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOpenAlertExists
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOpenAlertExists
	}
	return nil
}

// UpdateAlert updates an existing alert.
func (r *PostgresRepository) UpdateAlert(ctx context.Context, alert *Alert) error {
	query := `
		UPDATE alerts SET
			status = $2, acknowledged_at = $3, resolved_at = $4, escalated_at = $5,
			acknowledged_by = $6, resolved_by = $7, notified_at = $8, delivery_degraded = $9
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		alert.ID, string(alert.Status), alert.AcknowledgedAt, alert.ResolvedAt, alert.EscalatedAt,
		alert.AcknowledgedBy, alert.ResolvedBy, alert.NotifiedAt, alert.DeliveryDegraded,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// AppendHistory appends an audit trail entry.
func (r *PostgresRepository) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	query := `
		INSERT INTO alert_history (
			id, alert_id, action, detail, channel, success, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
	`
	_, err := r.pool.Exec(ctx, query,
		entry.ID, entry.AlertID, entry.Action, entry.Detail,
		entry.Channel, entry.Success, entry.CreatedAt,
	)
	return err
}

// HistoryForAlert retrieves the audit trail for an alert, oldest first.
func (r *PostgresRepository) HistoryForAlert(ctx context.Context, alertID string) ([]*HistoryEntry, error) {
	query := `
		SELECT id, alert_id, action, detail, channel, success, created_at
		FROM alert_history
		WHERE alert_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.pool.Query(ctx, query, alertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		err := rows.Scan(&e.ID, &e.AlertID, &e.Action, &e.Detail, &e.Channel, &e.Success, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (r *PostgresRepository) collectAlerts(rows pgx.Rows) ([]*Alert, error) {
	var alerts []*Alert
	for rows.Next() {
		alert, err := r.scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func (r *PostgresRepository) scanRule(row pgx.Row) (*Rule, error) {
	var rule Rule
	var conditionType, comparator, severity, status string
	var lookbackSeconds, cooldownSeconds, escalationSeconds int

	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Description,
		&conditionType, &rule.Condition.Metric, &comparator,
		&rule.Condition.Threshold, &lookbackSeconds,
		&rule.Condition.MinSamples, &rule.Condition.Sensitivity, &rule.Condition.FailureCount,
		&severity, &rule.Channels, &rule.Enabled, &rule.DataSourceID, &rule.PipelineID,
		&cooldownSeconds, &escalationSeconds,
		&status, &rule.TriggerCount, &rule.LastTriggeredAt,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}

	rule.Condition.Type = ConditionType(conditionType)
	rule.Condition.Comparator = Comparator(comparator)
	rule.Condition.Lookback = time.Duration(lookbackSeconds) * time.Second
	rule.Severity = Severity(severity)
	rule.Status = RuleStatus(status)
	rule.Cooldown = time.Duration(cooldownSeconds) * time.Second
	rule.EscalationWindow = time.Duration(escalationSeconds) * time.Second
	return &rule, nil
}

func (r *PostgresRepository) scanAlert(row pgx.Row) (*Alert, error) {
	var alert Alert
	var status, severity string

	err := row.Scan(
		&alert.ID, &alert.RuleID, &alert.RuleName, &status, &severity, &alert.Message,
		&alert.TriggeredAt, &alert.AcknowledgedAt, &alert.ResolvedAt, &alert.EscalatedAt,
		&alert.AcknowledgedBy, &alert.ResolvedBy, &alert.NotifiedAt, &alert.DeliveryDegraded,
	)
	if err != nil {
		return nil, err
	}

	alert.Status = AlertStatus(status)
	alert.Severity = Severity(severity)
	return &alert, nil
}

// Ensure PostgresRepository implements Repository interface.
var _ Repository = (*PostgresRepository)(nil)

// isUniqueViolation reports whether err is a unique constraint violation,
// raised by the partial unique index on open alerts when two writers race
// past the insert guard.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
