package alert

import (
	"context"
	"time"
)

// ListOptions contains options for listing alert rules.
type ListOptions struct {
	Limit  int
	Cursor string
}

// ListResult contains the results of listing alert rules.
type ListResult struct {
	Items      []*Rule
	NextCursor string
}

// AlertListOptions contains options for listing alerts.
type AlertListOptions struct {
	Status AlertStatus
	RuleID string
	Limit  int
	Cursor string
}

// AlertListResult contains the results of listing alerts.
type AlertListResult struct {
	Items      []*Alert
	NextCursor string
}

// Repository defines the interface for alert rule and alert persistence.
type Repository interface {
	// GetRule retrieves a rule by ID.
	GetRule(ctx context.Context, id string) (*Rule, error)

	// ListRules retrieves rules with pagination.
	ListRules(ctx context.Context, opts ListOptions) (*ListResult, error)

	// ListEnabledRules retrieves all enabled rules.
	ListEnabledRules(ctx context.Context) ([]*Rule, error)

	// CreateRule creates a new rule.
	CreateRule(ctx context.Context, rule *Rule) error

	// UpdateRule updates an existing rule.
	UpdateRule(ctx context.Context, rule *Rule) error

	// DeleteRule deletes a rule by ID.
	DeleteRule(ctx context.Context, id string) error

	// UpdateRuleTriggerStats records a trigger observation against a rule
	// without touching the rest of the rule.
	UpdateRuleTriggerStats(ctx context.Context, ruleID string, triggeredAt time.Time) error

	// GetAlert retrieves an alert by ID.
	GetAlert(ctx context.Context, id string) (*Alert, error)

	// OpenAlertByRule retrieves the open (active or acknowledged) alert for
	// a rule, or ErrNoOpenAlert.
	OpenAlertByRule(ctx context.Context, ruleID string) (*Alert, error)

	// ListOpenAlerts retrieves all open alerts.
	ListOpenAlerts(ctx context.Context) ([]*Alert, error)

	// ListAlerts retrieves alerts with pagination, newest first.
	ListAlerts(ctx context.Context, opts AlertListOptions) (*AlertListResult, error)

	// CreateAlert creates a new alert.
	CreateAlert(ctx context.Context, alert *Alert) error

	// UpdateAlert updates an existing alert.
	UpdateAlert(ctx context.Context, alert *Alert) error

	// AppendHistory appends an audit trail entry.
	AppendHistory(ctx context.Context, entry *HistoryEntry) error

	// HistoryForAlert retrieves the audit trail for an alert, oldest first.
	HistoryForAlert(ctx context.Context, alertID string) ([]*HistoryEntry, error)
}
