// Package alert provides alert rules, rule evaluation and the alert
// lifecycle state machine.
package alert

import (
	"errors"
	"time"
)

// Repository errors.
var (
	ErrRuleNotFound  = errors.New("alert rule not found")
	ErrAlertNotFound = errors.New("alert not found")
	ErrNoOpenAlert   = errors.New("no open alert for rule")

	// ErrOpenAlertExists is returned by CreateAlert when the rule already
	// has an alert in an open status. At most one open alert may exist per
	// rule, and the store is the last line enforcing it.
	ErrOpenAlertExists = errors.New("rule already has an open alert")
)

// ErrInvalidAlertState is returned when a lifecycle command is not allowed
// from the alert's current status.
var ErrInvalidAlertState = errors.New("invalid alert state transition")

// ErrInvalidCondition marks a rule whose condition cannot be evaluated.
// Evaluation for the rule is skipped until the rule is corrected.
var ErrInvalidCondition = errors.New("invalid rule condition")

// ConditionType selects the evaluation strategy for a rule.
type ConditionType string

const (
	ConditionThreshold        ConditionType = "threshold"
	ConditionAnomaly          ConditionType = "anomaly"
	ConditionMissingData      ConditionType = "missing_data"
	ConditionPipelineFailures ConditionType = "pipeline_failures"
)

// Comparator compares a metric against a threshold.
type Comparator string

const (
	CompareGT Comparator = ">"
	CompareGE Comparator = ">="
	CompareLT Comparator = "<"
	CompareLE Comparator = "<="
	CompareEQ Comparator = "=="
)

// Severity orders alerts by urgency. Copied onto alerts at trigger time;
// later rule edits do not retroactively change open alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RuleStatus is a cached projection of whether the rule has an open alert.
type RuleStatus string

const (
	RuleActive    RuleStatus = "active"
	RuleInactive  RuleStatus = "inactive"
	RuleTriggered RuleStatus = "triggered"
)

// AlertStatus is the lifecycle state of an alert. Resolved is terminal.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Verdict is the outcome of evaluating one rule against current signals.
type Verdict int

const (
	NoChange Verdict = iota
	ShouldTrigger
	ShouldClear
)

func (v Verdict) String() string {
	switch v {
	case ShouldTrigger:
		return "should_trigger"
	case ShouldClear:
		return "should_clear"
	default:
		return "no_change"
	}
}

// Condition holds the tagged condition parameters for a rule. Which fields
// apply depends on Type.
type Condition struct {
	Type ConditionType

	// Metric, Comparator and Threshold drive threshold conditions; Metric
	// alone drives anomaly conditions.
	Metric     string
	Comparator Comparator
	Threshold  float64

	// Lookback bounds the signal window for all condition types.
	Lookback time.Duration

	// MinSamples and Sensitivity apply to anomaly conditions. Zero values
	// fall back to engine configuration.
	MinSamples  int
	Sensitivity float64

	// FailureCount applies to pipeline_failures conditions.
	FailureCount int
}

// Rule is an alert rule.
type Rule struct {
	ID          string
	Name        string
	Description string
	Condition   Condition

	Severity Severity
	Channels []string
	Enabled  bool

	// A rule targets either a data source or a pipeline, never both.
	DataSourceID string
	PipelineID   string

	// Cooldown suppresses re-triggering for this long after the previous
	// trigger, measured across the resolve boundary.
	Cooldown time.Duration

	// EscalationWindow overrides the engine default when non-zero.
	EscalationWindow time.Duration

	Status          RuleStatus
	TriggerCount    int
	LastTriggeredAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Alert is one occurrence of a rule's condition holding.
type Alert struct {
	ID       string
	RuleID   string
	RuleName string

	Status   AlertStatus
	Severity Severity
	Message  string

	TriggeredAt    time.Time
	AcknowledgedAt *time.Time
	ResolvedAt     *time.Time
	EscalatedAt    *time.Time

	AcknowledgedBy string
	ResolvedBy     string

	// NotifiedAt is the first successful delivery of the trigger
	// notification. Recovered notifications are only sent for alerts
	// that were actually delivered.
	NotifiedAt *time.Time

	// DeliveryDegraded is set when at least one channel exhausted its
	// delivery retries.
	DeliveryDegraded bool
}

// Open reports whether the alert still counts against the
// one-open-alert-per-rule invariant.
func (a *Alert) Open() bool {
	return a.Status == AlertActive || a.Status == AlertAcknowledged
}

// History actions.
const (
	HistoryTriggered    = "triggered"
	HistoryAcknowledged = "acknowledged"
	HistoryResolved     = "resolved"
	HistoryEscalated    = "escalated"
	HistoryNotification = "notification"
)

// HistoryEntry is one entry in an alert's audit trail, including per-channel
// delivery outcomes.
type HistoryEntry struct {
	ID      string
	AlertID string
	Action  string
	Detail  string

	// Channel and Success are set for notification entries.
	Channel string
	Success *bool

	CreatedAt time.Time
}
