package models

// AlertRule represents an alert rule configuration.
type AlertRule struct {
	ID                      string     `json:"id"`
	Name                    string     `json:"name"`
	Description             string     `json:"description,omitempty"`
	ConditionType           string     `json:"conditionType"`
	Metric                  string     `json:"metric,omitempty"`
	Comparator              string     `json:"comparator,omitempty"`
	Threshold               float64    `json:"threshold,omitempty"`
	LookbackMinutes         int        `json:"lookbackMinutes"`
	MinSamples              int        `json:"minSamples,omitempty"`
	Sensitivity             float64    `json:"sensitivity,omitempty"`
	FailureCount            int        `json:"failureCount,omitempty"`
	Severity                string     `json:"severity"`
	Channels                []string   `json:"channels"`
	Enabled                 bool       `json:"enabled"`
	DataSourceID            string     `json:"dataSourceId,omitempty"`
	PipelineID              string     `json:"pipelineId,omitempty"`
	CooldownMinutes         int        `json:"cooldownMinutes,omitempty"`
	EscalationWindowMinutes int        `json:"escalationWindowMinutes,omitempty"`
	Status                  string     `json:"status"`
	TriggerCount            int        `json:"triggerCount"`
	LastTriggeredAt         *Timestamp `json:"lastTriggeredAt,omitempty"`
	CreatedAt               Timestamp  `json:"createdAt"`
	UpdatedAt               Timestamp  `json:"updatedAt"`
}

// AlertRuleCreateRequest is the request body for creating an alert rule.
type AlertRuleCreateRequest struct {
	Name                    string   `json:"name" validate:"required"`
	Description             string   `json:"description,omitempty"`
	ConditionType           string   `json:"conditionType" validate:"required,oneof=threshold anomaly missing_data pipeline_failures"`
	Metric                  string   `json:"metric,omitempty"`
	Comparator              string   `json:"comparator,omitempty" validate:"omitempty,oneof=> >= < <= =="`
	Threshold               float64  `json:"threshold,omitempty"`
	LookbackMinutes         int      `json:"lookbackMinutes,omitempty" validate:"omitempty,gte=1"`
	MinSamples              int      `json:"minSamples,omitempty"`
	Sensitivity             float64  `json:"sensitivity,omitempty"`
	FailureCount            int      `json:"failureCount,omitempty"`
	Severity                string   `json:"severity" validate:"required,oneof=low medium high critical"`
	Channels                []string `json:"channels,omitempty"`
	Enabled                 *bool    `json:"enabled,omitempty"`
	DataSourceID            string   `json:"dataSourceId,omitempty"`
	PipelineID              string   `json:"pipelineId,omitempty"`
	CooldownMinutes         int      `json:"cooldownMinutes,omitempty"`
	EscalationWindowMinutes int      `json:"escalationWindowMinutes,omitempty"`
}

// AlertRuleUpdateRequest is the request body for updating an alert rule.
type AlertRuleUpdateRequest struct {
	Name                    *string  `json:"name,omitempty"`
	Description             *string  `json:"description,omitempty"`
	Metric                  *string  `json:"metric,omitempty"`
	Comparator              *string  `json:"comparator,omitempty"`
	Threshold               *float64 `json:"threshold,omitempty"`
	LookbackMinutes         *int     `json:"lookbackMinutes,omitempty"`
	MinSamples              *int     `json:"minSamples,omitempty"`
	Sensitivity             *float64 `json:"sensitivity,omitempty"`
	FailureCount            *int     `json:"failureCount,omitempty"`
	Severity                *string  `json:"severity,omitempty" validate:"omitempty,oneof=low medium high critical"`
	Channels                []string `json:"channels,omitempty"`
	Enabled                 *bool    `json:"enabled,omitempty"`
	CooldownMinutes         *int     `json:"cooldownMinutes,omitempty"`
	EscalationWindowMinutes *int     `json:"escalationWindowMinutes,omitempty"`
}

// PagedAlertRules represents a paginated list of alert rules.
type PagedAlertRules struct {
	Items []AlertRule       `json:"items"`
	Meta  PagedResponseMeta `json:"meta"`
}

// Alert represents an alert instance.
type Alert struct {
	ID               string     `json:"id"`
	RuleID           string     `json:"ruleId"`
	RuleName         string     `json:"ruleName,omitempty"`
	Status           string     `json:"status"`
	Severity         string     `json:"severity"`
	Message          string     `json:"message"`
	TriggeredAt      Timestamp  `json:"triggeredAt"`
	AcknowledgedAt   *Timestamp `json:"acknowledgedAt,omitempty"`
	ResolvedAt       *Timestamp `json:"resolvedAt,omitempty"`
	EscalatedAt      *Timestamp `json:"escalatedAt,omitempty"`
	AcknowledgedBy   string     `json:"acknowledgedBy,omitempty"`
	ResolvedBy       string     `json:"resolvedBy,omitempty"`
	DeliveryDegraded bool       `json:"deliveryDegraded"`
}

// PagedAlerts represents a paginated list of alerts.
type PagedAlerts struct {
	Items []Alert           `json:"items"`
	Meta  PagedResponseMeta `json:"meta"`
}

// AlertHistoryEntry represents one entry in an alert's audit trail.
type AlertHistoryEntry struct {
	ID        string    `json:"id"`
	AlertID   string    `json:"alertId"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	Success   *bool     `json:"success,omitempty"`
	CreatedAt Timestamp `json:"createdAt"`
}
