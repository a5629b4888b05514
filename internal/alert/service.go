package alert

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pipepulse/pipepulse/internal/api/models"
)

// Validation constants.
const (
	MaxNameLength        = 120
	MaxDescriptionLength = 500
)

var validChannels = map[string]bool{
	"email":   true,
	"slack":   true,
	"sms":     true,
	"webhook": true,
	"log":     true,
}

// Service provides alert rule management and the alert command surface.
// State transitions are delegated to the lifecycle manager so that the API
// and the evaluation engine share one state machine.
type Service struct {
	repo      Repository
	lifecycle *Lifecycle
	now       func() time.Time
}

// NewService creates a new alert service.
func NewService(repo Repository, lifecycle *Lifecycle) *Service {
	return &Service{repo: repo, lifecycle: lifecycle, now: time.Now}
}

// SetClock overrides the service clock for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// ListRules retrieves alert rules with cursor pagination.
func (s *Service) ListRules(ctx context.Context, limit int, cursor string) (*models.PagedAlertRules, error) {
	result, err := s.repo.ListRules(ctx, ListOptions{Limit: limit, Cursor: cursor})
	if err != nil {
		return nil, err
	}

	items := make([]models.AlertRule, 0, len(result.Items))
	for _, rule := range result.Items {
		items = append(items, s.toAPIRule(rule))
	}

	var nextCursor *string
	if result.NextCursor != "" {
		nextCursor = &result.NextCursor
	}

	return &models.PagedAlertRules{
		Items: items,
		Meta: models.PagedResponseMeta{
			Limit:      limit,
			NextCursor: nextCursor,
		},
	}, nil
}

// GetRule retrieves an alert rule by ID.
func (s *Service) GetRule(ctx context.Context, id string) (*models.AlertRule, error) {
	rule, err := s.repo.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}

	result := s.toAPIRule(rule)
	return &result, nil
}

// CreateRule creates a new alert rule.
func (s *Service) CreateRule(ctx context.Context, input *models.AlertRuleCreateRequest) (*models.AlertRule, error) {
	if fieldErrors := s.validateCreateInput(input); len(fieldErrors) > 0 {
		return nil, &ValidationError{Errors: fieldErrors}
	}

	now := s.now()

	enabled := true
	if input.Enabled != nil {
		enabled = *input.Enabled
	}

	// The log channel always has a registered notifier, so a rule created
	// without channels still produces visible alerts out of the box.
	channels := input.Channels
	if len(channels) == 0 {
		channels = []string{"log"}
	}

	rule := &Rule{
		ID:          "rul_" + uuid.New().String()[:22],
		Name:        input.Name,
		Description: input.Description,
		Condition: Condition{
			Type:         ConditionType(input.ConditionType),
			Metric:       input.Metric,
			Comparator:   Comparator(input.Comparator),
			Threshold:    input.Threshold,
			Lookback:     time.Duration(input.LookbackMinutes) * time.Minute,
			MinSamples:   input.MinSamples,
			Sensitivity:  input.Sensitivity,
			FailureCount: input.FailureCount,
		},
		Severity:         Severity(input.Severity),
		Channels:         channels,
		Enabled:          enabled,
		DataSourceID:     input.DataSourceID,
		PipelineID:       input.PipelineID,
		Cooldown:         time.Duration(input.CooldownMinutes) * time.Minute,
		EscalationWindow: time.Duration(input.EscalationWindowMinutes) * time.Minute,
		Status:           RuleActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if !enabled {
		rule.Status = RuleInactive
	}

	if err := s.repo.CreateRule(ctx, rule); err != nil {
		return nil, err
	}

	result := s.toAPIRule(rule)
	return &result, nil
}

// UpdateRule updates an existing alert rule. The condition type and target
// are immutable; recreate the rule to change them.
func (s *Service) UpdateRule(ctx context.Context, id string, input *models.AlertRuleUpdateRequest) (*models.AlertRule, error) {
	rule, err := s.repo.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}

	if fieldErrors := s.validateUpdateInput(input); len(fieldErrors) > 0 {
		return nil, &ValidationError{Errors: fieldErrors}
	}

	if input.Name != nil {
		rule.Name = *input.Name
	}
	if input.Description != nil {
		rule.Description = *input.Description
	}
	if input.Metric != nil {
		rule.Condition.Metric = *input.Metric
	}
	if input.Comparator != nil {
		rule.Condition.Comparator = Comparator(*input.Comparator)
	}
	if input.Threshold != nil {
		rule.Condition.Threshold = *input.Threshold
	}
	if input.LookbackMinutes != nil {
		rule.Condition.Lookback = time.Duration(*input.LookbackMinutes) * time.Minute
	}
	if input.MinSamples != nil {
		rule.Condition.MinSamples = *input.MinSamples
	}
	if input.Sensitivity != nil {
		rule.Condition.Sensitivity = *input.Sensitivity
	}
	if input.FailureCount != nil {
		rule.Condition.FailureCount = *input.FailureCount
	}
	if input.Severity != nil {
		rule.Severity = Severity(*input.Severity)
	}
	if input.Channels != nil {
		rule.Channels = input.Channels
	}
	if input.Enabled != nil {
		rule.Enabled = *input.Enabled
		if !rule.Enabled {
			rule.Status = RuleInactive
		} else if rule.Status == RuleInactive {
			rule.Status = RuleActive
		}
	}
	if input.CooldownMinutes != nil {
		rule.Cooldown = time.Duration(*input.CooldownMinutes) * time.Minute
	}
	if input.EscalationWindowMinutes != nil {
		rule.EscalationWindow = time.Duration(*input.EscalationWindowMinutes) * time.Minute
	}
	rule.UpdatedAt = s.now()

	if err := s.repo.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}

	result := s.toAPIRule(rule)
	return &result, nil
}

// DeleteRule deletes an alert rule by ID.
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	if _, err := s.repo.GetRule(ctx, id); err != nil {
		return err
	}
	return s.repo.DeleteRule(ctx, id)
}

// EnabledRules returns the domain records of every enabled rule. The
// evaluation engine schedules evaluation from this set.
func (s *Service) EnabledRules(ctx context.Context) ([]*Rule, error) {
	return s.repo.ListEnabledRules(ctx)
}

// Rule returns the domain record for a rule.
func (s *Service) Rule(ctx context.Context, id string) (*Rule, error) {
	return s.repo.GetRule(ctx, id)
}

// OpenAlert returns the rule's open alert, or ErrNoOpenAlert.
func (s *Service) OpenAlert(ctx context.Context, ruleID string) (*Alert, error) {
	return s.repo.OpenAlertByRule(ctx, ruleID)
}

// ListAlerts retrieves alerts with optional status and rule filters.
func (s *Service) ListAlerts(ctx context.Context, status, ruleID string, limit int, cursor string) (*models.PagedAlerts, error) {
	result, err := s.repo.ListAlerts(ctx, AlertListOptions{
		Status: AlertStatus(status),
		RuleID: ruleID,
		Limit:  limit,
		Cursor: cursor,
	})
	if err != nil {
		return nil, err
	}

	items := make([]models.Alert, 0, len(result.Items))
	for _, a := range result.Items {
		items = append(items, s.toAPIAlert(a))
	}

	var nextCursor *string
	if result.NextCursor != "" {
		nextCursor = &result.NextCursor
	}

	return &models.PagedAlerts{
		Items: items,
		Meta: models.PagedResponseMeta{
			Limit:      limit,
			NextCursor: nextCursor,
		},
	}, nil
}

// GetAlert retrieves an alert by ID.
func (s *Service) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	a, err := s.repo.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}

	result := s.toAPIAlert(a)
	return &result, nil
}

// Acknowledge acknowledges an active alert.
func (s *Service) Acknowledge(ctx context.Context, alertID, who string) (*models.Alert, error) {
	a, err := s.lifecycle.Acknowledge(ctx, alertID, who)
	if err != nil {
		return nil, err
	}

	result := s.toAPIAlert(a)
	return &result, nil
}

// Resolve resolves an open alert.
func (s *Service) Resolve(ctx context.Context, alertID, who string) (*models.Alert, error) {
	a, err := s.lifecycle.Resolve(ctx, alertID, who)
	if err != nil {
		return nil, err
	}

	result := s.toAPIAlert(a)
	return &result, nil
}

// History retrieves an alert's audit trail, oldest first.
func (s *Service) History(ctx context.Context, alertID string) ([]models.AlertHistoryEntry, error) {
	if _, err := s.repo.GetAlert(ctx, alertID); err != nil {
		return nil, err
	}

	entries, err := s.repo.HistoryForAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	out := make([]models.AlertHistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, models.AlertHistoryEntry{
			ID:        e.ID,
			AlertID:   e.AlertID,
			Action:    e.Action,
			Detail:    e.Detail,
			Channel:   e.Channel,
			Success:   e.Success,
			CreatedAt: models.Timestamp(e.CreatedAt),
		})
	}
	return out, nil
}

// validateCreateInput validates the create alert rule input.
func (s *Service) validateCreateInput(input *models.AlertRuleCreateRequest) []models.FieldError {
	var errs []models.FieldError

	if input.Name == "" {
		errs = append(errs, models.FieldError{Field: "name", Message: "is required"})
	} else if len(input.Name) > MaxNameLength {
		errs = append(errs, models.FieldError{Field: "name", Message: "must be at most 120 characters"})
	}

	if len(input.Description) > MaxDescriptionLength {
		errs = append(errs, models.FieldError{Field: "description", Message: "must be at most 500 characters"})
	}

	switch ConditionType(input.ConditionType) {
	case ConditionThreshold:
		if input.Metric == "" {
			errs = append(errs, models.FieldError{Field: "metric", Message: "is required for threshold conditions"})
		}
		errs = append(errs, s.validateComparator(input.Comparator, true)...)
	case ConditionAnomaly:
		if input.Metric == "" {
			errs = append(errs, models.FieldError{Field: "metric", Message: "is required for anomaly conditions"})
		}
		if input.Sensitivity < 0 {
			errs = append(errs, models.FieldError{Field: "sensitivity", Message: "must not be negative"})
		}
		if input.MinSamples < 0 {
			errs = append(errs, models.FieldError{Field: "minSamples", Message: "must not be negative"})
		}
	case ConditionMissingData:
		if input.LookbackMinutes <= 0 {
			errs = append(errs, models.FieldError{Field: "lookbackMinutes", Message: "is required for missing_data conditions"})
		}
	case ConditionPipelineFailures:
		if input.PipelineID == "" {
			errs = append(errs, models.FieldError{Field: "pipelineId", Message: "is required for pipeline_failures conditions"})
		}
		if input.FailureCount < 0 {
			errs = append(errs, models.FieldError{Field: "failureCount", Message: "must not be negative"})
		}
	default:
		errs = append(errs, models.FieldError{Field: "conditionType", Message: "must be one of threshold, anomaly, missing_data, pipeline_failures"})
	}

	switch Severity(input.Severity) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		errs = append(errs, models.FieldError{Field: "severity", Message: "must be one of low, medium, high, critical"})
	}

	errs = append(errs, s.validateChannels(input.Channels)...)

	if input.DataSourceID != "" && input.PipelineID != "" {
		errs = append(errs, models.FieldError{Field: "dataSourceId", Message: "a rule targets either a data source or a pipeline, not both"})
	}

	if input.LookbackMinutes < 0 {
		errs = append(errs, models.FieldError{Field: "lookbackMinutes", Message: "must not be negative"})
	}
	if input.CooldownMinutes < 0 {
		errs = append(errs, models.FieldError{Field: "cooldownMinutes", Message: "must not be negative"})
	}
	if input.EscalationWindowMinutes < 0 {
		errs = append(errs, models.FieldError{Field: "escalationWindowMinutes", Message: "must not be negative"})
	}

	return errs
}

// validateUpdateInput validates the update alert rule input.
func (s *Service) validateUpdateInput(input *models.AlertRuleUpdateRequest) []models.FieldError {
	var errs []models.FieldError

	if input.Name != nil {
		if *input.Name == "" {
			errs = append(errs, models.FieldError{Field: "name", Message: "cannot be empty"})
		} else if len(*input.Name) > MaxNameLength {
			errs = append(errs, models.FieldError{Field: "name", Message: "must be at most 120 characters"})
		}
	}

	if input.Description != nil && len(*input.Description) > MaxDescriptionLength {
		errs = append(errs, models.FieldError{Field: "description", Message: "must be at most 500 characters"})
	}

	if input.Comparator != nil {
		errs = append(errs, s.validateComparator(*input.Comparator, false)...)
	}

	if input.Severity != nil {
		switch Severity(*input.Severity) {
		case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		default:
			errs = append(errs, models.FieldError{Field: "severity", Message: "must be one of low, medium, high, critical"})
		}
	}

	if input.Channels != nil {
		errs = append(errs, s.validateChannels(input.Channels)...)
	}

	if input.LookbackMinutes != nil && *input.LookbackMinutes < 0 {
		errs = append(errs, models.FieldError{Field: "lookbackMinutes", Message: "must not be negative"})
	}
	if input.CooldownMinutes != nil && *input.CooldownMinutes < 0 {
		errs = append(errs, models.FieldError{Field: "cooldownMinutes", Message: "must not be negative"})
	}
	if input.EscalationWindowMinutes != nil && *input.EscalationWindowMinutes < 0 {
		errs = append(errs, models.FieldError{Field: "escalationWindowMinutes", Message: "must not be negative"})
	}

	return errs
}

func (s *Service) validateComparator(comparator string, required bool) []models.FieldError {
	if comparator == "" {
		if required {
			return []models.FieldError{{Field: "comparator", Message: "is required for threshold conditions"}}
		}
		return nil
	}
	switch Comparator(comparator) {
	case CompareGT, CompareGE, CompareLT, CompareLE, CompareEQ:
		return nil
	default:
		return []models.FieldError{{Field: "comparator", Message: "must be one of >, >=, <, <=, =="}}
	}
}

func (s *Service) validateChannels(channels []string) []models.FieldError {
	for _, ch := range channels {
		if !validChannels[ch] {
			return []models.FieldError{{Field: "channels", Message: "must contain only email, slack, sms, webhook, log"}}
		}
	}
	return nil
}

// toAPIRule converts a domain Rule to an API AlertRule.
func (s *Service) toAPIRule(rule *Rule) models.AlertRule {
	return models.AlertRule{
		ID:                      rule.ID,
		Name:                    rule.Name,
		Description:             rule.Description,
		ConditionType:           string(rule.Condition.Type),
		Metric:                  rule.Condition.Metric,
		Comparator:              string(rule.Condition.Comparator),
		Threshold:               rule.Condition.Threshold,
		LookbackMinutes:         int(rule.Condition.Lookback / time.Minute),
		MinSamples:              rule.Condition.MinSamples,
		Sensitivity:             rule.Condition.Sensitivity,
		FailureCount:            rule.Condition.FailureCount,
		Severity:                string(rule.Severity),
		Channels:                rule.Channels,
		Enabled:                 rule.Enabled,
		DataSourceID:            rule.DataSourceID,
		PipelineID:              rule.PipelineID,
		CooldownMinutes:         int(rule.Cooldown / time.Minute),
		EscalationWindowMinutes: int(rule.EscalationWindow / time.Minute),
		Status:                  string(rule.Status),
		TriggerCount:            rule.TriggerCount,
		LastTriggeredAt:         models.TimestampPtr(rule.LastTriggeredAt),
		CreatedAt:               models.Timestamp(rule.CreatedAt),
		UpdatedAt:               models.Timestamp(rule.UpdatedAt),
	}
}

// toAPIAlert converts a domain Alert to an API Alert.
func (s *Service) toAPIAlert(a *Alert) models.Alert {
	return models.Alert{
		ID:               a.ID,
		RuleID:           a.RuleID,
		RuleName:         a.RuleName,
		Status:           string(a.Status),
		Severity:         string(a.Severity),
		Message:          a.Message,
		TriggeredAt:      models.Timestamp(a.TriggeredAt),
		AcknowledgedAt:   models.TimestampPtr(a.AcknowledgedAt),
		ResolvedAt:       models.TimestampPtr(a.ResolvedAt),
		EscalatedAt:      models.TimestampPtr(a.EscalatedAt),
		AcknowledgedBy:   a.AcknowledgedBy,
		ResolvedBy:       a.ResolvedBy,
		DeliveryDegraded: a.DeliveryDegraded,
	}
}

// ValidationError represents validation errors.
type ValidationError struct {
	Errors []models.FieldError
}

func (e *ValidationError) Error() string {
	return "validation failed"
}
