package alert

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
	rules   map[string]*Rule
	alerts  map[string]*Alert
	history map[string][]*HistoryEntry
}

// NewInMemoryRepository creates a new in-memory alert repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		rules:   make(map[string]*Rule),
		alerts:  make(map[string]*Alert),
		history: make(map[string][]*HistoryEntry),
	}
}

// GetRule retrieves a rule by ID.
func (r *InMemoryRepository) GetRule(_ context.Context, id string) (*Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}

	cpy := *rule
	return &cpy, nil
}

// ListRules retrieves rules with pagination.
func (r *InMemoryRepository) ListRules(_ context.Context, opts ListOptions) (*ListResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rules []*Rule
	for _, rule := range r.rules {
		if opts.Cursor != "" && rule.ID <= opts.Cursor {
			continue
		}
		cpy := *rule
		rules = append(rules, &cpy)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	result := &ListResult{Items: rules}
	if len(rules) > limit {
		result.Items = rules[:limit]
		result.NextCursor = rules[limit-1].ID
	}
	return result, nil
}

// ListEnabledRules retrieves all enabled rules.
func (r *InMemoryRepository) ListEnabledRules(_ context.Context) ([]*Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rules []*Rule
	for _, rule := range r.rules {
		if rule.Enabled {
			cpy := *rule
			rules = append(rules, &cpy)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

// CreateRule creates a new rule.
func (r *InMemoryRepository) CreateRule(_ context.Context, rule *Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cpy := *rule
	r.rules[rule.ID] = &cpy
	return nil
}

// UpdateRule updates an existing rule.
func (r *InMemoryRepository) UpdateRule(_ context.Context, rule *Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rules[rule.ID]; !ok {
		return ErrRuleNotFound
	}

	cpy := *rule
	r.rules[rule.ID] = &cpy
	return nil
}

// DeleteRule deletes a rule by ID.
func (r *InMemoryRepository) DeleteRule(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.rules, id)
	return nil
}

// UpdateRuleTriggerStats records a trigger observation against a rule.
func (r *InMemoryRepository) UpdateRuleTriggerStats(_ context.Context, ruleID string, triggeredAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, ok := r.rules[ruleID]
	if !ok {
		return ErrRuleNotFound
	}

	rule.TriggerCount++
	at := triggeredAt
	rule.LastTriggeredAt = &at
	return nil
}

// GetAlert retrieves an alert by ID.
func (r *InMemoryRepository) GetAlert(_ context.Context, id string) (*Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	alert, ok := r.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}

	cpy := *alert
	return &cpy, nil
}

// OpenAlertByRule retrieves the open alert for a rule.
func (r *InMemoryRepository) OpenAlertByRule(_ context.Context, ruleID string) (*Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, alert := range r.alerts {
		if alert.RuleID == ruleID && alert.Open() {
			cpy := *alert
			return &cpy, nil
		}
	}
	return nil, ErrNoOpenAlert
}

// ListOpenAlerts retrieves all open alerts.
func (r *InMemoryRepository) ListOpenAlerts(_ context.Context) ([]*Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var alerts []*Alert
	for _, alert := range r.alerts {
		if alert.Open() {
			cpy := *alert
			alerts = append(alerts, &cpy)
		}
	}
	sortAlertsNewestFirst(alerts)
	return alerts, nil
}

// ListAlerts retrieves alerts with pagination, newest first.
func (r *InMemoryRepository) ListAlerts(_ context.Context, opts AlertListOptions) (*AlertListResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var alerts []*Alert
	for _, alert := range r.alerts {
		if opts.Status != "" && alert.Status != opts.Status {
			continue
		}
		if opts.RuleID != "" && alert.RuleID != opts.RuleID {
			continue
		}
		if opts.Cursor != "" && alert.ID <= opts.Cursor {
			continue
		}
		cpy := *alert
		alerts = append(alerts, &cpy)
	}
	sortAlertsNewestFirst(alerts)

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	result := &AlertListResult{Items: alerts}
	if len(alerts) > limit {
		result.Items = alerts[:limit]
		result.NextCursor = alerts[limit-1].ID
	}
	return result, nil
}

// CreateAlert creates a new alert.
func (r *InMemoryRepository) CreateAlert(_ context.Context, alert *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if alert.Open() {
		for _, existing := range r.alerts {
			if existing.RuleID == alert.RuleID && existing.Open() {
				return ErrOpenAlertExists
			}
		}
	}

	cpy := *alert
	r.alerts[alert.ID] = &cpy
	return nil
}

// UpdateAlert updates an existing alert.
func (r *InMemoryRepository) UpdateAlert(_ context.Context, alert *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.alerts[alert.ID]; !ok {
		return ErrAlertNotFound
	}

	cpy := *alert
	r.alerts[alert.ID] = &cpy
	return nil
}

// AppendHistory appends an audit trail entry.
func (r *InMemoryRepository) AppendHistory(_ context.Context, entry *HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cpy := *entry
	r.history[entry.AlertID] = append(r.history[entry.AlertID], &cpy)
	return nil
}

// HistoryForAlert retrieves the audit trail for an alert, oldest first.
func (r *InMemoryRepository) HistoryForAlert(_ context.Context, alertID string) ([]*HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []*HistoryEntry
	for _, e := range r.history[alertID] {
		cpy := *e
		entries = append(entries, &cpy)
	}
	return entries, nil
}

func sortAlertsNewestFirst(alerts []*Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].TriggeredAt.Equal(alerts[j].TriggeredAt) {
			return alerts[i].ID > alerts[j].ID
		}
		return alerts[i].TriggeredAt.After(alerts[j].TriggeredAt)
	})
}

// Ensure InMemoryRepository implements Repository interface.
var _ Repository = (*InMemoryRepository)(nil)
