package alert

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pipepulse/pipepulse/internal/keylock"
)

// DefaultEscalationWindow is how long a high or critical alert may stay
// unacknowledged before the one-shot escalation fires, unless the rule
// overrides it.
const DefaultEscalationWindow = 30 * time.Minute

// NotificationKind distinguishes the three outbound message types.
type NotificationKind string

const (
	NotifyTriggered NotificationKind = "triggered"
	NotifyEscalated NotificationKind = "escalated"
	NotifyRecovered NotificationKind = "recovered"
)

// Notification is a delivery request handed to the dispatcher. It is a flat
// snapshot: the dispatcher never reads back alert state.
type Notification struct {
	Kind     NotificationKind
	Channels []string

	AlertID  string
	RuleID   string
	RuleName string
	Severity Severity
	Message  string

	TriggeredAt time.Time
}

// Dispatcher queues notifications for asynchronous delivery. Enqueueing
// never blocks the state machine; delivery outcomes come back through
// Lifecycle.RecordDelivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification)
}

// Lifecycle owns the alert state machine. All rule status, trigger stat and
// alert transitions go through it. Transitions are serialised per rule, so
// a scheduled evaluation, a run-completion evaluation and an operator
// command racing on the same rule apply one at a time.
type Lifecycle struct {
	repo       Repository
	dispatcher Dispatcher
	logger     zerolog.Logger
	locks      keylock.Mutex

	escalationWindow time.Duration
	now              func() time.Time
}

// NewLifecycle creates an alert lifecycle manager.
func NewLifecycle(repo Repository, dispatcher Dispatcher, logger zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		repo:             repo,
		dispatcher:       dispatcher,
		logger:           logger,
		escalationWindow: DefaultEscalationWindow,
		now:              time.Now,
	}
}

// SetEscalationWindow overrides the default escalation window.
func (l *Lifecycle) SetEscalationWindow(window time.Duration) {
	if window > 0 {
		l.escalationWindow = window
	}
}

// SetClock overrides the lifecycle clock for tests.
func (l *Lifecycle) SetClock(now func() time.Time) {
	l.now = now
}

// Apply folds an evaluation verdict into the state machine. It returns the
// alert created or resolved by the verdict, or nil when nothing changed.
func (l *Lifecycle) Apply(ctx context.Context, rule *Rule, verdict Verdict, message string) (*Alert, error) {
	l.locks.Lock(rule.ID)
	defer l.locks.Unlock(rule.ID)

	switch verdict {
	case ShouldTrigger:
		return l.applyTrigger(ctx, rule, message)
	case ShouldClear:
		return l.applyClear(ctx, rule)
	default:
		return nil, nil
	}
}

func (l *Lifecycle) applyTrigger(ctx context.Context, rule *Rule, message string) (*Alert, error) {
	now := l.now()

	open, err := l.repo.OpenAlertByRule(ctx, rule.ID)
	if err != nil && !errors.Is(err, ErrNoOpenAlert) {
		return nil, err
	}

	// An open alert suppresses new alerts and notifications; the repeated
	// verdict still counts as a trigger observation for reporting.
	if open != nil {
		return nil, l.repo.UpdateRuleTriggerStats(ctx, rule.ID, now)
	}

	// Cooldown after the previous occurrence resolved.
	if rule.Cooldown > 0 && rule.LastTriggeredAt != nil && now.Sub(*rule.LastTriggeredAt) < rule.Cooldown {
		l.logger.Debug().Str("rule_id", rule.ID).Msg("trigger suppressed by cooldown")
		return nil, nil
	}

	a := &Alert{
		ID:          "alr_" + uuid.New().String()[:22],
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Status:      AlertActive,
		Severity:    rule.Severity,
		Message:     message,
		TriggeredAt: now,
	}

	if err := l.repo.CreateAlert(ctx, a); err != nil {
		// Another writer opened an alert for the rule first; fold this
		// verdict in as a repeated trigger observation.
		if errors.Is(err, ErrOpenAlertExists) {
			return nil, l.repo.UpdateRuleTriggerStats(ctx, rule.ID, now)
		}
		return nil, err
	}
	if err := l.repo.UpdateRuleTriggerStats(ctx, rule.ID, now); err != nil {
		return nil, err
	}

	rule.Status = RuleTriggered
	rule.UpdatedAt = now
	if err := l.repo.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}

	l.appendHistory(ctx, a.ID, HistoryTriggered, message)
	l.dispatch(ctx, NotifyTriggered, rule.Channels, a)

	l.logger.Info().
		Str("alert_id", a.ID).
		Str("rule_id", rule.ID).
		Str("severity", string(a.Severity)).
		Msg("alert triggered")
	return a, nil
}

func (l *Lifecycle) applyClear(ctx context.Context, rule *Rule) (*Alert, error) {
	open, err := l.repo.OpenAlertByRule(ctx, rule.ID)
	if err != nil {
		if errors.Is(err, ErrNoOpenAlert) {
			return nil, nil
		}
		return nil, err
	}
	return l.resolve(ctx, rule, open, "", "condition cleared")
}

// Acknowledge moves an active alert to acknowledged, suppressing escalation.
func (l *Lifecycle) Acknowledge(ctx context.Context, alertID, who string) (*Alert, error) {
	a, err := l.lockAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	defer l.locks.Unlock(a.RuleID)

	if a.Status != AlertActive {
		return nil, ErrInvalidAlertState
	}

	now := l.now()
	a.Status = AlertAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = who

	if err := l.repo.UpdateAlert(ctx, a); err != nil {
		return nil, err
	}
	l.appendHistory(ctx, a.ID, HistoryAcknowledged, "acknowledged by "+who)
	return a, nil
}

// Resolve resolves an open alert on operator command and re-arms the rule.
func (l *Lifecycle) Resolve(ctx context.Context, alertID, who string) (*Alert, error) {
	a, err := l.lockAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	defer l.locks.Unlock(a.RuleID)

	if !a.Open() {
		return nil, ErrInvalidAlertState
	}

	rule, err := l.repo.GetRule(ctx, a.RuleID)
	if err != nil && !errors.Is(err, ErrRuleNotFound) {
		return nil, err
	}
	return l.resolve(ctx, rule, a, who, "resolved by "+who)
}

// resolve is the shared terminal transition. The rule may be nil when it was
// deleted while the alert was open.
func (l *Lifecycle) resolve(ctx context.Context, rule *Rule, a *Alert, who, detail string) (*Alert, error) {
	now := l.now()
	a.Status = AlertResolved
	a.ResolvedAt = &now
	a.ResolvedBy = who

	if err := l.repo.UpdateAlert(ctx, a); err != nil {
		return nil, err
	}
	l.appendHistory(ctx, a.ID, HistoryResolved, detail)

	if rule != nil {
		rule.Status = RuleActive
		rule.UpdatedAt = now
		if err := l.repo.UpdateRule(ctx, rule); err != nil {
			return nil, err
		}

		// Recovered notifications only follow alerts that were actually
		// delivered; silently resolving an undelivered alert stays silent.
		if a.NotifiedAt != nil {
			l.dispatch(ctx, NotifyRecovered, rule.Channels, a)
		}
	}

	l.logger.Info().
		Str("alert_id", a.ID).
		Str("rule_id", a.RuleID).
		Msg("alert resolved")
	return a, nil
}

// CheckEscalations fires the one-shot escalation for unacknowledged high and
// critical alerts past their escalation window.
func (l *Lifecycle) CheckEscalations(ctx context.Context) error {
	open, err := l.repo.ListOpenAlerts(ctx)
	if err != nil {
		return err
	}

	now := l.now()
	for _, a := range open {
		if err := l.escalate(ctx, a.ID, a.RuleID, now); err != nil {
			return err
		}
	}
	return nil
}

// escalate applies the one-shot escalation under the rule's lock, re-reading
// the alert so a concurrent acknowledge or resolve wins.
func (l *Lifecycle) escalate(ctx context.Context, alertID, ruleID string, now time.Time) error {
	l.locks.Lock(ruleID)
	defer l.locks.Unlock(ruleID)

	a, err := l.repo.GetAlert(ctx, alertID)
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			return nil
		}
		return err
	}
	if a.Status != AlertActive || a.EscalatedAt != nil {
		return nil
	}
	if a.Severity != SeverityHigh && a.Severity != SeverityCritical {
		return nil
	}

	rule, err := l.repo.GetRule(ctx, a.RuleID)
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			return nil
		}
		return err
	}

	window := l.escalationWindow
	if rule.EscalationWindow > 0 {
		window = rule.EscalationWindow
	}
	if now.Sub(a.TriggeredAt) < window {
		return nil
	}

	a.EscalatedAt = &now
	if err := l.repo.UpdateAlert(ctx, a); err != nil {
		return err
	}
	l.appendHistory(ctx, a.ID, HistoryEscalated, "unacknowledged past escalation window")
	l.dispatch(ctx, NotifyEscalated, rule.Channels, a)

	l.logger.Warn().
		Str("alert_id", a.ID).
		Str("rule_id", a.RuleID).
		Str("severity", string(a.Severity)).
		Msg("alert escalated")
	return nil
}

// RecordDelivery folds one channel's delivery outcome back onto the alert.
// final marks the channel's retries as exhausted. Delivery outcomes never
// reverse alert state.
func (l *Lifecycle) RecordDelivery(ctx context.Context, alertID string, kind NotificationKind, channel string, success, final bool, detail string) error {
	ok := success
	entry := &HistoryEntry{
		ID:        "hst_" + uuid.New().String()[:22],
		AlertID:   alertID,
		Action:    HistoryNotification,
		Detail:    detail,
		Channel:   channel,
		Success:   &ok,
		CreatedAt: l.now(),
	}
	if err := l.repo.AppendHistory(ctx, entry); err != nil {
		return err
	}

	a, err := l.lockAlert(ctx, alertID)
	if err != nil {
		return err
	}
	defer l.locks.Unlock(a.RuleID)

	changed := false
	if success && kind == NotifyTriggered && a.NotifiedAt == nil {
		now := l.now()
		a.NotifiedAt = &now
		changed = true
	}
	if !success && final && !a.DeliveryDegraded {
		a.DeliveryDegraded = true
		changed = true
	}
	if !changed {
		return nil
	}
	return l.repo.UpdateAlert(ctx, a)
}

// lockAlert takes the alert's per-rule lock and returns the alert re-read
// under it. The caller unlocks l.locks for the returned alert's RuleID.
func (l *Lifecycle) lockAlert(ctx context.Context, alertID string) (*Alert, error) {
	a, err := l.repo.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	ruleID := a.RuleID
	l.locks.Lock(ruleID)
	a, err = l.repo.GetAlert(ctx, alertID)
	if err != nil {
		l.locks.Unlock(ruleID)
		return nil, err
	}
	return a, nil
}

func (l *Lifecycle) appendHistory(ctx context.Context, alertID, action, detail string) {
	entry := &HistoryEntry{
		ID:        "hst_" + uuid.New().String()[:22],
		AlertID:   alertID,
		Action:    action,
		Detail:    detail,
		CreatedAt: l.now(),
	}
	if err := l.repo.AppendHistory(ctx, entry); err != nil {
		l.logger.Error().Err(err).Str("alert_id", alertID).Msg("failed to append alert history")
	}
}

func (l *Lifecycle) dispatch(ctx context.Context, kind NotificationKind, channels []string, a *Alert) {
	if l.dispatcher == nil || len(channels) == 0 {
		return
	}
	l.dispatcher.Dispatch(ctx, Notification{
		Kind:        kind,
		Channels:    channels,
		AlertID:     a.ID,
		RuleID:      a.RuleID,
		RuleName:    a.RuleName,
		Severity:    a.Severity,
		Message:     a.Message,
		TriggeredAt: a.TriggeredAt,
	})
}
