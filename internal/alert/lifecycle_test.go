package alert_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipepulse/pipepulse/internal/alert"
)

// recordingDispatcher captures dispatched notifications.
type recordingDispatcher struct {
	mu   sync.Mutex
	sent []alert.Notification
}

func (d *recordingDispatcher) Dispatch(_ context.Context, n alert.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, n)
}

func (d *recordingDispatcher) byKind(kind alert.NotificationKind) []alert.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []alert.Notification
	for _, n := range d.sent {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func newLifecycle(t *testing.T) (*alert.Lifecycle, *alert.InMemoryRepository, *recordingDispatcher) {
	t.Helper()
	repo := alert.NewInMemoryRepository()
	dispatcher := &recordingDispatcher{}
	lc := alert.NewLifecycle(repo, dispatcher, zerolog.Nop())
	return lc, repo, dispatcher
}

func seedRule(t *testing.T, repo *alert.InMemoryRepository, rule *alert.Rule) *alert.Rule {
	t.Helper()
	if rule.Status == "" {
		rule.Status = alert.RuleActive
	}
	if err := repo.CreateRule(context.Background(), rule); err != nil {
		t.Fatalf("failed to seed rule: %v", err)
	}
	return rule
}

func freshnessRule() *alert.Rule {
	return &alert.Rule{
		ID:       "rul_fresh",
		Name:     "stale orders feed",
		Severity: alert.SeverityHigh,
		Channels: []string{"email", "slack"},
		Enabled:  true,
		Condition: alert.Condition{
			Type:       alert.ConditionThreshold,
			Metric:     "freshness_age_hours",
			Comparator: alert.CompareGT,
			Threshold:  24,
			Lookback:   time.Hour,
		},
	}
}

func TestLifecycle_TriggerCreatesOneAlert(t *testing.T) {
	lc, repo, dispatcher := newLifecycle(t)
	ctx := context.Background()
	rule := seedRule(t, repo, freshnessRule())

	a, err := lc.Apply(ctx, rule, alert.ShouldTrigger, "freshness above 24h")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if a == nil {
		t.Fatal("expected a new alert")
	}
	if a.Status != alert.AlertActive {
		t.Errorf("expected active alert, got %q", a.Status)
	}
	if a.Severity != alert.SeverityHigh {
		t.Errorf("expected severity copied from rule, got %q", a.Severity)
	}

	stored, err := repo.GetRule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
	if stored.Status != alert.RuleTriggered {
		t.Errorf("expected rule status triggered, got %q", stored.Status)
	}
	if stored.TriggerCount != 1 {
		t.Errorf("expected trigger count 1, got %d", stored.TriggerCount)
	}
	if stored.LastTriggeredAt == nil {
		t.Error("expected lastTriggeredAt to be set")
	}

	if got := len(dispatcher.byKind(alert.NotifyTriggered)); got != 1 {
		t.Errorf("expected 1 triggered notification, got %d", got)
	}
}

func TestLifecycle_RepeatedTriggerIsSuppressed(t *testing.T) {
	lc, repo, dispatcher := newLifecycle(t)
	ctx := context.Background()
	rule := seedRule(t, repo, freshnessRule())

	if _, err := lc.Apply(ctx, rule, alert.ShouldTrigger, "still broken"); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		a, err := lc.Apply(ctx, rule, alert.ShouldTrigger, "still broken")
		if err != nil {
			t.Fatalf("apply failed: %v", err)
		}
		if a != nil {
			t.Fatal("expected repeated trigger to be a no-op on alert state")
		}
	}

	open, err := repo.ListOpenAlerts(ctx)
	if err != nil {
		t.Fatalf("failed to list open alerts: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected exactly 1 open alert, got %d", len(open))
	}

	stored, err := repo.GetRule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
	if stored.TriggerCount != 4 {
		t.Errorf("expected trigger count 4 (still broken is counted), got %d", stored.TriggerCount)
	}

	if got := len(dispatcher.byKind(alert.NotifyTriggered)); got != 1 {
		t.Errorf("expected no duplicate notifications, got %d", got)
	}
}

func TestLifecycle_ClearResolvesAndRearms(t *testing.T) {
	lc, repo, dispatcher := newLifecycle(t)
	ctx := context.Background()
	rule := seedRule(t, repo, freshnessRule())

	created, err := lc.Apply(ctx, rule, alert.ShouldTrigger, "freshness above 24h")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// First delivery succeeded, so recovery is announced later.
	if err := lc.RecordDelivery(ctx, created.ID, alert.NotifyTriggered, "email", true, false, ""); err != nil {
		t.Fatalf("record delivery failed: %v", err)
	}

	resolved, err := lc.Apply(ctx, rule, alert.ShouldClear, "")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if resolved == nil || resolved.Status != alert.AlertResolved {
		t.Fatalf("expected resolved alert, got %+v", resolved)
	}
	if resolved.ResolvedAt == nil {
		t.Error("expected resolvedAt to be set")
	}

	stored, err := repo.GetRule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
	if stored.Status != alert.RuleActive {
		t.Errorf("expected rule re-armed, got %q", stored.Status)
	}

	if got := len(dispatcher.byKind(alert.NotifyRecovered)); got != 1 {
		t.Errorf("expected 1 recovered notification, got %d", got)
	}

	// Clearing again with no open alert is a no-op.
	again, err := lc.Apply(ctx, rule, alert.ShouldClear, "")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if again != nil {
		t.Error("expected no-op clear with no open alert")
	}
}

func TestLifecycle_NoRecoveredNotificationWithoutDelivery(t *testing.T) {
	lc, repo, dispatcher := newLifecycle(t)
	ctx := context.Background()
	rule := seedRule(t, repo, freshnessRule())

	if _, err := lc.Apply(ctx, rule, alert.ShouldTrigger, "broken"); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	// The trigger notification never got through.
	if _, err := lc.Apply(ctx, rule, alert.ShouldClear, ""); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if got := len(dispatcher.byKind(alert.NotifyRecovered)); got != 0 {
		t.Errorf("expected no recovered notification for undelivered alert, got %d", got)
	}
}

func TestLifecycle_AcknowledgeAndResolve(t *testing.T) {
	lc, repo, _ := newLifecycle(t)
	ctx := context.Background()
	rule := seedRule(t, repo, freshnessRule())

	created, err := lc.Apply(ctx, rule, alert.ShouldTrigger, "broken")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	acked, err := lc.Acknowledge(ctx, created.ID, "ops@pipepulse.io")
	if err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	if acked.Status != alert.AlertAcknowledged {
		t.Errorf("expected acknowledged status, got %q", acked.Status)
	}
	if acked.AcknowledgedBy != "ops@pipepulse.io" {
		t.Errorf("expected acknowledgedBy to be recorded, got %q", acked.AcknowledgedBy)
	}

	// Double acknowledge is rejected.
	if _, err := lc.Acknowledge(ctx, created.ID, "ops@pipepulse.io"); !errors.Is(err, alert.ErrInvalidAlertState) {
		t.Errorf("expected ErrInvalidAlertState, got %v", err)
	}

	resolved, err := lc.Resolve(ctx, created.ID, "ops@pipepulse.io")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.Status != alert.AlertResolved {
		t.Errorf("expected resolved status, got %q", resolved.Status)
	}

	// Resolved is terminal.
	if _, err := lc.Resolve(ctx, created.ID, "ops@pipepulse.io"); !errors.Is(err, alert.ErrInvalidAlertState) {
		t.Errorf("expected ErrInvalidAlertState, got %v", err)
	}
}

func TestLifecycle_Cooldown(t *testing.T) {
	lc, repo, _ := newLifecycle(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lc.SetClock(func() time.Time { return now })

	rule := freshnessRule()
	rule.Cooldown = 10 * time.Minute
	seedRule(t, repo, rule)

	created, err := lc.Apply(ctx, rule, alert.ShouldTrigger, "broken")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if created == nil {
		t.Fatal("expected alert")
	}

	now = now.Add(time.Minute)
	if _, err := lc.Apply(ctx, rule, alert.ShouldClear, ""); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// Inside the cooldown the rule stays quiet.
	now = now.Add(time.Minute)
	rearmed, err := repo.GetRule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
	suppressed, err := lc.Apply(ctx, rearmed, alert.ShouldTrigger, "broken again")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if suppressed != nil {
		t.Error("expected trigger inside cooldown to be suppressed")
	}

	// Past the cooldown it fires again.
	now = now.Add(15 * time.Minute)
	retriggered, err := lc.Apply(ctx, rearmed, alert.ShouldTrigger, "broken again")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if retriggered == nil {
		t.Error("expected trigger after cooldown")
	}
}

func TestLifecycle_Escalation(t *testing.T) {
	lc, repo, dispatcher := newLifecycle(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lc.SetClock(func() time.Time { return now })
	lc.SetEscalationWindow(30 * time.Minute)

	rule := seedRule(t, repo, freshnessRule())

	created, err := lc.Apply(ctx, rule, alert.ShouldTrigger, "broken")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// Inside the window: nothing.
	now = now.Add(10 * time.Minute)
	if err := lc.CheckEscalations(ctx); err != nil {
		t.Fatalf("check escalations failed: %v", err)
	}
	if got := len(dispatcher.byKind(alert.NotifyEscalated)); got != 0 {
		t.Fatalf("expected no escalation inside window, got %d", got)
	}

	// Past the window: exactly one escalation, ever.
	now = now.Add(25 * time.Minute)
	for i := 0; i < 3; i++ {
		if err := lc.CheckEscalations(ctx); err != nil {
			t.Fatalf("check escalations failed: %v", err)
		}
	}
	if got := len(dispatcher.byKind(alert.NotifyEscalated)); got != 1 {
		t.Errorf("expected one-shot escalation, got %d", got)
	}

	stored, err := repo.GetAlert(ctx, created.ID)
	if err != nil {
		t.Fatalf("failed to load alert: %v", err)
	}
	if stored.EscalatedAt == nil {
		t.Error("expected escalatedAt to be set")
	}
}

func TestLifecycle_AcknowledgedAlertIsNotEscalated(t *testing.T) {
	lc, repo, dispatcher := newLifecycle(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lc.SetClock(func() time.Time { return now })

	rule := seedRule(t, repo, freshnessRule())
	created, err := lc.Apply(ctx, rule, alert.ShouldTrigger, "broken")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := lc.Acknowledge(ctx, created.ID, "ops"); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if err := lc.CheckEscalations(ctx); err != nil {
		t.Fatalf("check escalations failed: %v", err)
	}
	if got := len(dispatcher.byKind(alert.NotifyEscalated)); got != 0 {
		t.Errorf("expected acknowledgment to suppress escalation, got %d", got)
	}
}

func TestLifecycle_LowSeverityIsNotEscalated(t *testing.T) {
	lc, repo, dispatcher := newLifecycle(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lc.SetClock(func() time.Time { return now })

	rule := freshnessRule()
	rule.ID = "rul_low"
	rule.Severity = alert.SeverityLow
	seedRule(t, repo, rule)

	if _, err := lc.Apply(ctx, rule, alert.ShouldTrigger, "broken"); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if err := lc.CheckEscalations(ctx); err != nil {
		t.Fatalf("check escalations failed: %v", err)
	}
	if got := len(dispatcher.byKind(alert.NotifyEscalated)); got != 0 {
		t.Errorf("expected low severity to never escalate, got %d", got)
	}
}

func TestLifecycle_DeliveryFailureDoesNotRollBackState(t *testing.T) {
	lc, repo, _ := newLifecycle(t)
	ctx := context.Background()
	rule := seedRule(t, repo, freshnessRule())

	created, err := lc.Apply(ctx, rule, alert.ShouldTrigger, "broken")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if err := lc.RecordDelivery(ctx, created.ID, alert.NotifyTriggered, "slack", false, true, "webhook 500"); err != nil {
		t.Fatalf("record delivery failed: %v", err)
	}

	stored, err := repo.GetAlert(ctx, created.ID)
	if err != nil {
		t.Fatalf("failed to load alert: %v", err)
	}
	if stored.Status != alert.AlertActive {
		t.Errorf("expected alert to stay active after delivery failure, got %q", stored.Status)
	}
	if !stored.DeliveryDegraded {
		t.Error("expected delivery degraded marker")
	}

	history, err := repo.HistoryForAlert(ctx, created.ID)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	var notificationEntries int
	for _, e := range history {
		if e.Action == alert.HistoryNotification {
			notificationEntries++
			if e.Channel != "slack" {
				t.Errorf("expected channel slack, got %q", e.Channel)
			}
			if e.Success == nil || *e.Success {
				t.Error("expected failed delivery entry")
			}
		}
	}
	if notificationEntries != 1 {
		t.Errorf("expected 1 notification history entry, got %d", notificationEntries)
	}
}

func TestLifecycle_ConcurrentTriggerCreatesOneAlert(t *testing.T) {
	lc, repo, dispatcher := newLifecycle(t)
	ctx := context.Background()
	seedRule(t, repo, freshnessRule())

	// Scheduled evaluations, run-completion evaluations and the heal
	// exhaustion path can all reach the same rule at once; exactly one of
	// them may open the alert.
	const writers = 16
	var wg sync.WaitGroup
	var created atomic.Int64
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rule, err := repo.GetRule(ctx, "rul_fresh")
			if err != nil {
				t.Errorf("failed to load rule: %v", err)
				return
			}
			a, err := lc.Apply(ctx, rule, alert.ShouldTrigger, "freshness above 24h")
			if err != nil {
				t.Errorf("apply failed: %v", err)
				return
			}
			if a != nil {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := created.Load(); got != 1 {
		t.Errorf("expected exactly 1 alert created, got %d", got)
	}

	open, err := repo.ListOpenAlerts(ctx)
	if err != nil {
		t.Fatalf("failed to list open alerts: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected exactly 1 open alert, got %d", len(open))
	}

	if got := len(dispatcher.byKind(alert.NotifyTriggered)); got != 1 {
		t.Errorf("expected 1 triggered notification, got %d", got)
	}

	stored, err := repo.GetRule(ctx, "rul_fresh")
	if err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
	if stored.TriggerCount != writers {
		t.Errorf("expected all %d triggers counted, got %d", writers, stored.TriggerCount)
	}
}

func TestLifecycle_EscalationLosesToConcurrentAcknowledge(t *testing.T) {
	lc, repo, dispatcher := newLifecycle(t)
	ctx := context.Background()

	base := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)
	now := base
	lc.SetClock(func() time.Time { return now })

	rule := seedRule(t, repo, freshnessRule())
	created, err := lc.Apply(ctx, rule, alert.ShouldTrigger, "freshness above 24h")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	now = base.Add(time.Hour)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := lc.Acknowledge(ctx, created.ID, "oncall@pipepulse.io"); err != nil {
			t.Errorf("acknowledge failed: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := lc.CheckEscalations(ctx); err != nil {
			t.Errorf("escalation sweep failed: %v", err)
		}
	}()
	wg.Wait()

	stored, err := repo.GetAlert(ctx, created.ID)
	if err != nil {
		t.Fatalf("failed to load alert: %v", err)
	}
	if stored.Status != alert.AlertAcknowledged {
		t.Errorf("expected acknowledged alert, got %q", stored.Status)
	}

	// Either the sweep saw the active alert first and escalated, or the
	// acknowledge won and suppressed it; whichever ordering, the
	// acknowledged status must survive.
	if stored.EscalatedAt == nil && len(dispatcher.byKind(alert.NotifyEscalated)) > 0 {
		t.Error("escalation notification sent without escalation recorded")
	}
}

func TestRepository_CreateAlertRejectsSecondOpen(t *testing.T) {
	repo := alert.NewInMemoryRepository()
	ctx := context.Background()

	first := &alert.Alert{
		ID:          "alr_first",
		RuleID:      "rul_fresh",
		Status:      alert.AlertActive,
		Severity:    alert.SeverityHigh,
		TriggeredAt: time.Now(),
	}
	if err := repo.CreateAlert(ctx, first); err != nil {
		t.Fatalf("failed to create alert: %v", err)
	}

	second := &alert.Alert{
		ID:          "alr_second",
		RuleID:      "rul_fresh",
		Status:      alert.AlertActive,
		Severity:    alert.SeverityHigh,
		TriggeredAt: time.Now(),
	}
	if err := repo.CreateAlert(ctx, second); !errors.Is(err, alert.ErrOpenAlertExists) {
		t.Fatalf("expected ErrOpenAlertExists, got %v", err)
	}

	// Resolving the first re-opens the slot.
	first.Status = alert.AlertResolved
	if err := repo.UpdateAlert(ctx, first); err != nil {
		t.Fatalf("failed to resolve alert: %v", err)
	}
	if err := repo.CreateAlert(ctx, second); err != nil {
		t.Fatalf("expected create after resolve to succeed, got %v", err)
	}
}
