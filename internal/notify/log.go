package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/pipepulse/pipepulse/internal/alert"
)

// LogNotifier writes notifications to the structured log. Used as the "log"
// channel and as a safe fallback in development setups with no outbound
// endpoints configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Channel returns the channel name this notifier serves.
func (l *LogNotifier) Channel() string {
	return "log"
}

// Send writes the notification to the log. It never fails.
func (l *LogNotifier) Send(_ context.Context, n alert.Notification) error {
	l.logger.Info().
		Str("kind", string(n.Kind)).
		Str("alert_id", n.AlertID).
		Str("rule_id", n.RuleID).
		Str("rule_name", n.RuleName).
		Str("severity", string(n.Severity)).
		Str("message", n.Message).
		Msg("alert notification")
	return nil
}
