// Package notify delivers alert notifications to configured channels with
// bounded queueing and per-delivery retry.
package notify

import (
	"context"
	"errors"

	"github.com/pipepulse/pipepulse/internal/alert"
)

// ErrUnknownChannel is returned when no notifier is registered for a
// requested channel.
var ErrUnknownChannel = errors.New("unknown notification channel")

// Notifier delivers one notification to one channel. Implementations must be
// safe for concurrent use; the dispatcher calls them from multiple workers.
type Notifier interface {
	// Channel is the channel name this notifier serves (e.g. "slack").
	Channel() string

	// Send delivers the notification. A returned error is retried by the
	// dispatcher until its retry budget is exhausted.
	Send(ctx context.Context, n alert.Notification) error
}
