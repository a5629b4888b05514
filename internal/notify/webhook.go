package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pipepulse/pipepulse/internal/alert"
	"github.com/pipepulse/pipepulse/internal/resilience"
)

// WebhookNotifier posts notifications as JSON to a configured endpoint.
// Email, Slack and SMS channels are delivered through channel-specific
// webhook bridges, so this one notifier covers all HTTP-backed channels.
type WebhookNotifier struct {
	channel string
	url     string
	client  *resilience.Client
}

// webhookPayload is the wire format posted to the endpoint.
type webhookPayload struct {
	Kind        string    `json:"kind"`
	AlertID     string    `json:"alertId"`
	RuleID      string    `json:"ruleId"`
	RuleName    string    `json:"ruleName"`
	Severity    string    `json:"severity"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggeredAt"`
}

// NewWebhookNotifier creates a webhook notifier for one channel. The
// resilience client supplies per-request timeout, retry and circuit breaking
// so a dead endpoint fails fast instead of tying up delivery workers. The
// registry is optional; when set the channel shows up in system status.
func NewWebhookNotifier(channel, url string, registry *resilience.Registry) *WebhookNotifier {
	cfg := resilience.DefaultClientConfig("notify-" + channel)
	// Delivery retries are owned by the dispatcher; the client only guards
	// the individual request.
	cfg.MaxRetries = 0
	cfg.Registry = registry
	return &WebhookNotifier{
		channel: channel,
		url:     url,
		client:  resilience.NewClient(cfg),
	}
}

// Channel returns the channel name this notifier serves.
func (w *WebhookNotifier) Channel() string {
	return w.channel
}

// Send posts the notification to the endpoint. Any non-2xx response is an
// error so the dispatcher's retry policy applies.
func (w *WebhookNotifier) Send(ctx context.Context, n alert.Notification) error {
	payload := webhookPayload{
		Kind:        string(n.Kind),
		AlertID:     n.AlertID,
		RuleID:      n.RuleID,
		RuleName:    n.RuleName,
		Severity:    string(n.Severity),
		Message:     n.Message,
		TriggeredAt: n.TriggeredAt,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s returned status %d", w.channel, resp.StatusCode)
	}
	return nil
}
