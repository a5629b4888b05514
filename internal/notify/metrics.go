package notify

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pipepulse/pipepulse/internal/alert"
)

const meterName = "github.com/pipepulse/pipepulse/internal/notify"

// DeliveryMetrics holds metrics for outbound notification deliveries.
type DeliveryMetrics struct {
	deliveryDuration metric.Float64Histogram
	deliveryTotal    metric.Int64Counter
	droppedTotal     metric.Int64Counter
	exhaustedTotal   metric.Int64Counter
}

// NewDeliveryMetrics creates metrics for monitoring notification deliveries.
func NewDeliveryMetrics() (*DeliveryMetrics, error) {
	meter := otel.Meter(meterName)

	deliveryDuration, err := meter.Float64Histogram(
		"notify.delivery.duration",
		metric.WithDescription("Duration of notification deliveries in seconds, retries included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	deliveryTotal, err := meter.Int64Counter(
		"notify.delivery.total",
		metric.WithDescription("Total number of notification delivery attempts"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, err
	}

	droppedTotal, err := meter.Int64Counter(
		"notify.delivery.dropped",
		metric.WithDescription("Number of deliveries dropped before reaching a notifier"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, err
	}

	exhaustedTotal, err := meter.Int64Counter(
		"notify.delivery.exhausted",
		metric.WithDescription("Number of deliveries that exhausted their retry budget"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, err
	}

	return &DeliveryMetrics{
		deliveryDuration: deliveryDuration,
		deliveryTotal:    deliveryTotal,
		droppedTotal:     droppedTotal,
		exhaustedTotal:   exhaustedTotal,
	}, nil
}

// RecordDelivery records one finished delivery, successful or not.
func (m *DeliveryMetrics) RecordDelivery(channel string, kind alert.NotificationKind, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("notify.channel", channel),
		attribute.String("notify.kind", string(kind)),
	}

	if err != nil {
		attrs = append(attrs, attribute.Bool("error", true))
	}

	// Use background context for metrics to avoid context cancellation issues
	ctx := context.TODO()
	m.deliveryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.deliveryTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDropped records a delivery dropped before any send attempt.
func (m *DeliveryMetrics) RecordDropped(channel, reason string) {
	attrs := []attribute.KeyValue{
		attribute.String("notify.channel", channel),
		attribute.String("notify.drop_reason", reason),
	}
	m.droppedTotal.Add(context.TODO(), 1, metric.WithAttributes(attrs...))
}

// RecordExhausted records a delivery that failed through its whole retry
// budget.
func (m *DeliveryMetrics) RecordExhausted(channel string) {
	attrs := []attribute.KeyValue{
		attribute.String("notify.channel", channel),
	}
	m.exhaustedTotal.Add(context.TODO(), 1, metric.WithAttributes(attrs...))
}
