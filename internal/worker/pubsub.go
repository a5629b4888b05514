// Package worker ingests pipeline run events published by orchestrators and
// feeds them into the evaluation engine.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/pipepulse/pipepulse/internal/api/models"
	"github.com/pipepulse/pipepulse/internal/pipeline"
)

// RunEvents is the slice of the engine the worker drives.
type RunEvents interface {
	HandleRunStarted(ctx context.Context, runID string) error
	HandleRunCompleted(ctx context.Context, runID string, success bool, records int64, runErr string) error
}

// Triggerer queues new pipeline runs for manual trigger messages.
type Triggerer interface {
	Trigger(ctx context.Context, pipelineID string, manual bool) (*models.PipelineRun, error)
}

// RunEventMessage is the wire format orchestrators publish.
type RunEventMessage struct {
	EventType  string `json:"event_type"`
	RunID      string `json:"run_id,omitempty"`
	PipelineID string `json:"pipeline_id,omitempty"`
	// Status is "success" or "failed"; only meaningful for run_completed.
	Status           string `json:"status,omitempty"`
	RecordsProcessed int64  `json:"records_processed,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Event types accepted on the subscription.
const (
	EventRunStarted    = "run_started"
	EventRunCompleted  = "run_completed"
	EventManualTrigger = "manual_trigger"
)

// PubSubHandler consumes run events from a Pub/Sub subscription.
type PubSubHandler struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	subscriptionName string
	events           RunEvents
	pipelines        Triggerer
	logger           zerolog.Logger
}

// PubSubConfig holds configuration for the Pub/Sub handler.
type PubSubConfig struct {
	ProjectID        string
	SubscriptionName string
	Events           RunEvents
	Pipelines        Triggerer
	Logger           zerolog.Logger
}

// NewPubSubHandler creates a new Pub/Sub handler.
func NewPubSubHandler(ctx context.Context, cfg PubSubConfig) (*PubSubHandler, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)
	subscriber.ReceiveSettings.MaxOutstandingMessages = 10
	subscriber.ReceiveSettings.MaxExtension = 10 * time.Minute

	return &PubSubHandler{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.SubscriptionName,
		events:           cfg.Events,
		pipelines:        cfg.Pipelines,
		logger:           cfg.Logger,
	}, nil
}

// Start begins processing Pub/Sub messages.
func (h *PubSubHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("subscription", h.subscriptionName).
		Msg("starting run event handler")

	return h.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		h.handleMessage(ctx, msg)
	})
}

// Close closes the Pub/Sub client.
func (h *PubSubHandler) Close() error {
	return h.client.Close()
}

func (h *PubSubHandler) handleMessage(ctx context.Context, msg *pubsub.Message) {
	startTime := time.Now()

	logger := h.logger.With().
		Str("message_id", msg.ID).
		Str("publish_time", msg.PublishTime.Format(time.RFC3339)).
		Logger()

	var event RunEventMessage
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		logger.Error().Err(err).Msg("failed to parse run event")
		// Malformed payloads never get better on redelivery.
		msg.Ack()
		return
	}

	ack, err := h.route(ctx, event)
	if err != nil {
		logger.Error().Err(err).
			Str("event_type", event.EventType).
			Str("run_id", event.RunID).
			Msg("run event failed")
		if ack {
			msg.Ack()
		} else {
			msg.Nack()
		}
		return
	}

	logger.Info().
		Str("event_type", event.EventType).
		Str("run_id", event.RunID).
		Dur("duration", time.Since(startTime)).
		Msg("run event processed")
	msg.Ack()
}

// route dispatches one event. The returned ack flag reports whether a failed
// event should still be acknowledged: state-machine rejections and unknown
// runs are poison messages or duplicates, and redelivery cannot fix them.
func (h *PubSubHandler) route(ctx context.Context, event RunEventMessage) (ack bool, err error) {
	switch event.EventType {
	case EventRunStarted:
		err = h.events.HandleRunStarted(ctx, event.RunID)
	case EventRunCompleted:
		err = h.events.HandleRunCompleted(ctx, event.RunID,
			event.Status == "success", event.RecordsProcessed, event.Error)
	case EventManualTrigger:
		_, err = h.pipelines.Trigger(ctx, event.PipelineID, true)
	default:
		h.logger.Warn().Str("event_type", event.EventType).Msg("unknown event type")
		return true, nil
	}

	if err == nil {
		return true, nil
	}
	if errors.Is(err, pipeline.ErrRunNotFound) ||
		errors.Is(err, pipeline.ErrPipelineNotFound) ||
		errors.Is(err, pipeline.ErrInvalidRunState) {
		return true, err
	}
	return false, err
}
