package notify

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/pipepulse/pipepulse/internal/alert"
)

// ResultFunc receives one channel's final delivery outcome. final is true
// when the channel's retry budget was exhausted without a success.
type ResultFunc func(ctx context.Context, alertID string, kind alert.NotificationKind, channel string, success, final bool, detail string)

// DispatcherConfig holds configuration for the notification dispatcher.
type DispatcherConfig struct {
	// QueueSize bounds the pending delivery queue. When the queue is full
	// new deliveries are dropped and reported as failed, never blocking
	// the alert state machine.
	// Default: 256
	QueueSize int

	// Workers is the number of concurrent delivery workers.
	// Default: 4
	Workers int

	// MaxRetries is the per-delivery retry budget.
	// Default: 3
	MaxRetries uint64

	// InitialInterval is the initial retry backoff interval.
	// Default: 500ms
	InitialInterval time.Duration

	// MaxInterval is the maximum retry backoff interval.
	// Default: 30 seconds
	MaxInterval time.Duration

	// Metrics, when set, records delivery outcomes. Optional.
	Metrics *DeliveryMetrics
}

// DefaultDispatcherConfig returns sensible defaults for the dispatcher.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:       256,
		Workers:         4,
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

// delivery is one channel's share of a notification.
type delivery struct {
	notification alert.Notification
	channel      string
}

// Dispatcher fans notifications out to per-channel notifiers through a
// bounded queue. Delivery is decoupled from the alert state machine: a slow
// or failing channel delays nothing and reverses nothing.
type Dispatcher struct {
	config    DispatcherConfig
	notifiers map[string]Notifier
	logger    zerolog.Logger

	onResult ResultFunc

	queue chan delivery
	wg    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewDispatcher creates a dispatcher over the given notifiers.
func NewDispatcher(cfg DispatcherConfig, notifiers []Notifier, logger zerolog.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 30 * time.Second
	}

	byChannel := make(map[string]Notifier, len(notifiers))
	for _, n := range notifiers {
		byChannel[n.Channel()] = n
	}

	return &Dispatcher{
		config:    cfg,
		notifiers: byChannel,
		logger:    logger,
		queue:     make(chan delivery, cfg.QueueSize),
	}
}

// OnResult registers the delivery outcome callback. Set during wiring,
// before Start.
func (d *Dispatcher) OnResult(fn ResultFunc) {
	d.onResult = fn
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.config.Workers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
	})
}

// Stop drains the queue and waits for in-flight deliveries to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.queue)
	})
	d.wg.Wait()
}

// Dispatch enqueues one delivery per requested channel. It never blocks: if
// the queue is full the delivery is dropped and reported as failed.
func (d *Dispatcher) Dispatch(ctx context.Context, n alert.Notification) {
	for _, channel := range n.Channels {
		if _, ok := d.notifiers[channel]; !ok {
			d.logger.Warn().
				Str("channel", channel).
				Str("alert_id", n.AlertID).
				Msg("no notifier registered for channel")
			d.recordDropped(channel, "unknown_channel")
			d.report(ctx, n, channel, false, true, ErrUnknownChannel.Error())
			continue
		}

		select {
		case d.queue <- delivery{notification: n, channel: channel}:
		default:
			d.logger.Error().
				Str("channel", channel).
				Str("alert_id", n.AlertID).
				Msg("notification queue full, delivery dropped")
			d.recordDropped(channel, "queue_full")
			d.report(ctx, n, channel, false, true, "notification queue full")
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

// deliver runs one channel delivery with exponential backoff and reports the
// final outcome exactly once.
func (d *Dispatcher) deliver(job delivery) {
	ctx := context.Background()
	notifier := d.notifiers[job.channel]
	start := time.Now()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.config.InitialInterval
	bo.MaxInterval = d.config.MaxInterval
	bo.MaxElapsedTime = 0

	var lastErr error
	operation := func() error {
		lastErr = notifier.Send(ctx, job.notification)
		return lastErr
	}

	err := backoff.Retry(operation, backoff.WithMaxRetries(bo, d.config.MaxRetries))
	if d.config.Metrics != nil {
		d.config.Metrics.RecordDelivery(job.channel, job.notification.Kind, time.Since(start), err)
	}
	if err != nil {
		d.logger.Error().
			Err(err).
			Str("channel", job.channel).
			Str("alert_id", job.notification.AlertID).
			Uint64("retries", d.config.MaxRetries).
			Msg("notification delivery failed")
		if d.config.Metrics != nil {
			d.config.Metrics.RecordExhausted(job.channel)
		}
		d.report(ctx, job.notification, job.channel, false, true, err.Error())
		return
	}

	d.logger.Debug().
		Str("channel", job.channel).
		Str("alert_id", job.notification.AlertID).
		Msg("notification delivered")
	d.report(ctx, job.notification, job.channel, true, false, "")
}

func (d *Dispatcher) recordDropped(channel, reason string) {
	if d.config.Metrics != nil {
		d.config.Metrics.RecordDropped(channel, reason)
	}
}

func (d *Dispatcher) report(ctx context.Context, n alert.Notification, channel string, success, final bool, detail string) {
	if d.onResult == nil {
		return
	}
	d.onResult(ctx, n.AlertID, n.Kind, channel, success, final, detail)
}

// Ensure Dispatcher satisfies the lifecycle's dispatcher contract.
var _ alert.Dispatcher = (*Dispatcher)(nil)
