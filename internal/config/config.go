// Package config loads and watches the engine configuration file
// (pipepulse.yaml). Database and server credentials stay in the environment;
// the file carries tuning knobs that operators adjust at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pipepulse/pipepulse/internal/metric"
)

// Defaults applied when fields are absent from the config file.
const (
	DefaultEvaluationInterval = time.Minute
	DefaultEscalationInterval = time.Minute
	DefaultSyncInterval       = 30 * time.Second
	DefaultMetricWindow       = 24 * time.Hour
	DefaultEscalationWindow   = 30 * time.Minute

	DefaultSchedulerConcurrency = 8
	DefaultSchedulerMaxBackoff  = 10 * time.Minute
	DefaultSchedulerJitter      = 0.10

	DefaultQueueSize  = 256
	DefaultWorkers    = 4
	DefaultMaxRetries = 3

	DefaultHTTPPort = 8080
)

// Config is the top-level configuration tree.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Engine        EngineConfig        `yaml:"engine"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// EngineConfig tunes the evaluation loops.
type EngineConfig struct {
	// EvaluationInterval is the cadence at which enabled rules are
	// re-evaluated.
	EvaluationInterval time.Duration `yaml:"evaluation_interval"`

	// EscalationInterval is how often open alerts are swept for overdue
	// acknowledgement.
	EscalationInterval time.Duration `yaml:"escalation_interval"`

	// SyncInterval is how often the schedule is reconciled against the
	// stored sources and rules.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MetricWindow is the default signal window for rules without an
	// explicit lookback.
	MetricWindow time.Duration `yaml:"metric_window"`

	// EscalationWindow is how long a high or critical alert may stay
	// unacknowledged before it escalates. Rules can override it.
	EscalationWindow time.Duration `yaml:"escalation_window"`

	Anomaly     AnomalyConfig     `yaml:"anomaly"`
	HealthScore HealthScoreConfig `yaml:"health_score"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
}

// AnomalyConfig holds the defaults for anomaly conditions that leave
// sensitivity or sample floor unset.
type AnomalyConfig struct {
	Sensitivity float64 `yaml:"sensitivity"`
	MinSamples  int     `yaml:"min_samples"`
}

// HealthScoreConfig tunes the composite health score.
type HealthScoreConfig struct {
	Weights metric.Weights `yaml:"weights"`

	// FreshnessBudget is the age at which the freshness component of the
	// score reaches zero.
	FreshnessBudget time.Duration `yaml:"freshness_budget"`

	// VolumeBudgetPercent is the absolute volume deviation at which the
	// stability component reaches zero.
	VolumeBudgetPercent float64 `yaml:"volume_budget_percent"`
}

// SchedulerConfig tunes the check and evaluation scheduler.
type SchedulerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Jitter      float64       `yaml:"jitter"`
}

// NotificationsConfig tunes the delivery dispatcher.
type NotificationsConfig struct {
	QueueSize  int `yaml:"queue_size"`
	Workers    int `yaml:"workers"`
	MaxRetries int `yaml:"max_retries"`

	// Webhooks maps notification channels onto outbound webhook targets.
	// Channels without a target fall back to log delivery.
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig binds one notification channel to a webhook URL. The URL is
// resolved from the environment so it never lands in version control.
type WebhookConfig struct {
	Channel string `yaml:"channel"`
	URLEnv  string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment. Empty when the
// variable is unset.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// TelemetryConfig configures the OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Environment  string `yaml:"environment"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates the YAML file at path, applying defaults for
// absent fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultHTTPPort
	}

	e := &c.Engine
	if e.EvaluationInterval == 0 {
		e.EvaluationInterval = DefaultEvaluationInterval
	}
	if e.EscalationInterval == 0 {
		e.EscalationInterval = DefaultEscalationInterval
	}
	if e.SyncInterval == 0 {
		e.SyncInterval = DefaultSyncInterval
	}
	if e.MetricWindow == 0 {
		e.MetricWindow = DefaultMetricWindow
	}
	if e.EscalationWindow == 0 {
		e.EscalationWindow = DefaultEscalationWindow
	}
	if e.HealthScore.Weights == (metric.Weights{}) {
		e.HealthScore.Weights = metric.DefaultWeights()
	}
	if e.HealthScore.FreshnessBudget == 0 {
		e.HealthScore.FreshnessBudget = 48 * time.Hour
	}
	if e.HealthScore.VolumeBudgetPercent == 0 {
		e.HealthScore.VolumeBudgetPercent = 50
	}
	if e.Scheduler.Concurrency == 0 {
		e.Scheduler.Concurrency = DefaultSchedulerConcurrency
	}
	if e.Scheduler.MaxBackoff == 0 {
		e.Scheduler.MaxBackoff = DefaultSchedulerMaxBackoff
	}
	if e.Scheduler.Jitter == 0 {
		e.Scheduler.Jitter = DefaultSchedulerJitter
	}

	n := &c.Notifications
	if n.QueueSize == 0 {
		n.QueueSize = DefaultQueueSize
	}
	if n.Workers == 0 {
		n.Workers = DefaultWorkers
	}
	if n.MaxRetries == 0 {
		n.MaxRetries = DefaultMaxRetries
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	e := c.Engine
	if e.Scheduler.Jitter < 0 || e.Scheduler.Jitter > 1 {
		return fmt.Errorf("engine.scheduler.jitter %g must be between 0 and 1", e.Scheduler.Jitter)
	}
	if e.Anomaly.Sensitivity < 0 {
		return fmt.Errorf("engine.anomaly.sensitivity must not be negative")
	}
	if e.Anomaly.MinSamples < 0 {
		return fmt.Errorf("engine.anomaly.min_samples must not be negative")
	}
	w := e.HealthScore.Weights
	if w.Freshness < 0 || w.SuccessRate < 0 || w.VolumeStability < 0 {
		return fmt.Errorf("engine.health_score.weights must not be negative")
	}
	if w.Freshness+w.SuccessRate+w.VolumeStability == 0 {
		return fmt.Errorf("engine.health_score.weights must not all be zero")
	}
	for _, hook := range c.Notifications.Webhooks {
		if hook.Channel == "" {
			return fmt.Errorf("notifications.webhooks entries need a channel")
		}
		if hook.URLEnv == "" {
			return fmt.Errorf("notifications.webhooks[%s] needs url_env", hook.Channel)
		}
	}
	return nil
}
