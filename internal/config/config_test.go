package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "pipepulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
engine:
  evaluation_interval: 15s
  anomaly:
    sensitivity: 2.5
notifications:
  webhooks:
    - channel: slack
      url_env: PIPEPULSE_SLACK_WEBHOOK_URL
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Engine.EvaluationInterval)
	assert.Equal(t, 2.5, cfg.Engine.Anomaly.Sensitivity)

	// Everything else falls back to defaults.
	assert.Equal(t, DefaultHTTPPort, cfg.Server.Port)
	assert.Equal(t, DefaultEscalationWindow, cfg.Engine.EscalationWindow)
	assert.Equal(t, DefaultMetricWindow, cfg.Engine.MetricWindow)
	assert.Equal(t, DefaultSchedulerConcurrency, cfg.Engine.Scheduler.Concurrency)
	assert.Equal(t, DefaultSchedulerJitter, cfg.Engine.Scheduler.Jitter)
	assert.Equal(t, DefaultQueueSize, cfg.Notifications.QueueSize)
	assert.InDelta(t, 0.4, cfg.Engine.HealthScore.Weights.Freshness, 1e-9)

	require.Len(t, cfg.Notifications.Webhooks, 1)
	assert.Equal(t, "slack", cfg.Notifications.Webhooks[0].Channel)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "engine: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"jitter out of range", "engine:\n  scheduler:\n    jitter: 1.5\n"},
		{"negative sensitivity", "engine:\n  anomaly:\n    sensitivity: -1\n"},
		{"webhook without url_env", "notifications:\n  webhooks:\n    - channel: slack\n"},
		{"port out of range", "server:\n  port: 99999\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.content)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestWebhookConfig_URLFromEnv(t *testing.T) {
	t.Setenv("PIPEPULSE_TEST_WEBHOOK_URL", "https://hooks.example.com/T123")

	hook := WebhookConfig{Channel: "slack", URLEnv: "PIPEPULSE_TEST_WEBHOOK_URL"}
	assert.Equal(t, "https://hooks.example.com/T123", hook.URL())

	hook.URLEnv = ""
	assert.Empty(t, hook.URL())
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "engine:\n  evaluation_interval: 1m\n")

	var mu sync.Mutex
	var latest *Config
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, path, zerolog.Nop(), func(cfg *Config) {
			mu.Lock()
			latest = cfg
			mu.Unlock()
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a beat to register before rewriting.
	time.Sleep(50 * time.Millisecond)
	writeConfig(t, dir, "engine:\n  evaluation_interval: 5s\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return latest != nil && latest.Engine.EvaluationInterval == 5*time.Second
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatch_KeepsPreviousConfigOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "engine:\n  evaluation_interval: 1m\n")

	var count int
	var mu sync.Mutex
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, path, zerolog.Nop(), func(cfg *Config) {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	time.Sleep(50 * time.Millisecond)
	writeConfig(t, dir, "engine: [broken\n")
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	got := count
	mu.Unlock()
	assert.Zero(t, got, "invalid yaml must not reach onChange")
}
