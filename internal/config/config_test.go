package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Monitor.MaxWorkers)
	assert.InDelta(t, 1.0, cfg.Monitor.DiffThresholdPercent, 1e-9)
	assert.Equal(t, 5000, cfg.Monitor.MaxExactLines)
	assert.Equal(t, 30, cfg.Fetch.TimeoutSeconds)
	assert.Equal(t, 3, cfg.Fetch.Retries)
	assert.True(t, cfg.Fetch.UseHeadlessBrowser)
	assert.Equal(t, 5, cfg.Browser.PoolSize)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "local", cfg.Blobs.Driver)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout())
	assert.Equal(t, 2*time.Second, cfg.RetryDelay())
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
monitor:
  max_workers: 8
  diff_threshold_percent: 5
fetch:
  timeout_seconds: 45
  retries: 1
  retry_delay_seconds: 0.5
  use_headless_browser: false
storage:
  driver: postgres
  dsn: postgres://localhost/pagewatch
blobs:
  driver: gcs
  gcs_bucket: bucket
pubsub:
  project_id: proj
  topic_name: changes
logging:
  development: false
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Monitor.MaxWorkers)
	assert.InDelta(t, 5.0, cfg.Monitor.DiffThresholdPercent, 1e-9)
	assert.Equal(t, 45*time.Second, cfg.FetchTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.RetryDelay())
	assert.False(t, cfg.Fetch.UseHeadlessBrowser)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "bucket", cfg.Blobs.GCSBucket)
	assert.Equal(t, "changes", cfg.PubSub.TopicName)
	assert.False(t, cfg.Logging.Development)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PAGEWATCH_MONITOR_MAX_WORKERS", "2")
	t.Setenv("PAGEWATCH_FETCH_RETRIES", "0")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Monitor.MaxWorkers)
	assert.Equal(t, 0, cfg.Fetch.Retries)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no workers", func(c *Config) { c.Monitor.MaxWorkers = 0 }, "monitor.max_workers"},
		{"threshold above 100", func(c *Config) { c.Monitor.DiffThresholdPercent = 101 }, "diff_threshold_percent"},
		{"negative retries", func(c *Config) { c.Fetch.Retries = -1 }, "fetch.retries"},
		{"zero timeout", func(c *Config) { c.Fetch.TimeoutSeconds = 0 }, "fetch.timeout_seconds"},
		{"empty pool with browser", func(c *Config) { c.Browser.PoolSize = 0 }, "browser.pool_size"},
		{"unknown storage", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"gcs without bucket", func(c *Config) { c.Blobs.Driver = "gcs" }, "gcs_bucket"},
		{"topic without project", func(c *Config) { c.PubSub.TopicName = "t" }, "pubsub.project_id"},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"sample ratio above one", func(c *Config) { c.Tracing.SampleRatio = 1.5 }, "tracing.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, time.Minute, Seconds(0, time.Minute))
	assert.Equal(t, 5*time.Second, Seconds(5, time.Minute))
}
