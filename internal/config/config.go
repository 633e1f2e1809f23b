// Package config loads and validates pagewatch configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Browser BrowserConfig `mapstructure:"browser"`
	Storage StorageConfig `mapstructure:"storage"`
	Blobs   BlobConfig    `mapstructure:"blobs"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// MonitorConfig governs the scheduler and worker pool.
type MonitorConfig struct {
	MaxWorkers              int     `mapstructure:"max_workers"`
	DiffThresholdPercent    float64 `mapstructure:"diff_threshold_percent"`
	MaxExactLines           int     `mapstructure:"max_exact_lines"`
	QueueDepth              int     `mapstructure:"queue_depth"`
	ScheduleIntervalSeconds int     `mapstructure:"schedule_interval_seconds"`
	HealthIntervalSeconds   int     `mapstructure:"health_interval_seconds"`
	JoinTimeoutSeconds      int     `mapstructure:"join_timeout_seconds"`
	TaskTimeoutSeconds      int     `mapstructure:"task_timeout_seconds"`
}

// FetchConfig configures content acquisition.
type FetchConfig struct {
	TimeoutSeconds     int     `mapstructure:"timeout_seconds"`
	Retries            int     `mapstructure:"retries"`
	RetryDelaySeconds  float64 `mapstructure:"retry_delay_seconds"`
	UseHeadlessBrowser bool    `mapstructure:"use_headless_browser"`
	UserAgent          string  `mapstructure:"user_agent"`
	HostQPS            float64 `mapstructure:"host_qps"`
	MaxBodyBytes       int     `mapstructure:"max_body_bytes"`
}

// BrowserConfig configures the driver pool and the dynamic strategy.
type BrowserConfig struct {
	PoolSize            int    `mapstructure:"pool_size"`
	IdleTimeoutSeconds  int    `mapstructure:"idle_timeout_seconds"`
	ReapIntervalSeconds int    `mapstructure:"reap_interval_seconds"`
	Headless            bool   `mapstructure:"headless"`
	SettleMillis        int    `mapstructure:"settle_ms"`
	WindowWidth         int    `mapstructure:"window_width"`
	WindowHeight        int    `mapstructure:"window_height"`
	ProfileRoot         string `mapstructure:"profile_root"`
}

// StorageConfig selects the relational store.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
	TargetsFile string `mapstructure:"targets_file"`
}

// BlobConfig selects where fetched content and screenshots are written.
type BlobConfig struct {
	Driver    string `mapstructure:"driver"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for change notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls OpenTelemetry span sampling.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitor.max_workers", 4)
	v.SetDefault("monitor.diff_threshold_percent", 1.0)
	v.SetDefault("monitor.max_exact_lines", 5000)
	v.SetDefault("monitor.queue_depth", 256)
	v.SetDefault("monitor.schedule_interval_seconds", 10)
	v.SetDefault("monitor.health_interval_seconds", 300)
	v.SetDefault("monitor.join_timeout_seconds", 10)
	v.SetDefault("monitor.task_timeout_seconds", 120)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.retries", 3)
	v.SetDefault("fetch.retry_delay_seconds", 2)
	v.SetDefault("fetch.use_headless_browser", true)
	v.SetDefault("fetch.user_agent", DefaultUserAgent)
	v.SetDefault("fetch.host_qps", 0)
	v.SetDefault("fetch.max_body_bytes", 10*1024*1024)
	v.SetDefault("browser.pool_size", 5)
	v.SetDefault("browser.idle_timeout_seconds", 300)
	v.SetDefault("browser.reap_interval_seconds", 120)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.settle_ms", 2000)
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "pagewatch.db")
	v.SetDefault("blobs.driver", "local")
	v.SetDefault("blobs.base_dir", "data/content")
	v.SetDefault("blobs.prefix", "snapshots")
	v.SetDefault("logging.development", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 0.1)
}

// DefaultUserAgent is sent by the static strategy unless overridden.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Monitor.MaxWorkers <= 0 {
		return fmt.Errorf("monitor.max_workers must be > 0")
	}
	if c.Monitor.DiffThresholdPercent < 0 || c.Monitor.DiffThresholdPercent > 100 {
		return fmt.Errorf("monitor.diff_threshold_percent must be within [0,100]")
	}
	if c.Monitor.ScheduleIntervalSeconds <= 0 || c.Monitor.HealthIntervalSeconds <= 0 {
		return fmt.Errorf("monitor schedule and health intervals must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.Retries < 0 || c.Fetch.RetryDelaySeconds < 0 {
		return fmt.Errorf("fetch.retries and fetch.retry_delay_seconds must be >= 0")
	}
	if c.Fetch.UseHeadlessBrowser && c.Browser.PoolSize <= 0 {
		return fmt.Errorf("browser.pool_size must be > 0 when the headless browser is enabled")
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.Blobs.Driver {
	case "memory":
	case "local":
		if c.Blobs.BaseDir == "" {
			return fmt.Errorf("blobs.base_dir is required for the local driver")
		}
	case "gcs":
		if c.Blobs.GCSBucket == "" {
			return fmt.Errorf("blobs.gcs_bucket is required for the gcs driver")
		}
	default:
		return fmt.Errorf("unknown blobs.driver %q", c.Blobs.Driver)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.topic_name is set")
	}
	return nil
}

// FetchTimeout returns the per-request acquisition timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// RetryDelay returns the pause between fetch attempts.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Fetch.RetryDelaySeconds * float64(time.Second))
}

// Seconds converts a whole-second knob into a duration, falling back to def
// when unset.
func Seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
