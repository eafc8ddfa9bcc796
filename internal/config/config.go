package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RetryPolicy bounds a retry loop with exponential backoff. Detection
// collection and alert dispatch carry independent policies.
type RetryPolicy struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
}

// Detection holds the anomaly detector tuning knobs.
type Detection struct {
	WindowSize             int     `mapstructure:"window_size"`              // Rolling window length per signal
	EWMAAlpha              float64 `mapstructure:"ewma_alpha"`               // Smoothing factor in (0,1]
	ZThreshold             float64 `mapstructure:"z_threshold"`              // Z-score spike threshold
	EWMADeviationThreshold float64 `mapstructure:"ewma_deviation_threshold"` // Relative deviation from EWMA
	FallbackPercentile     float64 `mapstructure:"fallback_percentile"`      // Cold-start percentile (0-100)
}

// Config is the single typed configuration surface, validated at startup.
type Config struct {
	Port           int      `mapstructure:"port"`
	DatabasePath   string   `mapstructure:"database_path"`
	LogLevel       string   `mapstructure:"log_level"`
	LogFormat      string   `mapstructure:"log_format"` // "json" or "text"
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// Keywords are the monitored signals (one detector per keyword).
	Keywords []string `mapstructure:"keywords"`

	Detection Detection `mapstructure:"detection"`

	CooldownPeriod     time.Duration `mapstructure:"cooldown_period"`
	CollectInterval    time.Duration `mapstructure:"collect_interval"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	ShutdownTimeoutSec int           `mapstructure:"shutdown_timeout_sec"`

	CollectionRetry RetryPolicy `mapstructure:"collection_retry"`
	DispatchRetry   RetryPolicy `mapstructure:"dispatch_retry"`

	// Retention windows for the cleanup task.
	AlertRetention  time.Duration `mapstructure:"alert_retention"`
	MetricRetention time.Duration `mapstructure:"metric_retention"`

	// Collector rate limiting (upstream search APIs throttle hard).
	CollectorRateLimitPerSec float64 `mapstructure:"collector_rate_limit_per_sec"`
	CollectorRateLimitBurst  int     `mapstructure:"collector_rate_limit_burst"`
	CollectorEndpoint        string  `mapstructure:"collector_endpoint"` // empty = simulated source

	// Notification channels receiving dispatched alerts.
	NotifierTimeoutSec int                  `mapstructure:"notifier_timeout_sec"`
	Channels           []NotificationTarget `mapstructure:"channels"`

	// OTLP tracing endpoint; empty disables tracing.
	TracingEndpoint     string  `mapstructure:"tracing_endpoint"`
	TracingSamplingRate float64 `mapstructure:"tracing_sampling_rate"`
}

// NotificationTarget is one configured webhook/slack destination.
type NotificationTarget struct {
	Name          string   `mapstructure:"name"`
	Type          string   `mapstructure:"type"`
	URL           string   `mapstructure:"url"`
	DisasterTypes []string `mapstructure:"disaster_types"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/crowdsense/")
	viper.AddConfigPath("$HOME/.crowdsense")
	viper.AddConfigPath(".")

	// Defaults
	viper.SetDefault("port", 8080)
	viper.SetDefault("database_path", "./crowdsense.db")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "json")
	viper.SetDefault("allowed_origins", []string{"*"})
	viper.SetDefault("keywords", []string{
		"earthquake", "flood", "cyclone", "tsunami", "landslide", "fire", "storm",
	})
	viper.SetDefault("detection.window_size", 15)
	viper.SetDefault("detection.ewma_alpha", 0.3)
	viper.SetDefault("detection.z_threshold", 2.5)
	viper.SetDefault("detection.ewma_deviation_threshold", 0.5)
	viper.SetDefault("detection.fallback_percentile", 95.0)
	viper.SetDefault("cooldown_period", 30*time.Minute)
	viper.SetDefault("collect_interval", 2*time.Minute)
	viper.SetDefault("cleanup_interval", 24*time.Hour)
	viper.SetDefault("shutdown_timeout_sec", 15)
	viper.SetDefault("collection_retry.max_retries", 3)
	viper.SetDefault("collection_retry.backoff_base", 30*time.Second)
	viper.SetDefault("collection_retry.backoff_cap", 15*time.Minute)
	viper.SetDefault("dispatch_retry.max_retries", 5)
	viper.SetDefault("dispatch_retry.backoff_base", 10*time.Second)
	viper.SetDefault("dispatch_retry.backoff_cap", 5*time.Minute)
	viper.SetDefault("alert_retention", 7*24*time.Hour)
	viper.SetDefault("metric_retention", 30*24*time.Hour)
	viper.SetDefault("collector_rate_limit_per_sec", 1.0)
	viper.SetDefault("collector_rate_limit_burst", 2)
	viper.SetDefault("collector_endpoint", "")
	viper.SetDefault("notifier_timeout_sec", 5)
	viper.SetDefault("tracing_endpoint", "")
	viper.SetDefault("tracing_sampling_rate", 1.0)

	// Environment variables. The replacer maps nested keys to env names,
	// e.g. detection.window_size -> CROWDSENSE_DETECTION_WINDOW_SIZE.
	viper.SetEnvPrefix("CROWDSENSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with. The
// process must fail fast here, before any task is scheduled.
func (c *Config) Validate() error {
	if c.Detection.WindowSize <= 0 {
		return fmt.Errorf("invalid config: detection.window_size must be > 0, got %d", c.Detection.WindowSize)
	}
	if c.Detection.EWMAAlpha <= 0 || c.Detection.EWMAAlpha > 1 {
		return fmt.Errorf("invalid config: detection.ewma_alpha must be in (0,1], got %g", c.Detection.EWMAAlpha)
	}
	if c.Detection.ZThreshold <= 0 {
		return fmt.Errorf("invalid config: detection.z_threshold must be > 0, got %g", c.Detection.ZThreshold)
	}
	if c.Detection.EWMADeviationThreshold <= 0 {
		return fmt.Errorf("invalid config: detection.ewma_deviation_threshold must be > 0, got %g", c.Detection.EWMADeviationThreshold)
	}
	if c.Detection.FallbackPercentile <= 0 || c.Detection.FallbackPercentile >= 100 {
		return fmt.Errorf("invalid config: detection.fallback_percentile must be in (0,100), got %g", c.Detection.FallbackPercentile)
	}
	if c.CooldownPeriod <= 0 {
		return fmt.Errorf("invalid config: cooldown_period must be > 0, got %s", c.CooldownPeriod)
	}
	if c.CollectInterval <= 0 {
		return fmt.Errorf("invalid config: collect_interval must be > 0, got %s", c.CollectInterval)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("invalid config: cleanup_interval must be > 0, got %s", c.CleanupInterval)
	}
	if len(c.Keywords) == 0 {
		return fmt.Errorf("invalid config: at least one keyword is required")
	}
	for _, p := range []struct {
		name   string
		policy RetryPolicy
	}{
		{"collection_retry", c.CollectionRetry},
		{"dispatch_retry", c.DispatchRetry},
	} {
		if p.policy.MaxRetries < 0 {
			return fmt.Errorf("invalid config: %s.max_retries must be >= 0, got %d", p.name, p.policy.MaxRetries)
		}
		if p.policy.BackoffBase <= 0 {
			return fmt.Errorf("invalid config: %s.backoff_base must be > 0, got %s", p.name, p.policy.BackoffBase)
		}
	}
	return nil
}
