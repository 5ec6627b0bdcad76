// Package config loads TriniTeam configuration from config/config.yaml,
// a .env file and TRINITEAM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ethank2222/TriniTeam/internal/generation"
	"github.com/ethank2222/TriniTeam/internal/model"
	"github.com/ethank2222/TriniTeam/internal/scheduler"
	"github.com/ethank2222/TriniTeam/internal/storage"
)

// EnvPrefix prefixes every environment override, e.g. TRINITEAM_SERVER_ADDR
const EnvPrefix = "TRINITEAM"

// ErrInvalidConfig is returned when a loaded configuration fails validation
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration for the server
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Log        LogConfig        `mapstructure:"log"`
	Server     ServerConfig     `mapstructure:"server"`
	Scheduler  scheduler.Config `mapstructure:"scheduler"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Roster     RosterConfig     `mapstructure:"roster"`
	Generation GenerationConfig `mapstructure:"generation"`
	NATS       NATSConfig       `mapstructure:"nats"`
	History    HistoryConfig    `mapstructure:"history"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
}

// AppConfig names the process
type AppConfig struct {
	Name string `mapstructure:"name"`
}

// LogConfig selects the zap preset
type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RetryConfig is the delay before a failed task is dispatched again
type RetryConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// Strategy returns the retry strategy for the task graph
func (c RetryConfig) Strategy() scheduler.RetryStrategy {
	if c.InitialDelay <= 0 {
		return scheduler.ImmediateRetry{}
	}
	return &scheduler.ExponentialBackoff{
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		Multiplier:   c.Multiplier,
	}
}

// RosterConfig lists the agents. Empty means the stock team.
type RosterConfig struct {
	Agents []model.AgentSpec `mapstructure:"agents"`
}

// GenerationConfig configures the Anthropic client and its resilience wrapper
type GenerationConfig struct {
	Model   string                   `mapstructure:"model"`
	APIKey  string                   `mapstructure:"api_key"`
	Retry   generation.RetryConfig   `mapstructure:"retry"`
	Breaker generation.BreakerConfig `mapstructure:"breaker"`
}

// NATSConfig configures the JetStream event publisher
type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Embedded       bool          `mapstructure:"embedded"`
	URL            string        `mapstructure:"url"`
	StoreDir       string        `mapstructure:"store_dir"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// HistoryConfig configures the SQLite task history
type HistoryConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
}

// MetricsConfig configures host sampling and the periodic snapshot log
type MetricsConfig struct {
	SampleInterval   time.Duration `mapstructure:"sample_interval"`
	SnapshotSchedule string        `mapstructure:"snapshot_schedule"`
}

// ArchiveConfig configures where stopped projects are exported
type ArchiveConfig struct {
	MinIO storage.MinIOConfig `mapstructure:"minio"`
}

// AlertsConfig configures alert delivery
type AlertsConfig struct {
	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

// Load reads .env, then the YAML file at path (or config/config.yaml and
// ./config.yaml when path is empty), then environment overrides.
// A missing file is only an error when path is given.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("generation.api_key", EnvPrefix+"_GENERATION_API_KEY", "ANTHROPIC_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind api key: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Roster.Agents) == 0 {
		cfg.Roster.Agents = model.DefaultRoster()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that have no safe fallback
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.Retry.Multiplier < 1 && c.Retry.InitialDelay > 0 {
		problems = append(problems, "retry.multiplier must be at least 1")
	}
	if c.NATS.Enabled && !c.NATS.Embedded && c.NATS.URL == "" {
		problems = append(problems, "nats.url is required when nats is enabled and not embedded")
	}
	if c.History.Enabled {
		if c.History.Path == "" {
			problems = append(problems, "history.path is required when history is enabled")
		}
		if c.History.Retention <= 0 {
			problems = append(problems, "history.retention must be positive")
		}
	}
	if c.Archive.MinIO.Endpoint != "" && c.Archive.MinIO.Bucket == "" {
		problems = append(problems, "archive.minio.bucket is required when an endpoint is set")
	}

	coordinators := 0
	for _, a := range c.Roster.Agents {
		if a.Kind == model.AgentKindCoordinator {
			coordinators++
		}
	}
	if coordinators != 1 {
		problems = append(problems, fmt.Sprintf("roster needs exactly one coordinator, found %d", coordinators))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "triniteam")
	v.SetDefault("log.development", false)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")

	d := scheduler.DefaultConfig()
	v.SetDefault("scheduler.tick_interval", d.TickInterval.String())
	v.SetDefault("scheduler.rescue_window", d.RescueWindow.String())
	v.SetDefault("scheduler.hard_timeout", d.HardTimeout.String())
	v.SetDefault("scheduler.final_review_ceiling", d.FinalReviewCeiling.String())
	v.SetDefault("scheduler.max_concurrent", d.MaxConcurrent)
	v.SetDefault("scheduler.max_retries", d.MaxRetries)
	v.SetDefault("scheduler.review_per_task", d.ReviewPerTask)
	v.SetDefault("scheduler.balancing", d.Balancing)
	v.SetDefault("scheduler.coordinator.max_tokens", d.Coordinator.MaxTokens)
	v.SetDefault("scheduler.coordinator.temperature", d.Coordinator.Temperature)
	v.SetDefault("scheduler.worker.max_tokens", d.Worker.MaxTokens)
	v.SetDefault("scheduler.worker.temperature", d.Worker.Temperature)
	v.SetDefault("scheduler.final_review.max_tokens", d.FinalReview.MaxTokens)
	v.SetDefault("scheduler.final_review.temperature", d.FinalReview.Temperature)

	v.SetDefault("retry.initial_delay", "0s")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("roster.agents", []interface{}{})

	gr := generation.DefaultRetryConfig()
	gb := generation.DefaultBreakerConfig()
	v.SetDefault("generation.model", "")
	v.SetDefault("generation.api_key", "")
	v.SetDefault("generation.retry.initial_interval", gr.InitialInterval.String())
	v.SetDefault("generation.retry.max_interval", gr.MaxInterval.String())
	v.SetDefault("generation.retry.max_elapsed_time", gr.MaxElapsedTime.String())
	v.SetDefault("generation.retry.multiplier", gr.Multiplier)
	v.SetDefault("generation.breaker.consecutive_failures", gb.ConsecutiveFailures)
	v.SetDefault("generation.breaker.open_timeout", gb.OpenTimeout.String())
	v.SetDefault("generation.breaker.half_open_requests", gb.HalfOpenRequests)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.embedded", true)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.store_dir", "./data/jetstream")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.connect_timeout", "5s")

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "task_history.db")
	v.SetDefault("history.retention", "720h")
	v.SetDefault("history.cleanup_schedule", "@daily")

	v.SetDefault("metrics.sample_interval", "15s")
	v.SetDefault("metrics.snapshot_schedule", "@every 1m")

	v.SetDefault("archive.minio.endpoint", "")
	v.SetDefault("archive.minio.access_key", "")
	v.SetDefault("archive.minio.secret_key", "")
	v.SetDefault("archive.minio.bucket", "triniteam-projects")
	v.SetDefault("archive.minio.use_ssl", false)

	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.webhook_timeout", "5s")
}
