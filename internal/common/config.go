package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the engine configuration
type Config struct {
	Environment string        `toml:"environment"` // "development" or "production"
	Queue       QueueConfig   `toml:"queue"`
	Storage     StorageConfig `toml:"storage"`
	Engine      EngineConfig  `toml:"engine"`
	Janitor     JanitorConfig `toml:"janitor"`
	Logging     LoggingConfig `toml:"logging"`
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "250ms" - how often workers poll for messages
	Concurrency       int    `toml:"concurrency" validate:"min=1"`
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "5m" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive" validate:"min=1"`
	JobQueueName      string `toml:"job_queue_name" validate:"required"`
	TaskQueueName     string `toml:"task_queue_name" validate:"required"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

// EngineConfig holds orchestration policy knobs
type EngineConfig struct {
	MaxRetries        int    `toml:"max_retries" validate:"min=0"`          // Retryable task failures beyond this fail terminally
	RetryBaseDelay    string `toml:"retry_base_delay"`                      // Backoff base, e.g. "2s"
	RetryMaxDelay     string `toml:"retry_max_delay"`                       // Backoff cap, e.g. "5m"
	BatchThreshold    int    `toml:"batch_threshold" validate:"min=1"`      // Stages with at least this many tasks enqueue in batches
	MaxBatchSize      int    `toml:"max_batch_size" validate:"min=1"`       // Broker batch cap
	EnqueueRatePerSec int    `toml:"enqueue_rate_per_sec" validate:"min=0"` // 0 = unlimited
}

// JanitorConfig controls the stale-job sweep
type JanitorConfig struct {
	Enabled        bool   `toml:"enabled"`
	Schedule       string `toml:"schedule"`        // Cron schedule, e.g. "*/5 * * * *"
	StaleThreshold string `toml:"stale_threshold"` // Non-terminal jobs idle longer than this are force-failed
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// DefaultConfig returns the built-in defaults. Files and environment
// variables layer on top.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Queue: QueueConfig{
			PollInterval:      "250ms",
			Concurrency:       5,
			VisibilityTimeout: "5m",
			MaxReceive:        5,
			JobQueueName:      "coremachine_jobs",
			TaskQueueName:     "coremachine_tasks",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/coremachine",
			},
		},
		Engine: EngineConfig{
			MaxRetries:     3,
			RetryBaseDelay: "2s",
			RetryMaxDelay:  "5m",
			BatchThreshold: 10,
			MaxBatchSize:   10,
		},
		Janitor: JanitorConfig{
			Enabled:        true,
			Schedule:       "*/5 * * * *",
			StaleThreshold: "30m",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
	}
}

// LoadFromFiles loads configuration from defaults, then applies each config
// file in order (later files override earlier ones), then environment
// overrides, then validates.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies COREMACHINE_* environment variables on top of
// file configuration.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("COREMACHINE_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("COREMACHINE_BADGER_PATH"); v != "" {
		config.Storage.Badger.Path = v
	}
	if v := os.Getenv("COREMACHINE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Queue.Concurrency = n
		}
	}
	if v := os.Getenv("COREMACHINE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			config.Engine.MaxRetries = n
		}
	}
}

// Validate checks structural constraints and duration/schedule formats
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"queue.poll_interval":      c.Queue.PollInterval,
		"queue.visibility_timeout": c.Queue.VisibilityTimeout,
		"engine.retry_base_delay":  c.Engine.RetryBaseDelay,
		"engine.retry_max_delay":   c.Engine.RetryMaxDelay,
		"janitor.stale_threshold":  c.Janitor.StaleThreshold,
	}
	for name, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}
	return nil
}

// Duration parses a duration config value, falling back to def when the
// value is empty or malformed. Validate catches malformed values at load
// time; the fallback keeps hand-built test configs usable.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
