// Package config provides configuration management for the agent studio core.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the core.
type Config struct {
	State   StateConfig   `mapstructure:"state"`
	Agents  AgentsConfig  `mapstructure:"agents"`
	Queue   QueueConfig   `mapstructure:"queue"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// StateConfig holds the per-workspace state store configuration.
type StateConfig struct {
	// DBPath overrides the state DB location (primarily for tests).
	// Empty means "<workspace>/.ads/state.db".
	DBPath string `mapstructure:"dbPath"`

	// BusyTimeoutMS is the SQLite busy-timeout pragma in milliseconds.
	BusyTimeoutMS int `mapstructure:"busyTimeoutMs"`
}

// AgentsConfig holds vendor CLI configuration.
type AgentsConfig struct {
	// Vendor selects which CLI family drives planning and execution:
	// codex, gemini or amp.
	Vendor string `mapstructure:"vendor"`

	// Vendor binary paths. Empty falls back to the binary name on PATH.
	CodexBin  string `mapstructure:"codexBin"`
	GeminiBin string `mapstructure:"geminiBin"`
	AmpBin    string `mapstructure:"ampBin"`

	// ExecAllowlist is a comma-separated list of basenames permitted for
	// subprocess spawn. Empty disables allow-listing.
	ExecAllowlist string `mapstructure:"execAllowlist"`

	// StepTimeoutMS bounds a single executor step. 0 means unbounded.
	StepTimeoutMS int `mapstructure:"stepTimeoutMs"`

	// PlannerTimeoutMS bounds a planner invocation.
	PlannerTimeoutMS int `mapstructure:"plannerTimeoutMs"`

	// DrainTimeoutMS bounds an adapter connect+drain cycle.
	DrainTimeoutMS int `mapstructure:"drainTimeoutMs"`

	// MaxStreamBytes caps accumulated stdout bytes per stream.
	MaxStreamBytes int64 `mapstructure:"maxStreamBytes"`
}

// QueueConfig holds the per-workspace task queue configuration.
type QueueConfig struct {
	// RetryBackoffMS is the delay before a retriable failure is reattempted.
	RetryBackoffMS int `mapstructure:"retryBackoffMs"`

	// PollIntervalMS is the worker's wait-for-wake timer.
	PollIntervalMS int `mapstructure:"pollIntervalMs"`
}

// NATSConfig holds the optional NATS event-bus backend configuration.
// An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// BusyTimeout returns the busy-timeout as a time.Duration.
func (s *StateConfig) BusyTimeout() time.Duration {
	return time.Duration(s.BusyTimeoutMS) * time.Millisecond
}

// StepTimeout returns the per-step timeout; zero means unbounded.
func (a *AgentsConfig) StepTimeout() time.Duration {
	return time.Duration(a.StepTimeoutMS) * time.Millisecond
}

// PlannerTimeout returns the planner timeout.
func (a *AgentsConfig) PlannerTimeout() time.Duration {
	return time.Duration(a.PlannerTimeoutMS) * time.Millisecond
}

// DrainTimeout returns the adapter connect+drain timeout.
func (a *AgentsConfig) DrainTimeout() time.Duration {
	return time.Duration(a.DrainTimeoutMS) * time.Millisecond
}

// RetryBackoff returns the retry backoff as a time.Duration.
func (q *QueueConfig) RetryBackoff() time.Duration {
	return time.Duration(q.RetryBackoffMS) * time.Millisecond
}

// PollInterval returns the worker poll interval as a time.Duration.
func (q *QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMS) * time.Millisecond
}

// BinaryFor maps a vendor name to its configured binary.
func (a *AgentsConfig) BinaryFor(vendor string) string {
	switch vendor {
	case "gemini":
		return a.GeminiBin
	case "amp":
		return a.AmpBin
	}
	return a.CodexBin
}

// AllowlistBasenames splits ExecAllowlist into trimmed basenames.
func (a *AgentsConfig) AllowlistBasenames() []string {
	if a.ExecAllowlist == "" {
		return nil
	}
	parts := strings.Split(a.ExecAllowlist, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("state.dbPath", "")
	v.SetDefault("state.busyTimeoutMs", 5000)

	v.SetDefault("agents.vendor", "codex")
	v.SetDefault("agents.codexBin", "codex")
	v.SetDefault("agents.geminiBin", "gemini")
	v.SetDefault("agents.ampBin", "amp")
	v.SetDefault("agents.execAllowlist", "")
	v.SetDefault("agents.stepTimeoutMs", 0)
	v.SetDefault("agents.plannerTimeoutMs", 60_000)
	v.SetDefault("agents.drainTimeoutMs", 15*60*1000)
	v.SetDefault("agents.maxStreamBytes", int64(10*1024*1024))

	v.SetDefault("queue.retryBackoffMs", 1000)
	v.SetDefault("queue.pollIntervalMs", 1000)

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix ADS_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ADS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where the documented env var name differs from the
	// ADS_<SECTION>_<KEY> convention AutomaticEnv derives.
	_ = v.BindEnv("state.dbPath", "ADS_STATE_DB_PATH")
	_ = v.BindEnv("state.busyTimeoutMs", "ADS_SQLITE_BUSY_TIMEOUT_MS")
	_ = v.BindEnv("agents.codexBin", "ADS_CODEX_BIN")
	_ = v.BindEnv("agents.geminiBin", "ADS_GEMINI_BIN")
	_ = v.BindEnv("agents.ampBin", "ADS_AMP_BIN")
	_ = v.BindEnv("agents.execAllowlist", "AGENT_EXEC_ALLOWLIST")
	_ = v.BindEnv("agents.stepTimeoutMs", "AGENT_STEP_TIMEOUT_MS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ads/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks configuration invariants that cannot be expressed as defaults.
func validate(cfg *Config) error {
	var errs []string

	if cfg.State.BusyTimeoutMS < 0 {
		errs = append(errs, "state.busyTimeoutMs must be non-negative")
	}
	validVendors := map[string]bool{"codex": true, "gemini": true, "amp": true}
	if !validVendors[cfg.Agents.Vendor] {
		errs = append(errs, "agents.vendor must be one of: codex, gemini, amp")
	}
	if cfg.Agents.MaxStreamBytes <= 0 {
		errs = append(errs, "agents.maxStreamBytes must be positive")
	}
	if cfg.Queue.RetryBackoffMS < 0 {
		errs = append(errs, "queue.retryBackoffMs must be non-negative")
	}
	if cfg.Queue.PollIntervalMS <= 0 {
		errs = append(errs, "queue.pollIntervalMs must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
