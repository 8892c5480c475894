// Package config provides configuration management for spawnd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for spawnd.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Health       HealthConfig       `mapstructure:"health"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Worktree     WorktreeConfig     `mapstructure:"worktree"`
	Sessions     SessionsConfig     `mapstructure:"sessions"`
	Tracker      TrackerConfig      `mapstructure:"tracker"`
	Providers    []ProviderConfig   `mapstructure:"providers"`
	Repositories []RepositoryConfig `mapstructure:"repositories"`
	ReposFile    string             `mapstructure:"reposFile"`
}

// ServerConfig holds the status API server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // OTLP HTTP endpoint, e.g. localhost:4318
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SchedulerConfig holds concurrency limits for session execution.
type SchedulerConfig struct {
	MaxConcurrency int `mapstructure:"maxConcurrency"`
}

// BreakerConfig holds circuit breaker tuning for agent providers.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failureThreshold"`
	ResetTimeoutMs   int `mapstructure:"resetTimeoutMs"`
	HalfOpenMaxCalls int `mapstructure:"halfOpenMaxCalls"`
}

// HealthConfig holds provider health probing configuration.
type HealthConfig struct {
	ProbeIntervalMs int `mapstructure:"probeIntervalMs"`
	ProbeTimeoutMs  int `mapstructure:"probeTimeoutMs"`
}

// AgentConfig holds per-execution agent settings.
type AgentConfig struct {
	TimeoutMs    int `mapstructure:"timeoutMs"`
	MaxReconnect int `mapstructure:"maxReconnect"`
	MaxRetries   int `mapstructure:"maxRetries"`
}

// WorktreeConfig holds git worktree configuration.
type WorktreeConfig struct {
	BasePath    string `mapstructure:"basePath"`    // default: ~/.agent/worktrees
	MinFreeMB   int    `mapstructure:"minFreeMB"`   // minimum free disk before create
	OrphanHours int    `mapstructure:"orphanHours"` // orphan cleanup age
	StatePath   string `mapstructure:"statePath"`   // sqlite worktree records, default: ~/.agent/state.db
}

// SessionsConfig holds session persistence configuration.
type SessionsConfig struct {
	BasePath      string `mapstructure:"basePath"`      // default: ~/.agent/sessions
	RetentionDays int    `mapstructure:"retentionDays"` // archive retention, default 7
}

// TrackerConfig holds issue tracker client configuration.
type TrackerConfig struct {
	APIKey        string `mapstructure:"apiKey"`
	Endpoint      string `mapstructure:"endpoint"`
	RequestBudget int    `mapstructure:"requestBudget"` // sliding 1h window cap
	TimeoutMs     int    `mapstructure:"timeoutMs"`
	MaxRetries    int    `mapstructure:"maxRetries"`
}

// ProviderConfig describes one agent provider backend.
type ProviderConfig struct {
	Type     string `mapstructure:"type"` // opaque backend identifier, e.g. "opencode", "chat"
	Name     string `mapstructure:"name"`
	Priority int    `mapstructure:"priority"` // lower value = tried first
	Enabled  bool   `mapstructure:"enabled"`
	APIKey   string `mapstructure:"apiKey"`
	Endpoint string `mapstructure:"endpoint"`
	Model    string `mapstructure:"model"`
}

// RepositoryConfig describes one routable source repository.
type RepositoryConfig struct {
	ID            string   `mapstructure:"id" yaml:"id"`
	Name          string   `mapstructure:"name" yaml:"name"`
	LocalPath     string   `mapstructure:"localPath" yaml:"localPath"`
	BaseBranch    string   `mapstructure:"baseBranch" yaml:"baseBranch"`
	RoutingLabels []string `mapstructure:"routingLabels" yaml:"routingLabels"`
	ProjectKeys   []string `mapstructure:"projectKeys" yaml:"projectKeys"`
	TeamKeys      []string `mapstructure:"teamKeys" yaml:"teamKeys"`
	WorkspaceID   string   `mapstructure:"workspaceId" yaml:"workspaceId"`
	GithubURL     string   `mapstructure:"githubUrl" yaml:"githubUrl"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ResetTimeout returns the breaker reset timeout as a time.Duration.
func (b *BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(b.ResetTimeoutMs) * time.Millisecond
}

// ProbeInterval returns the health probe interval as a time.Duration.
func (h *HealthConfig) ProbeInterval() time.Duration {
	return time.Duration(h.ProbeIntervalMs) * time.Millisecond
}

// ProbeTimeout returns the health probe timeout as a time.Duration.
func (h *HealthConfig) ProbeTimeout() time.Duration {
	return time.Duration(h.ProbeTimeoutMs) * time.Millisecond
}

// Timeout returns the per-execution agent timeout as a time.Duration.
func (a *AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

// Timeout returns the per-request tracker timeout as a time.Duration.
func (t *TrackerConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SPAWND_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Status API defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8424)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "spawnd")
	v.SetDefault("nats.maxReconnects", 10)

	// Scheduler defaults
	v.SetDefault("scheduler.maxConcurrency", 27)

	// Breaker defaults
	v.SetDefault("breaker.failureThreshold", 5)
	v.SetDefault("breaker.resetTimeoutMs", 60000)
	v.SetDefault("breaker.halfOpenMaxCalls", 2)

	// Health probing defaults
	v.SetDefault("health.probeIntervalMs", 30000)
	v.SetDefault("health.probeTimeoutMs", 10000)

	// Agent execution defaults
	v.SetDefault("agent.timeoutMs", 300000)
	v.SetDefault("agent.maxReconnect", 3)
	v.SetDefault("agent.maxRetries", 3)

	// Worktree defaults
	v.SetDefault("worktree.basePath", "~/.agent/worktrees")
	v.SetDefault("worktree.minFreeMB", 100)
	v.SetDefault("worktree.orphanHours", 24)
	v.SetDefault("worktree.statePath", "~/.agent/state.db")

	// Session persistence defaults
	v.SetDefault("sessions.basePath", "~/.agent/sessions")
	v.SetDefault("sessions.retentionDays", 7)

	// Issue tracker defaults
	v.SetDefault("tracker.endpoint", "https://api.linear.app/graphql")
	v.SetDefault("tracker.requestBudget", 4500)
	v.SetDefault("tracker.timeoutMs", 30000)
	v.SetDefault("tracker.maxRetries", 3)

	v.SetDefault("reposFile", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SPAWND_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/spawnd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SPAWND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("tracker.apiKey", "LINEAR_API_KEY", "SPAWND_TRACKER_API_KEY")
	_ = v.BindEnv("tracker.requestBudget", "SPAWND_TRACKER_REQUEST_BUDGET")
	_ = v.BindEnv("scheduler.maxConcurrency", "SPAWND_SCHEDULER_MAX_CONCURRENCY")
	_ = v.BindEnv("agent.timeoutMs", "SPAWND_AGENT_TIMEOUT_MS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/spawnd/")

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

// validate performs sanity checks on the loaded configuration.
func validate(cfg *Config) error {
	if cfg.Scheduler.MaxConcurrency < 0 {
		return fmt.Errorf("scheduler.maxConcurrency must be >= 0")
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failureThreshold must be > 0")
	}
	if cfg.Breaker.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("breaker.halfOpenMaxCalls must be > 0")
	}
	if cfg.Agent.TimeoutMs <= 0 {
		return fmt.Errorf("agent.timeoutMs must be > 0")
	}
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	seen := make(map[string]bool, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if p.Type == "" {
			return fmt.Errorf("providers[%d]: type is required", i)
		}
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
