// ABOUTME: Configuration loading and parsing for meshgate
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete meshgate configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Rules    RulesConfig    `yaml:"rules"`
	Auth     AuthConfig     `yaml:"auth"`
	Health   HealthConfig   `yaml:"health"`
	Routing  RoutingConfig  `yaml:"routing"`
	State    StateConfig    `yaml:"state"`
	Sync     SyncConfig     `yaml:"sync"`
	Usage    UsageConfig    `yaml:"usage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RulesConfig points at the TOML routing rules file
type RulesConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds principal resolution configuration.
// Mode "headers" trusts X-Workspace-Id/X-User-Id (network-level access
// control assumed); mode "jwt" requires an HMAC bearer token.
type AuthConfig struct {
	Mode      string `yaml:"mode"`
	JWTSecret string `yaml:"jwt_secret"`
}

// HealthConfig holds health monitor tuning
type HealthConfig struct {
	Interval     time.Duration `yaml:"-"`
	ProbeTimeout time.Duration `yaml:"-"`

	MaxFanout            int `yaml:"max_fanout"`
	DegradedThreshold    int `yaml:"degraded_threshold"`
	UnreachableThreshold int `yaml:"unreachable_threshold"`
	EvictThreshold       int `yaml:"evict_threshold"`

	// Raw string values for YAML unmarshaling
	IntervalRaw     string `yaml:"interval"`
	ProbeTimeoutRaw string `yaml:"probe_timeout"`
}

// RoutingConfig holds router tuning
type RoutingConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// StateConfig holds dashboard state store tuning
type StateConfig struct {
	TTL           time.Duration `yaml:"-"`
	PurgeInterval time.Duration `yaml:"-"`

	MaxBytes   int    `yaml:"max_bytes"`
	Reconciler string `yaml:"reconciler"` // server_wins | latest_timestamp_wins

	TTLRaw           string `yaml:"ttl"`
	PurgeIntervalRaw string `yaml:"purge_interval"`
}

// SyncConfig holds sync hub tuning
type SyncConfig struct {
	DebounceWindow time.Duration `yaml:"-"`

	BufferSize int `yaml:"buffer_size"`

	DebounceWindowRaw string `yaml:"debounce_window"`
}

// UsageConfig holds quota limits and the usage endpoint's auth mode.
// Auth "" leaves GET /usage open, relying on network-level access control;
// that default is deliberate. Auth "bearer" requires a JWT signed with
// JWTSecret.
type UsageConfig struct {
	Auth      string                  `yaml:"auth"`
	JWTSecret string                  `yaml:"jwt_secret"`
	Limits    map[string]LimitsConfig `yaml:"limits"`
}

// LimitsConfig holds per-provider quota limits
type LimitsConfig struct {
	DailyCalls   int64   `yaml:"daily_calls"`
	MonthlyCalls int64   `yaml:"monthly_calls"`
	DailyTokens  int64   `yaml:"daily_tokens"`
	AlertAt      float64 `yaml:"alert_at"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Rules.Path == "" {
		return fmt.Errorf("rules.path is required")
	}

	switch c.Auth.Mode {
	case "", "headers":
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth.mode is jwt")
		}
	default:
		return fmt.Errorf("auth.mode must be headers or jwt, got %q", c.Auth.Mode)
	}

	switch c.Usage.Auth {
	case "", "bearer":
	default:
		return fmt.Errorf("usage.auth must be empty or bearer, got %q", c.Usage.Auth)
	}
	if c.Usage.Auth == "bearer" && c.Usage.JWTSecret == "" {
		return fmt.Errorf("usage.jwt_secret is required when usage.auth is bearer")
	}

	switch c.State.Reconciler {
	case "", "server_wins", "latest_timestamp_wins":
	default:
		return fmt.Errorf("state.reconciler must be server_wins or latest_timestamp_wins, got %q", c.State.Reconciler)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Health.IntervalRaw, "health.interval", &cfg.Health.Interval},
		{cfg.Health.ProbeTimeoutRaw, "health.probe_timeout", &cfg.Health.ProbeTimeout},
		{cfg.State.TTLRaw, "state.ttl", &cfg.State.TTL},
		{cfg.State.PurgeIntervalRaw, "state.purge_interval", &cfg.State.PurgeInterval},
		{cfg.Sync.DebounceWindowRaw, "sync.debounce_window", &cfg.Sync.DebounceWindow},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
