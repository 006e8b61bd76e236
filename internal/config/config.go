// ABOUTME: Configuration loading and parsing for agentiom-supervisor
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agentiom-supervisor configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds listener address configuration
type ServerConfig struct {
	// HTTPAddr serves the management and lifecycle APIs
	HTTPAddr string `yaml:"http_addr"`
	// ProxyAddr serves wake-on-request forwarding for agent slugs
	ProxyAddr string `yaml:"proxy_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration.
// When JWTSecret is empty the lifecycle API is served unauthenticated,
// which is only sensible on a private (tailnet or loopback) listener.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LifecycleConfig holds wake/sleep orchestration timing configuration
type LifecycleConfig struct {
	SweepInterval   time.Duration `yaml:"-"`
	WakeTimeout     time.Duration `yaml:"-"`
	DeliveryTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SweepIntervalRaw   string `yaml:"sweep_interval"`
	WakeTimeoutRaw     string `yaml:"wake_timeout"`
	DeliveryTimeoutRaw string `yaml:"delivery_timeout"`
}

// SupervisorConfig holds connection supervision configuration
type SupervisorConfig struct {
	MaxRetries int `yaml:"max_retries"`

	HealthInterval     time.Duration `yaml:"-"`
	StalenessThreshold time.Duration `yaml:"-"`
	BaseDelay          time.Duration `yaml:"-"`
	MaxDelay           time.Duration `yaml:"-"`
	WebhookDedupeTTL   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HealthIntervalRaw     string `yaml:"health_interval"`
	StalenessThresholdRaw string `yaml:"staleness_threshold"`
	BaseDelayRaw          string `yaml:"base_delay"`
	MaxDelayRaw           string `yaml:"max_delay"`
	WebhookDedupeTTLRaw   string `yaml:"webhook_dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults for every timing and retry knob. Overridable in YAML, never
// hard-coded at the use site.
const (
	DefaultSweepInterval      = 60 * time.Second
	DefaultWakeTimeout        = 10 * time.Second
	DefaultDeliveryTimeout    = 30 * time.Second
	DefaultHealthInterval     = 30 * time.Second
	DefaultStalenessThreshold = 5 * time.Minute
	DefaultBaseDelay          = time.Second
	DefaultMaxDelay           = 60 * time.Second
	DefaultMaxRetries         = 10
	DefaultWebhookDedupeTTL   = 10 * time.Minute
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults are
// applied to every knob left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

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

// applyDefaults fills in every unset timing/retry knob.
func (c *Config) applyDefaults() {
	if c.Lifecycle.SweepInterval == 0 {
		c.Lifecycle.SweepInterval = DefaultSweepInterval
	}
	if c.Lifecycle.WakeTimeout == 0 {
		c.Lifecycle.WakeTimeout = DefaultWakeTimeout
	}
	if c.Lifecycle.DeliveryTimeout == 0 {
		c.Lifecycle.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.Supervisor.HealthInterval == 0 {
		c.Supervisor.HealthInterval = DefaultHealthInterval
	}
	if c.Supervisor.StalenessThreshold == 0 {
		c.Supervisor.StalenessThreshold = DefaultStalenessThreshold
	}
	if c.Supervisor.BaseDelay == 0 {
		c.Supervisor.BaseDelay = DefaultBaseDelay
	}
	if c.Supervisor.MaxDelay == 0 {
		c.Supervisor.MaxDelay = DefaultMaxDelay
	}
	if c.Supervisor.MaxRetries == 0 {
		c.Supervisor.MaxRetries = DefaultMaxRetries
	}
	if c.Supervisor.WebhookDedupeTTL == 0 {
		c.Supervisor.WebhookDedupeTTL = DefaultWebhookDedupeTTL
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Listener addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
		if c.Server.ProxyAddr == "" {
			return fmt.Errorf("server.proxy_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Supervisor.MaxRetries < 0 {
		return fmt.Errorf("supervisor.max_retries must not be negative")
	}
	if c.Supervisor.BaseDelay > c.Supervisor.MaxDelay {
		return fmt.Errorf("supervisor.base_delay must not exceed supervisor.max_delay")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Lifecycle.SweepIntervalRaw, &cfg.Lifecycle.SweepInterval, "sweep_interval"},
		{cfg.Lifecycle.WakeTimeoutRaw, &cfg.Lifecycle.WakeTimeout, "wake_timeout"},
		{cfg.Lifecycle.DeliveryTimeoutRaw, &cfg.Lifecycle.DeliveryTimeout, "delivery_timeout"},
		{cfg.Supervisor.HealthIntervalRaw, &cfg.Supervisor.HealthInterval, "health_interval"},
		{cfg.Supervisor.StalenessThresholdRaw, &cfg.Supervisor.StalenessThreshold, "staleness_threshold"},
		{cfg.Supervisor.BaseDelayRaw, &cfg.Supervisor.BaseDelay, "base_delay"},
		{cfg.Supervisor.MaxDelayRaw, &cfg.Supervisor.MaxDelay, "max_delay"},
		{cfg.Supervisor.WebhookDedupeTTLRaw, &cfg.Supervisor.WebhookDedupeTTL, "webhook_dedupe_ttl"},
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
