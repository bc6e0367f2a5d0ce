// ABOUTME: Configuration loading and parsing for handoff-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete handoff-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Takeover TakeoverConfig `yaml:"takeover"`
	Poller   PollerConfig   `yaml:"poller"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// TakeoverConfig tunes the bounded wait applied before an operator takeover
// when an automated reply may still be in flight.
type TakeoverConfig struct {
	FreshnessThreshold time.Duration `yaml:"-"`
	PollInterval       time.Duration `yaml:"-"`
	MaxAttempts        int           `yaml:"max_attempts"`
	MaxWait            time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	FreshnessThresholdRaw string `yaml:"freshness_threshold"`
	PollIntervalRaw       string `yaml:"poll_interval"`
	MaxWaitRaw            string `yaml:"max_wait"`
}

// PollerConfig tunes the reconciliation snapshot cadences
type PollerConfig struct {
	ConversationsInterval time.Duration `yaml:"-"`
	RequestsInterval      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ConversationsIntervalRaw string `yaml:"conversations_interval"`
	RequestsIntervalRaw      string `yaml:"requests_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
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

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
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
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Takeover.MaxAttempts < 0 {
		return fmt.Errorf("takeover.max_attempts must not be negative")
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
		{cfg.Takeover.FreshnessThresholdRaw, &cfg.Takeover.FreshnessThreshold, "takeover.freshness_threshold"},
		{cfg.Takeover.PollIntervalRaw, &cfg.Takeover.PollInterval, "takeover.poll_interval"},
		{cfg.Takeover.MaxWaitRaw, &cfg.Takeover.MaxWait, "takeover.max_wait"},
		{cfg.Poller.ConversationsIntervalRaw, &cfg.Poller.ConversationsInterval, "poller.conversations_interval"},
		{cfg.Poller.RequestsIntervalRaw, &cfg.Poller.RequestsInterval, "poller.requests_interval"},
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
