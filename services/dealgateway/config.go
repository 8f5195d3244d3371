package dealgateway

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dealchain/crypto"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for the deal gateway.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	NodeConfig    string          `yaml:"node_config"`
	DatabasePath  string          `yaml:"database"`
	Environment   string          `yaml:"environment"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Admin         AdminConfig     `yaml:"admin"`
	Log           LogConfig       `yaml:"log"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// AuthConfig bounds how far a signed timestamp may drift from the gateway
// clock.
type AuthConfig struct {
	TimestampSkew Duration `yaml:"timestamp_skew"`
}

// RateLimitConfig throttles each signer independently.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// AdminConfig lists the identities allowed to call the admin routes.
type AdminConfig struct {
	Identities []string `yaml:"identities"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	Traces      bool              `yaml:"traces"`
	Metrics     bool              `yaml:"metrics"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// LoadConfig reads the YAML file at path, applies defaults and validates the
// result.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8090"
	}
	if strings.TrimSpace(c.NodeConfig) == "" {
		c.NodeConfig = "./config.toml"
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		c.DatabasePath = "deal-gateway.db"
	}
	if c.Auth.TimestampSkew.Duration <= 0 {
		c.Auth.TimestampSkew.Duration = defaultTimestampSkew
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 120
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Auth.TimestampSkew.Duration > maxTimestampSkew {
		return fmt.Errorf("auth.timestamp_skew must not exceed %s", maxTimestampSkew)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.sample_ratio must be within [0,1]")
	}
	if _, err := c.AdminIdentities(); err != nil {
		return err
	}
	return nil
}

// AdminIdentities decodes the configured admin identities.
func (c Config) AdminIdentities() ([][20]byte, error) {
	out := make([][20]byte, 0, len(c.Admin.Identities))
	for _, raw := range c.Admin.Identities {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		id, err := crypto.ParseIdentity(raw)
		if err != nil {
			return nil, fmt.Errorf("admin.identities: %w", err)
		}
		out = append(out, id)
	}
	return out, nil
}
