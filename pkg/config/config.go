// Package config provides configuration structures and loading logic for the
// runtime.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the runtime.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the metrics/health listener.
type ServerConfig struct {
	MetricsAddress string `yaml:"metrics_address"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment"`
}

// PipelineConfig holds configuration for manifest loading.
type PipelineConfig struct {
	Manifest string `yaml:"manifest"`
	Watch    bool   `yaml:"watch"`
}

// SessionConfig tunes session router queue sizes and failure containment.
type SessionConfig struct {
	QueueSize   int           `yaml:"queue_size"`
	InboundSize int           `yaml:"inbound_size"`
	InputSize   int           `yaml:"input_size"`
	OutputSize  int           `yaml:"output_size"`
	Preinit     bool          `yaml:"preinitialize"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the per-node failure breaker. A zero MaxFailures
// disables it.
type BreakerConfig struct {
	MaxFailures    int    `yaml:"max_failures"`
	Cooldown       string `yaml:"cooldown"`
	HalfOpenProbes int    `yaml:"half_open_probes"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads configuration from a file and applies environment variable
// overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		// Defaults
		Server: ServerConfig{
			MetricsAddress: ":19100",
		},
		Session: SessionConfig{
			Preinit: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("RIVULET_METRICS_ADDR"); val != "" {
		cfg.Server.MetricsAddress = val
	}

	if val := os.Getenv("RIVULET_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("RIVULET_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("RIVULET_MANIFEST"); val != "" {
		cfg.Pipeline.Manifest = val
	}

	if val := os.Getenv("RIVULET_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level %q", c.Logging.Level)
	}

	if c.Session.QueueSize < 0 || c.Session.InboundSize < 0 || c.Session.InputSize < 0 || c.Session.OutputSize < 0 {
		return fmt.Errorf("session queue sizes must not be negative")
	}

	if c.Session.Breaker.Cooldown != "" {
		if _, err := time.ParseDuration(c.Session.Breaker.Cooldown); err != nil {
			return fmt.Errorf("invalid breaker cooldown %q: %w", c.Session.Breaker.Cooldown, err)
		}
	}

	return nil
}

// CooldownDuration returns the parsed cooldown, or zero when unset. Call
// Validate first to surface parse errors.
func (b BreakerConfig) CooldownDuration() time.Duration {
	if b.Cooldown == "" {
		return 0
	}
	d, err := time.ParseDuration(b.Cooldown)
	if err != nil {
		return 0
	}
	return d
}
