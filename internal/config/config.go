// Package config loads and validates the gateway configuration.
//
// DESIGN: All configuration MUST come from YAML files. No hidden defaults
// for required fields; the few optional knobs with sane fallbacks document
// them on the field.
//
// FILES:
//   - config.go:     Root Config struct, Load(), Validate()
//   - routes.go:     Route table, directory refresh settings
//   - resilience.go: Circuit breaker and rate limiter policy
//   - monitoring.go: Logging, metrics and dispatch record settings
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the model gateway.
type Config struct {
	Server     ServerConfig     `yaml:"server"`     // HTTP server settings
	Routes     RoutesConfig     `yaml:"routes"`     // Route table and directory
	Resilience ResilienceConfig `yaml:"resilience"` // Breaker and rate limits
	Monitoring MonitoringConfig `yaml:"monitoring"` // Logging and observability
}

// ServerConfig contains HTTP server settings.
// WriteTimeout is deliberately absent: responses are unbounded streams and
// the per-route request/idle timeouts bound them instead.
type ServerConfig struct {
	Port              int           `yaml:"port"`                // Port to listen on
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"` // Max time to read request headers
	IdleTimeout       time.Duration `yaml:"idle_timeout"`        // Keep-alive idle timeout
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`      // Drain window on shutdown
}

// expandEnvWithDefaults expands environment variables with support for
// default values. Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
// Supports ${VAR:-default} env var expansion and validation.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ReadHeaderTimeout == 0 {
		return fmt.Errorf("server.read_header_timeout is required")
	}

	if err := c.Routes.Validate(); err != nil {
		return err
	}
	if err := c.Resilience.Validate(); err != nil {
		return err
	}
	return nil
}

// ShutdownGraceOrDefault returns the configured drain window, defaulting
// to 30s when unset.
func (c *Config) ShutdownGraceOrDefault() time.Duration {
	if c.Server.ShutdownGrace > 0 {
		return c.Server.ShutdownGrace
	}
	return 30 * time.Second
}
