// Route table configuration - pattern matching and the instance directory.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Protocol identifies the upstream wire protocol family an adapter speaks.
type Protocol string

// Supported upstream protocols.
const (
	ProtocolAnthropic Protocol = "anthropic" // SSE with typed events
	ProtocolOpenAI    Protocol = "openai"    // SSE with data:/[DONE] framing
	ProtocolOllama    Protocol = "ollama"    // newline-delimited JSON
	ProtocolBedrock   Protocol = "bedrock"   // Anthropic body over SigV4 transport
)

// RoutesConfig contains the route table and directory refresh settings.
type RoutesConfig struct {
	Table           []RouteRule   `yaml:"table"`            // Ordered; first match wins
	DirectoryPath   string        `yaml:"directory_path"`   // YAML file of live upstream instances
	RefreshInterval time.Duration `yaml:"refresh_interval"` // Periodic re-read (fsnotify also triggers)
}

// RouteRule maps a request path pattern to a provider.
// Patterns support a trailing "/**" segment wildcard and "*" within one
// segment, e.g. "/models/gpt-x/**" or "/v1/*/messages".
type RouteRule struct {
	Pattern        string        `yaml:"pattern"`          // Path pattern (required)
	Provider       string        `yaml:"provider"`         // Provider id, keys the directory (required)
	Model          string        `yaml:"model"`            // Optional model override
	Protocol       Protocol      `yaml:"protocol"`         // Wire protocol (required)
	CredentialRef  string        `yaml:"credential_ref"`   // Env var name holding the upstream secret
	RequestTimeout time.Duration `yaml:"request_timeout"`  // Overall per-request bound
	IdleGapTimeout time.Duration `yaml:"idle_gap_timeout"` // Max gap between upstream chunks
}

// Validate checks the route table.
func (rc *RoutesConfig) Validate() error {
	if len(rc.Table) == 0 {
		return fmt.Errorf("routes.table must contain at least one rule")
	}
	if rc.DirectoryPath == "" {
		return fmt.Errorf("routes.directory_path is required")
	}

	for i, rule := range rc.Table {
		if rule.Pattern == "" {
			return fmt.Errorf("routes.table[%d].pattern is required", i)
		}
		if !strings.HasPrefix(rule.Pattern, "/") {
			return fmt.Errorf("routes.table[%d].pattern must start with '/': %s", i, rule.Pattern)
		}
		if rule.Provider == "" {
			return fmt.Errorf("routes.table[%d].provider is required", i)
		}
		switch rule.Protocol {
		case ProtocolAnthropic, ProtocolOpenAI, ProtocolOllama, ProtocolBedrock:
		default:
			return fmt.Errorf("routes.table[%d].protocol: unknown protocol %q", i, rule.Protocol)
		}
		if rule.RequestTimeout == 0 {
			return fmt.Errorf("routes.table[%d].request_timeout is required", i)
		}
		if rule.IdleGapTimeout == 0 {
			return fmt.Errorf("routes.table[%d].idle_gap_timeout is required", i)
		}
	}
	return nil
}
