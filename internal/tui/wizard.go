package tui

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// =============================================================================
// PROVIDER CATALOG
// =============================================================================

// ProviderInfo describes one upstream provider the wizard can wire up.
type ProviderInfo struct {
	Name           string // Provider id used in routes and the directory
	DisplayName    string
	Protocol       string // Wire protocol the adapter speaks
	Pattern        string // Default route pattern
	BaseURL        string // Default upstream base URL
	CredentialRef  string // Env var holding the API key, empty when none needed
	RequestTimeout string
	IdleGapTimeout string
}

// SupportedProviders lists the upstreams the wizard offers.
var SupportedProviders = []ProviderInfo{
	{
		Name:           "openai",
		DisplayName:    "OpenAI",
		Protocol:       "openai",
		Pattern:        "/v1/chat",
		BaseURL:        "https://api.openai.com",
		CredentialRef:  "OPENAI_API_KEY",
		RequestTimeout: "120s",
		IdleGapTimeout: "30s",
	},
	{
		Name:           "anthropic",
		DisplayName:    "Anthropic",
		Protocol:       "anthropic",
		Pattern:        "/v1/anthropic/**",
		BaseURL:        "https://api.anthropic.com",
		CredentialRef:  "ANTHROPIC_API_KEY",
		RequestTimeout: "120s",
		IdleGapTimeout: "30s",
	},
	{
		Name:           "ollama",
		DisplayName:    "Ollama (local)",
		Protocol:       "ollama",
		Pattern:        "/v1/local/*",
		BaseURL:        "http://localhost:11434",
		RequestTimeout: "300s",
		IdleGapTimeout: "60s",
	},
	{
		Name:           "bedrock",
		DisplayName:    "AWS Bedrock",
		Protocol:       "bedrock",
		Pattern:        "/v1/bedrock/**",
		BaseURL:        "https://bedrock-runtime.us-east-1.amazonaws.com",
		RequestTimeout: "120s",
		IdleGapTimeout: "30s",
	},
}

// =============================================================================
// INIT WIZARD
// =============================================================================

// RunInitWizard interactively builds a starter config file and instance
// directory, asking which providers to enable and where their endpoints live.
func RunInitWizard(configPath, directoryPath string) error {
	PrintBanner()
	PrintHeader("modelgate setup")

	if _, err := os.Stat(configPath); err == nil {
		if !PromptYesNo(fmt.Sprintf("%s already exists, overwrite?", configPath), false) {
			return fmt.Errorf("cancelled")
		}
	}

	var enabled []ProviderInfo
	for _, p := range SupportedProviders {
		if !PromptYesNo(fmt.Sprintf("Enable %s?", p.DisplayName), p.Name == "openai") {
			continue
		}
		p.BaseURL = PromptString(fmt.Sprintf("  %s base URL", p.DisplayName), p.BaseURL)
		enabled = append(enabled, p)
	}
	if len(enabled) == 0 {
		return fmt.Errorf("no providers enabled")
	}

	port := PromptString("Gateway port", "18090")
	metrics := PromptYesNo("Expose Prometheus metrics on /metrics?", true)

	PrintStep("writing " + configPath)
	if err := writeFile(configPath, renderConfig(enabled, directoryPath, port, metrics)); err != nil {
		return err
	}
	PrintStep("writing " + directoryPath)
	if err := writeFile(directoryPath, renderDirectory(enabled)); err != nil {
		return err
	}

	PrintSuccess("configuration created")
	for _, p := range enabled {
		if p.CredentialRef != "" {
			PrintInfo(fmt.Sprintf("set %s before dispatching to %s", p.CredentialRef, p.Name))
		}
	}
	PrintInfo("start the gateway with: modelgate serve --config " + configPath)
	return nil
}

func writeFile(path, content string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// renderConfig produces the starter config YAML. Rendered as text rather
// than marshaled structs so duration fields and comments stay readable.
func renderConfig(providers []ProviderInfo, directoryPath, port string, metrics bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "server:\n")
	fmt.Fprintf(&b, "  port: ${MODELGATE_PORT:-%s}\n", port)
	fmt.Fprintf(&b, "  read_header_timeout: 5s\n")
	fmt.Fprintf(&b, "  idle_timeout: 120s\n")
	fmt.Fprintf(&b, "  shutdown_grace: 30s\n\n")

	fmt.Fprintf(&b, "routes:\n")
	fmt.Fprintf(&b, "  directory_path: %s\n", directoryPath)
	fmt.Fprintf(&b, "  refresh_interval: 30s\n")
	fmt.Fprintf(&b, "  table:\n")
	for _, p := range providers {
		fmt.Fprintf(&b, "    - pattern: %s\n", p.Pattern)
		fmt.Fprintf(&b, "      provider: %s\n", p.Name)
		fmt.Fprintf(&b, "      protocol: %s\n", p.Protocol)
		if p.CredentialRef != "" {
			fmt.Fprintf(&b, "      credential_ref: %s\n", p.CredentialRef)
		}
		fmt.Fprintf(&b, "      request_timeout: %s\n", p.RequestTimeout)
		fmt.Fprintf(&b, "      idle_gap_timeout: %s\n", p.IdleGapTimeout)
	}

	fmt.Fprintf(&b, "\nresilience:\n")
	fmt.Fprintf(&b, "  breaker:\n")
	fmt.Fprintf(&b, "    failure_threshold: 5\n")
	fmt.Fprintf(&b, "    sliding_window_size: 20\n")
	fmt.Fprintf(&b, "    failure_rate_threshold: 0.5\n")
	fmt.Fprintf(&b, "    wait_duration_in_open: 30s\n")
	fmt.Fprintf(&b, "    half_open_probe_count: 3\n")
	fmt.Fprintf(&b, "  rate_limit:\n")
	fmt.Fprintf(&b, "    default_class: standard\n")
	fmt.Fprintf(&b, "    classes:\n")
	fmt.Fprintf(&b, "      standard:\n")
	fmt.Fprintf(&b, "        replenish_rate: 5\n")
	fmt.Fprintf(&b, "        burst_capacity: 20\n")
	fmt.Fprintf(&b, "      premium:\n")
	fmt.Fprintf(&b, "        replenish_rate: 50\n")
	fmt.Fprintf(&b, "        burst_capacity: 200\n")

	fmt.Fprintf(&b, "\nmonitoring:\n")
	fmt.Fprintf(&b, "  log_level: info\n")
	fmt.Fprintf(&b, "  log_format: auto\n")
	fmt.Fprintf(&b, "  metrics_enabled: %t\n", metrics)
	fmt.Fprintf(&b, "  dispatch_log_path: logs/dispatches.jsonl\n")

	return b.String()
}

// renderDirectory produces the starter instance directory YAML.
func renderDirectory(providers []ProviderInfo) string {
	var b strings.Builder

	fmt.Fprintf(&b, "instances:\n")
	for _, p := range providers {
		fmt.Fprintf(&b, "  - provider: %s\n", p.Name)
		fmt.Fprintf(&b, "    base_url: %s\n", p.BaseURL)
		fmt.Fprintf(&b, "    healthy: true\n")
	}
	return b.String()
}
