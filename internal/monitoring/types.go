// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by both gateway/ and monitoring/ packages.
// Defined here ONCE to avoid duplication and circular imports.
//
// TYPES:
//   - DispatchRecord: Telemetry data for each dispatched request
//   - Config types:   RecordConfig, LoggerConfig, AlertConfig
package monitoring

import "time"

// =============================================================================
// RECORD TYPES - Structured data for dispatch recording
// =============================================================================

// DispatchRecord captures one request dispatched through the gateway.
type DispatchRecord struct {
	RequestID         string    `json:"request_id"`
	Timestamp         time.Time `json:"timestamp"`
	Method            string    `json:"method"`
	Path              string    `json:"path"`
	ClientIP          string    `json:"client_ip"`
	Identity          string    `json:"identity"`
	TargetKey         string    `json:"target_key,omitempty"`
	Provider          string    `json:"provider,omitempty"`
	Model             string    `json:"model,omitempty"`
	Outcome           string    `json:"outcome"`
	ErrorKind         string    `json:"error_kind,omitempty"`
	BreakerState      string    `json:"breaker_state,omitempty"`
	RequestBodySize   int       `json:"request_body_size"`
	ContentDeltas     int       `json:"content_deltas"`
	ToolCallDeltas    int       `json:"tool_call_deltas"`
	InputTokens       int       `json:"input_tokens,omitempty"`
	OutputTokens      int       `json:"output_tokens,omitempty"`
	EstimatedInTokens int       `json:"estimated_input_tokens,omitempty"`
	FirstEventMs      int64     `json:"first_event_ms,omitempty"`
	TotalLatencyMs    int64     `json:"total_latency_ms"`
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// RecordConfig contains dispatch record sink configuration.
type RecordConfig struct {
	LogPath string `yaml:"log_path"` // JSONL file, empty disables
	DBPath  string `yaml:"db_path"`  // SQLite file, empty disables
}

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console, auto
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// AlertConfig contains alert thresholds.
type AlertConfig struct {
	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"`
}
