// Monitoring configuration - logging, metrics and dispatch records.
//
// DESIGN: Separates logging (zerolog, for operators) from dispatch records
// (JSONL/SQLite, for analytics). Metrics are Prometheus counters exposed
// on /metrics when enabled.
package config

// MonitoringConfig contains all monitoring settings.
type MonitoringConfig struct {
	// Logging settings
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console
	LogOutput string `yaml:"log_output"` // stdout, stderr, or file path

	// Prometheus metrics
	MetricsEnabled bool `yaml:"metrics_enabled"` // Expose /metrics

	// Dispatch record sinks. Either may be empty to disable.
	DispatchLogPath string `yaml:"dispatch_log_path"` // JSONL file, one record per dispatch
	DispatchDBPath  string `yaml:"dispatch_db_path"`  // SQLite database for dispatch records
}
