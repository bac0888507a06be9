// Package monitoring - alerts.go flags anomalies and errors.
//
// DESIGN: AlertManager logs notable events at appropriate levels:
//   - FlagHighLatency:     Warn when a dispatch exceeds threshold
//   - FlagUpstreamError:   Warn on upstream 4xx/5xx responses
//   - FlagUpstreamTimeout: Error on request or idle gap expiry
//   - FlagStreamViolation: Error on upstream protocol ordering violations
//   - FlagInvalidRequest:  Debug on rejected request bodies
//   - FlagPanic:           Error on recovered panics
package monitoring

import "time"

// AlertManager flags anomalies and errors.
type AlertManager struct {
	logger               *Logger
	highLatencyThreshold time.Duration
}

// NewAlertManager creates a new alert manager.
func NewAlertManager(logger *Logger, cfg AlertConfig) *AlertManager {
	threshold := cfg.HighLatencyThreshold
	if threshold == 0 {
		threshold = 30 * time.Second
	}
	return &AlertManager{logger: logger, highLatencyThreshold: threshold}
}

// FlagHighLatency logs when dispatch latency exceeds threshold.
func (am *AlertManager) FlagHighLatency(requestID string, latency time.Duration, target string) {
	if latency < am.highLatencyThreshold {
		return
	}
	am.logger.Warn().
		Str("request_id", requestID).
		Dur("latency", latency).
		Str("target", target).
		Msg("high_latency")
}

// FlagUpstreamError logs an upstream provider error.
func (am *AlertManager) FlagUpstreamError(requestID, target string, statusCode int, errorMsg string) {
	am.logger.Warn().
		Str("request_id", requestID).
		Str("target", target).
		Int("status", statusCode).
		Str("error", errorMsg).
		Msg("upstream_error")
}

// FlagStreamViolation logs an upstream stream that violated event ordering.
func (am *AlertManager) FlagStreamViolation(requestID, target, detail string) {
	am.logger.Error().
		Str("request_id", requestID).
		Str("target", target).
		Str("detail", detail).
		Msg("stream_violation")
}

// FlagInvalidRequest logs an invalid request.
func (am *AlertManager) FlagInvalidRequest(requestID, reason string) {
	am.logger.Debug().
		Str("request_id", requestID).
		Str("reason", reason).
		Msg("invalid_request")
}

// FlagPanic logs a recovered panic.
func (am *AlertManager) FlagPanic(requestID string, panicValue interface{}, stack string) {
	am.logger.Error().
		Str("request_id", requestID).
		Interface("panic", panicValue).
		Str("stack", stack).
		Msg("panic_recovered")
}

// FlagUpstreamTimeout logs an upstream idle gap or request timeout.
func (am *AlertManager) FlagUpstreamTimeout(requestID, target string, timeout time.Duration) {
	am.logger.Error().
		Str("request_id", requestID).
		Str("target", target).
		Dur("timeout", timeout).
		Msg("upstream_timeout")
}
