// Package monitoring - request_logger.go logs HTTP request lifecycle.
//
// DESIGN: Structured logging for request tracing at DEBUG level:
//   - LogIncoming:  Request received from caller
//   - LogDispatch:  Request routed and forwarded to an upstream target
//   - LogStreamEnd: Stream finished relaying to the caller
//   - LogResponse:  Non-streaming response sent to caller
package monitoring

import (
	"net/http"
	"time"
)

// RequestLogger logs HTTP request lifecycle events.
type RequestLogger struct {
	logger *Logger
}

// NewRequestLogger creates a new request logger.
func NewRequestLogger(logger *Logger) *RequestLogger {
	return &RequestLogger{logger: logger}
}

// RequestInfo contains incoming request information.
type RequestInfo struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
	BodySize   int
	StartTime  time.Time
}

// NewRequestInfo creates RequestInfo from an HTTP request.
func NewRequestInfo(r *http.Request, requestID string, bodySize int) *RequestInfo {
	return &RequestInfo{
		RequestID:  requestID,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		BodySize:   bodySize,
		StartTime:  time.Now(),
	}
}

// LogIncoming logs an incoming request.
func (rl *RequestLogger) LogIncoming(info *RequestInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("method", info.Method).
		Str("path", info.Path).
		Int("body_size", info.BodySize).
		Msg("incoming")
}

// DispatchInfo contains outgoing dispatch information.
type DispatchInfo struct {
	RequestID    string
	Target       string
	Protocol     string
	BaseURL      string
	BreakerState string
}

// LogDispatch logs a request forwarded to an upstream target.
func (rl *RequestLogger) LogDispatch(info *DispatchInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("target", info.Target).
		Str("protocol", info.Protocol).
		Str("breaker_state", info.BreakerState).
		Msg("dispatch")
}

// StreamEndInfo contains stream completion information.
type StreamEndInfo struct {
	RequestID     string
	Target        string
	Outcome       string
	ContentDeltas int
	Latency       time.Duration
}

// LogStreamEnd logs a finished stream.
func (rl *RequestLogger) LogStreamEnd(info *StreamEndInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("target", info.Target).
		Str("outcome", info.Outcome).
		Int("content_deltas", info.ContentDeltas).
		Dur("latency", info.Latency).
		Msg("stream_end")
}

// ResponseInfo contains response information.
type ResponseInfo struct {
	RequestID  string
	StatusCode int
	Latency    time.Duration
}

// LogResponse logs a non-streaming response.
func (rl *RequestLogger) LogResponse(info *ResponseInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Int("status", info.StatusCode).
		Dur("latency", info.Latency).
		Msg("response")
}
