// Package gateway types - shared constants and request metadata.
//
// DESIGN: Types used by the gateway for:
//   - Header names on the caller surface
//   - Dispatch outcome labels for metrics and records
//   - Per-request metadata carried through the dispatch flow
//
// Types are defined here to avoid circular imports and provide clear contracts.
package gateway

import "time"

// Caller-facing header names.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderAPIKey    = "X-API-Key"
	HeaderRateClass = "X-Rate-Class"
)

// MaxRequestBodySize bounds inbound request bodies.
const MaxRequestBodySize = 10 << 20

// eventBufferSize is the capacity of the adapter→normalizer and
// normalizer→caller channels. Bounded so a slow caller exerts backpressure
// on the upstream read instead of buffering the whole stream.
const eventBufferSize = 32

// =============================================================================
// OUTCOME LABELS - terminal classification for metrics and records
// =============================================================================

// Dispatch outcomes. Fast-fail rejections reuse the error kind as outcome.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeClientError = "client_error"
	OutcomeCanceled    = "canceled"
)

// requestMeta carries per-request facts through the dispatch flow,
// independent of the caller transport.
type requestMeta struct {
	RequestID string
	Method    string
	Path      string
	ClientIP  string
	Identity  string
	RateClass string
	BodySize  int
	Start     time.Time
}
