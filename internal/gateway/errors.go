// Error taxonomy for the caller surface.
//
// DESIGN: Every rejection carries a machine-readable kind from the canonical
// event model plus a human-readable message. Before the stream starts the
// kind maps to an HTTP status; once streaming, failures travel in-stream as
// terminal error events and the HTTP status is already committed.
package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/relayr/modelgate/internal/breaker"
	"github.com/relayr/modelgate/internal/events"
)

// errorBody is the JSON error envelope for pre-stream rejections.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    events.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

// statusForKind maps a pre-stream error kind to its HTTP status.
func statusForKind(kind events.ErrorKind) int {
	switch kind {
	case events.KindInvalidRequest:
		return http.StatusBadRequest
	case events.KindRateLimited:
		return http.StatusTooManyRequests
	case events.KindNoRoute:
		return http.StatusNotFound
	case events.KindNoHealthyInstance, events.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response with the given kind and status.
func writeError(w http.ResponseWriter, kind events.ErrorKind, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Kind: kind, Message: message}})
}

// outcomeForTerminal classifies a terminal event for breaker accounting and
// record labeling. Caller cancellations and upstream 4xx responses never
// count against upstream health.
func outcomeForTerminal(ev events.Event) (string, breaker.Outcome) {
	if ev.Type == events.TypeStreamEnd {
		return OutcomeSuccess, breaker.OutcomeSuccess
	}

	switch {
	case ev.ErrorKind == events.KindCallerCanceled:
		return OutcomeCanceled, breaker.OutcomeCanceled
	case ev.HTTPStatus >= 400 && ev.HTTPStatus < 500:
		return OutcomeClientError, breaker.OutcomeClientError
	default:
		return OutcomeFailure, breaker.OutcomeFailure
	}
}
