// Fallback termination for streams that cannot complete normally.
//
// DESIGN: Once the HTTP status is committed the caller can only learn about
// failures in-stream. Whenever the relay loses its normal terminal event
// (normalizer defect, caller transport half-dead), a synthesized error plus
// the closing StreamEnd are sent best-effort so well-behaved callers always
// observe a closed stream.
package gateway

import (
	"github.com/rs/zerolog/log"

	"github.com/relayr/modelgate/internal/events"
)

// synthesizeTerminal sends a synthesized error and the closing StreamEnd to
// the caller and returns the error for outcome classification. Best effort:
// if the caller is gone the send failures are ignored.
func synthesizeTerminal(s sink, kind events.ErrorKind, msg string) events.Event {
	log.Error().Str("kind", string(kind)).Str("msg", msg).Msg("dispatch: synthesizing terminal event")
	ev := events.Error(kind, msg)
	if err := s.Send(ev); err == nil {
		_ = s.Send(events.End("error"))
	}
	return ev
}
