// Package normalizer validates and terminates canonical event streams.
//
// DESIGN: Sits between a provider adapter and the caller-facing stream.
// It enforces the two invariants adapters alone cannot guarantee:
//
//  1. Ordering: a ToolCallDelta argument fragment must reference a
//     tool-call id previously opened in the same stream. A violation is a
//     bug signal, converted to an internal_ordering ErrorEvent and logged
//     at high severity, never silently dropped.
//  2. Termination: every stream closes with exactly one StreamEnd. A
//     failed stream carries an ErrorEvent immediately before it, so
//     callers keep partial output and still observe a closed stream. If
//     the adapter's channel closes without a terminal event, an
//     abnormal-termination error is synthesized; anything the adapter
//     emits after its terminal event is discarded.
//
// The normalizer preserves arrival order and never reorders events.
package normalizer

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/relayr/modelgate/internal/events"
)

// Run consumes raw adapter events from in and forwards validated events to
// out until the stream has been closed, then drains the rest of in. It
// closes out when done. The output sequence always ends with exactly one
// StreamEnd; a failure is an ErrorEvent immediately before it.
//
// out inherits in's bounded-buffer backpressure: a slow consumer blocks
// the forward, which blocks the adapter's send, which stops upstream reads.
func Run(ctx context.Context, in <-chan events.Event, out chan<- events.Event) {
	defer close(out)

	open := make(map[string]bool) // tool-call ids opened in this stream
	ended := false

	for ev := range in {
		if ended {
			// Events after the terminal one violate the adapter contract;
			// drop them and keep draining so the adapter never blocks.
			continue
		}

		if bad, msg := validate(open, ev); bad {
			log.Error().
				Str("event_type", string(ev.Type)).
				Str("detail", msg).
				Msg("normalizer: ordering violation")
			closeWithError(ctx, out, events.Error(events.KindInternalOrdering, msg))
			ended = true
			continue
		}

		if ev.IsTerminal() {
			if ev.Type == events.TypeError {
				closeWithError(ctx, out, ev)
			} else {
				forward(ctx, out, ev)
			}
			ended = true
			continue
		}
		if !forward(ctx, out, ev) {
			return
		}
	}

	if !ended {
		// Adapter stream ended without a terminal event: abnormal
		// termination (connection drop, adapter bug).
		closeWithError(ctx, out, events.Error(events.KindUpstreamTransport, "upstream stream ended without terminal event"))
	}
}

// closeWithError delivers an error event and the closing StreamEnd, so
// failed streams keep the same closing record as successful ones.
func closeWithError(ctx context.Context, out chan<- events.Event, errEv events.Event) {
	if forward(ctx, out, errEv) {
		forward(ctx, out, events.End("error"))
	}
}

// validate checks stream-order invariants, tracking tool-call opens.
// Returns (true, reason) on a violation.
func validate(open map[string]bool, ev events.Event) (bool, string) {
	if ev.Type != events.TypeToolCallDelta {
		return false, ""
	}

	if ev.ToolCallID == "" {
		return true, "tool call delta without id"
	}
	if ev.ToolName != "" {
		// Opening delta.
		open[ev.ToolCallID] = true
		return false, ""
	}
	if !open[ev.ToolCallID] {
		return true, "tool call delta references unopened id " + ev.ToolCallID
	}
	return false, ""
}

// forward delivers one event, giving up only when the caller is gone.
func forward(ctx context.Context, out chan<- events.Event, ev events.Event) bool {
	select {
	case out <- ev:
		return true
	default:
	}
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
