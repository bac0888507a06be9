// Package adapters translates provider wire protocols into canonical events.
//
// DESIGN: The gateway forwards to multiple upstream providers, each with its
// own request shape, auth header and incremental response encoding. One
// adapter per protocol family implements the same streaming contract:
//
//	Stream(ctx, target, request, secret, out)
//
// The adapter translates the unified request into the provider wire request,
// reads the upstream response incrementally, and emits zero or more
// canonical events per upstream chunk, preserving arrival order. Failures
// surface as in-stream ErrorEvents, never as panics or errors past the
// stream boundary, so partial output already delivered is preserved.
//
// Backpressure: out is a bounded channel owned by the caller. A full
// channel blocks the adapter's send, which stops it reading further
// upstream bytes until the consumer catches up.
//
// To add a new provider: implement StreamAdapter and register it in the
// Registry under its protocol kind.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/relayr/modelgate/internal/config"
	"github.com/relayr/modelgate/internal/events"
	"github.com/relayr/modelgate/internal/router"
)

const (
	// maxErrorBodyLen limits upstream error bodies quoted in error events.
	maxErrorBodyLen = 500

	// maxFrameSize bounds the buffered size of a single provider frame.
	// Adapters buffer at most one parseable unit, never the full response.
	maxFrameSize = 1 << 20
)

// Request is the unified inbound request schema.
type Request struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Tool is a tool definition offered to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// StreamAdapter is the capability interface every provider adapter
// implements. Adapters are stateless and safe for concurrent use.
type StreamAdapter interface {
	// Name returns the adapter identifier (e.g. "openai", "anthropic").
	Name() string

	// Protocol returns the wire protocol this adapter speaks.
	Protocol() config.Protocol

	// Stream performs one upstream call and emits canonical events to out.
	// It returns when the upstream stream has ended; it never closes out
	// (the caller owns the channel) and never returns an error — failures
	// are events. The sequence is finite and not restartable.
	Stream(ctx context.Context, target router.Target, req *Request, secret string, out chan<- events.Event)
}

// BaseAdapter provides common identity for all adapters.
type BaseAdapter struct {
	name     string
	protocol config.Protocol
}

// Name returns the adapter name.
func (a *BaseAdapter) Name() string { return a.name }

// Protocol returns the protocol kind.
func (a *BaseAdapter) Protocol() config.Protocol { return a.protocol }

// sharedClient is reused across dispatches for connection pooling.
// No client-level timeout: streams are bounded by the request context and
// the per-route idle watchdog instead.
var sharedClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	},
}

// emit sends an event unless the context is done. Returns false when the
// caller has gone away and the adapter should stop reading upstream.
// The non-blocking first attempt lets a terminal error still reach a ready
// consumer after the adapter's own context was canceled (idle watchdog).
func emit(ctx context.Context, out chan<- events.Event, ev events.Event) bool {
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

// emitTransportError classifies a transport-layer failure as an in-stream
// error event. Caller cancellation is reported as its own kind so breaker
// accounting can ignore it.
func emitTransportError(ctx context.Context, out chan<- events.Event, err error) {
	kind := events.KindUpstreamTransport
	if ctx.Err() == context.Canceled {
		kind = events.KindCallerCanceled
	}
	// Best effort: if the caller is gone the event send fails too.
	emit(ctx, out, events.Error(kind, err.Error()))
}

// emitStatusError converts a non-2xx upstream response into an error event
// carrying the HTTP status for outcome classification (4xx must not count
// against upstream health).
func emitStatusError(ctx context.Context, out chan<- events.Event, provider string, resp *http.Response) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	ev := events.Error(events.KindUpstreamTransport, fmt.Sprintf("%s returned status %d: %s", provider, resp.StatusCode, msg))
	ev.HTTPStatus = resp.StatusCode
	emit(ctx, out, ev)
}

// IdleTimeoutMessage is the error message emitted when the idle watchdog
// cancels an upstream read. The dispatcher matches it to tell an idle gap
// expiry from other transport failures.
const IdleTimeoutMessage = "idle gap timeout exceeded"

// idleWatchdog cancels an upstream request when no bytes arrive within the
// idle gap. Reset on every received frame.
type idleWatchdog struct {
	timer *time.Timer
	gap   time.Duration
	fired atomic.Bool
}

func newIdleWatchdog(gap time.Duration, cancel context.CancelFunc) *idleWatchdog {
	w := &idleWatchdog{gap: gap}
	if gap > 0 {
		w.timer = time.AfterFunc(gap, func() {
			w.fired.Store(true)
			cancel()
		})
	}
	return w
}

// Reset restarts the idle countdown.
func (w *idleWatchdog) Reset() {
	if w.timer != nil {
		w.timer.Reset(w.gap)
	}
}

// Stop disarms the watchdog.
func (w *idleWatchdog) Stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Fired reports whether the watchdog expired.
func (w *idleWatchdog) Fired() bool { return w.fired.Load() }
