// Request dispatcher - the single flow every model call goes through.
//
// DESIGN: One dispatch advances strictly through:
//
//	admitted (rate limiter) → routed (resolver) → permitted (breaker)
//	→ streaming (adapter → normalizer → caller) → terminal outcome
//
// Failures before streaming are HTTP rejections; failures after the stream
// has started travel in-stream as terminal error events. The breaker permit
// is resolved exactly once with the classified outcome.
//
// The caller transport is abstracted behind the sink interface so the SSE
// and websocket surfaces share the whole flow.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/relayr/modelgate/internal/adapters"
	"github.com/relayr/modelgate/internal/breaker"
	"github.com/relayr/modelgate/internal/events"
	"github.com/relayr/modelgate/internal/monitoring"
	"github.com/relayr/modelgate/internal/normalizer"
	"github.com/relayr/modelgate/internal/router"
)

// sink is the caller-side transport for one dispatch.
type sink interface {
	// Reject reports a pre-stream failure. Valid only before Start.
	Reject(kind events.ErrorKind, msg string, retryAfter time.Duration)

	// Start commits to streaming. After Start, failures are in-stream events.
	Start() error

	// Send relays one normalized event. An error means the caller is gone.
	Send(ev events.Event) error
}

// =============================================================================
// SSE TRANSPORT
// =============================================================================

// handleDispatch serves the SSE caller surface for route table paths.
func (g *Gateway) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, events.KindInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, events.KindInternal, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBodySize))
	if err != nil {
		writeError(w, events.KindInvalidRequest, "request body too large or unreadable", http.StatusBadRequest)
		return
	}

	var req adapters.Request
	if err := json.Unmarshal(body, &req); err != nil {
		g.alerts.FlagInvalidRequest(monitoring.RequestIDFromContext(r.Context()), "malformed JSON body")
		writeError(w, events.KindInvalidRequest, "malformed JSON body", http.StatusBadRequest)
		return
	}
	if err := validateRequest(&req); err != nil {
		g.alerts.FlagInvalidRequest(monitoring.RequestIDFromContext(r.Context()), err.Error())
		writeError(w, events.KindInvalidRequest, err.Error(), http.StatusBadRequest)
		return
	}

	meta := g.newMeta(r, len(body))
	g.dispatch(r.Context(), &req, meta, &sseSink{w: w, flusher: flusher})
}

// sseSink relays events as server-sent events.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Reject(kind events.ErrorKind, msg string, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int(math.Ceil(retryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		s.w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeError(s.w, kind, msg, statusForKind(kind))
}

func (s *sseSink) Start() error {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Send(ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// =============================================================================
// DISPATCH FLOW
// =============================================================================

// dispatch runs one request through admission, routing, breaker permit and
// the streaming relay, independent of the caller transport.
func (g *Gateway) dispatch(ctx context.Context, req *adapters.Request, meta requestMeta, s sink) {
	// Admission: one token per request against the caller's identity bucket.
	dec := g.limiter.TryAcquire(meta.Identity, meta.RateClass, 1)
	if !dec.Allowed {
		g.metrics.RecordRateLimitRejection(meta.RateClass)
		g.reject(s, meta, nil, events.KindRateLimited, "rate limit exceeded", dec.RetryAfter)
		return
	}

	// Routing: path pattern → provider rule → healthy instance.
	target, err := g.resolver.Resolve(meta.Path, req.Model)
	if err != nil {
		kind := events.KindNoRoute
		if errors.Is(err, router.ErrNoHealthyInstance) {
			kind = events.KindNoHealthyInstance
		}
		g.reject(s, meta, nil, kind, err.Error(), 0)
		return
	}

	// Breaker permit: rejected without any upstream contact when open.
	permit, ok := g.breakers.Acquire(target.Key())
	if !ok {
		g.reject(s, meta, &target, events.KindUpstreamUnavailable,
			fmt.Sprintf("upstream %s is unavailable", target.Key()), 0)
		return
	}
	// The state at permit time goes into the dispatch record; the outcome
	// reported below may transition the breaker before the record is cut.
	entryState := g.breakers.CurrentState(target.Key())

	secret, err := g.credentials.Resolve(target.CredentialRef)
	if err != nil {
		// Local configuration problem, invisible to upstream health.
		permit.Record(breaker.OutcomeClientError)
		g.reject(s, meta, &target, events.KindInternal,
			fmt.Sprintf("credential %q is not configured", target.CredentialRef), 0)
		return
	}

	adapter := g.adapters.Get(target.Protocol)
	if adapter == nil {
		permit.Record(breaker.OutcomeClientError)
		g.reject(s, meta, &target, events.KindInternal,
			fmt.Sprintf("no adapter for protocol %q", target.Protocol), 0)
		return
	}

	if err := s.Start(); err != nil {
		permit.Record(breaker.OutcomeCanceled)
		return
	}

	g.streamDispatch(ctx, req, meta, s, target, adapter, secret, permit, entryState)
}

// streamDispatch relays the upstream stream to the caller and resolves the
// breaker permit from the terminal event.
func (g *Gateway) streamDispatch(ctx context.Context, req *adapters.Request, meta requestMeta, s sink,
	target router.Target, adapter adapters.StreamAdapter, secret string, permit *breaker.Permit,
	entryState breaker.State) {

	g.metrics.StreamStarted()
	defer g.metrics.StreamFinished()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if target.RequestTimeout > 0 {
		sctx, cancel = context.WithTimeout(sctx, target.RequestTimeout)
		defer cancel()
	}

	g.requestLogger.LogDispatch(&monitoring.DispatchInfo{
		RequestID:    meta.RequestID,
		Target:       target.Key(),
		Protocol:     string(target.Protocol),
		BaseURL:      target.BaseURL,
		BreakerState: string(entryState),
	})

	// Bounded channels: a slow caller backpressures the upstream read
	// instead of buffering the stream.
	raw := make(chan events.Event, eventBufferSize)
	norm := make(chan events.Event, eventBufferSize)

	go func() {
		adapter.Stream(sctx, target, req, secret, raw)
		close(raw)
	}()
	go normalizer.Run(sctx, raw, norm)

	var (
		terminal       events.Event
		contentDeltas  int
		toolCallDeltas int
		inputTokens    int
		outputTokens   int
		firstEvent     time.Duration
	)

	for ev := range norm {
		if firstEvent == 0 {
			firstEvent = time.Since(meta.Start)
		}
		switch ev.Type {
		case events.TypeContentDelta:
			contentDeltas++
		case events.TypeToolCallDelta:
			toolCallDeltas++
		case events.TypeUsage:
			inputTokens = ev.InputTokens
			outputTokens = ev.OutputTokens
		}
		g.metrics.RecordStreamEvent(string(ev.Type))

		if err := s.Send(ev); err != nil {
			// Caller is gone: stop the upstream read and drain the
			// normalizer so both goroutines exit.
			cancel()
			for range norm {
			}
			terminal = events.Error(events.KindCallerCanceled, "caller disconnected mid-stream")
			break
		}
		// A failed stream is an error event followed by the closing
		// StreamEnd; the error decides the outcome.
		switch ev.Type {
		case events.TypeError:
			terminal = ev
		case events.TypeStreamEnd:
			if terminal.Type == "" {
				terminal = ev
			}
		}
	}
	if terminal.Type == "" {
		// The normalizer guarantees a terminal event; this is a safety net.
		terminal = synthesizeTerminal(s, events.KindUpstreamTransport, "stream ended without terminal event")
	}

	outcome, breakerOutcome := outcomeForTerminal(terminal)
	permit.Record(breakerOutcome)

	latency := time.Since(meta.Start)
	g.metrics.RecordDispatch(target.Key(), outcome, latency)
	g.alerts.FlagHighLatency(meta.RequestID, latency, target.Key())
	if terminal.Type == events.TypeError && terminal.HTTPStatus != 0 {
		g.alerts.FlagUpstreamError(meta.RequestID, target.Key(), terminal.HTTPStatus, terminal.ErrorMessage)
	}
	if terminal.ErrorKind == events.KindInternalOrdering {
		g.alerts.FlagStreamViolation(meta.RequestID, target.Key(), terminal.ErrorMessage)
	}
	if terminal.ErrorKind == events.KindUpstreamTransport {
		switch {
		case errors.Is(sctx.Err(), context.DeadlineExceeded):
			g.alerts.FlagUpstreamTimeout(meta.RequestID, target.Key(), target.RequestTimeout)
		case terminal.ErrorMessage == adapters.IdleTimeoutMessage:
			g.alerts.FlagUpstreamTimeout(meta.RequestID, target.Key(), target.IdleGapTimeout)
		}
	}

	g.requestLogger.LogStreamEnd(&monitoring.StreamEndInfo{
		RequestID:     meta.RequestID,
		Target:        target.Key(),
		Outcome:       outcome,
		ContentDeltas: contentDeltas,
		Latency:       latency,
	})

	rec := &monitoring.DispatchRecord{
		RequestID:         meta.RequestID,
		Timestamp:         meta.Start,
		Method:            meta.Method,
		Path:              meta.Path,
		ClientIP:          meta.ClientIP,
		Identity:          meta.Identity,
		TargetKey:         target.Key(),
		Provider:          target.Provider,
		Model:             target.Model,
		Outcome:           outcome,
		ErrorKind:         string(terminal.ErrorKind),
		BreakerState:      string(entryState),
		RequestBodySize:   meta.BodySize,
		ContentDeltas:     contentDeltas,
		ToolCallDeltas:    toolCallDeltas,
		InputTokens:       inputTokens,
		OutputTokens:      outputTokens,
		EstimatedInTokens: g.estimateInput(req),
		FirstEventMs:      firstEvent.Milliseconds(),
		TotalLatencyMs:    latency.Milliseconds(),
	}
	g.recorder.Record(rec)
}

// reject reports a pre-stream failure and records the dispatch.
func (g *Gateway) reject(s sink, meta requestMeta, target *router.Target,
	kind events.ErrorKind, msg string, retryAfter time.Duration) {

	s.Reject(kind, msg, retryAfter)

	rec := &monitoring.DispatchRecord{
		RequestID:       meta.RequestID,
		Timestamp:       meta.Start,
		Method:          meta.Method,
		Path:            meta.Path,
		ClientIP:        meta.ClientIP,
		Identity:        meta.Identity,
		Outcome:         string(kind),
		ErrorKind:       string(kind),
		RequestBodySize: meta.BodySize,
		TotalLatencyMs:  time.Since(meta.Start).Milliseconds(),
	}
	if target != nil {
		rec.TargetKey = target.Key()
		rec.Provider = target.Provider
		rec.Model = target.Model
		rec.BreakerState = string(g.breakers.CurrentState(target.Key()))
	}
	g.recorder.Record(rec)
}

// =============================================================================
// HELPERS
// =============================================================================

// validateRequest checks the unified request schema.
func validateRequest(req *adapters.Request) error {
	if req.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i, m := range req.Messages {
		if m.Role == "" {
			return fmt.Errorf("messages[%d].role is required", i)
		}
	}
	return nil
}

// newMeta builds the per-request metadata from the HTTP request.
func (g *Gateway) newMeta(r *http.Request, bodySize int) requestMeta {
	return requestMeta{
		RequestID: monitoring.RequestIDFromContext(r.Context()),
		Method:    r.Method,
		Path:      r.URL.Path,
		ClientIP:  g.getClientIP(r),
		Identity:  g.identity(r),
		RateClass: r.Header.Get(HeaderRateClass),
		BodySize:  bodySize,
		Start:     time.Now(),
	}
}

// identity derives the caller identity for rate limiting and records.
// API keys are fingerprinted so they never appear in logs or records.
func (g *Gateway) identity(r *http.Request) string {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		sum := sha256.Sum256([]byte(key))
		return fmt.Sprintf("key:%x", sum[:6])
	}
	return "ip:" + g.getClientIP(r)
}

// estimateInput estimates prompt tokens for the dispatch record when the
// upstream reported none.
func (g *Gateway) estimateInput(req *adapters.Request) int {
	n := g.estimator.Count(req.System)
	for _, m := range req.Messages {
		n += g.estimator.Count(m.Content)
	}
	return n
}
