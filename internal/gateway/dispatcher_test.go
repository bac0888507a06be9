package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayr/modelgate/internal/adapters"
	"github.com/relayr/modelgate/internal/breaker"
	"github.com/relayr/modelgate/internal/config"
	"github.com/relayr/modelgate/internal/credentials"
	"github.com/relayr/modelgate/internal/events"
	"github.com/relayr/modelgate/internal/monitoring"
	"github.com/relayr/modelgate/internal/ratelimit"
	"github.com/relayr/modelgate/internal/router"
	"github.com/relayr/modelgate/internal/usage"
)

// =============================================================================
// TEST FIXTURES
// =============================================================================

func testGatewayConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 0, ReadHeaderTimeout: 5 * time.Second},
		Routes: config.RoutesConfig{
			Table: []config.RouteRule{{
				Pattern:        "/v1/chat",
				Provider:       "testprov",
				Protocol:       config.ProtocolOpenAI,
				CredentialRef:  "TEST_KEY",
				RequestTimeout: 10 * time.Second,
				IdleGapTimeout: 5 * time.Second,
			}},
			DirectoryPath: "unused",
		},
		Resilience: config.ResilienceConfig{
			Breaker: config.BreakerConfig{
				FailureThreshold:     2,
				SlidingWindowSize:    4,
				FailureRateThreshold: 0.5,
				WaitDurationInOpen:   time.Minute,
				HalfOpenProbeCount:   1,
			},
			RateLimit: config.RateLimitConfig{
				DefaultClass: "standard",
				Classes: map[string]config.RateClass{
					"standard": {ReplenishRate: 100, BurstCapacity: 100},
				},
			},
		},
		Monitoring: config.MonitoringConfig{LogLevel: "error", LogFormat: "json"},
	}
}

// newTestGateway assembles a gateway against a fixed upstream directory,
// bypassing New so tests control every component.
func newTestGateway(t *testing.T, cfg *config.Config, upstreamURL string) *Gateway {
	t.Helper()

	dir := router.NewStaticDirectory([]router.Instance{
		{Provider: "testprov", BaseURL: upstreamURL, Healthy: true},
	})
	recorder, err := monitoring.NewRecorder(monitoring.RecordConfig{})
	require.NoError(t, err)

	logger := monitoring.New(monitoring.LoggerConfig{Level: "error", Format: "json"})
	limiter := ratelimit.New(cfg.Resilience.RateLimit)
	t.Cleanup(limiter.Close)

	return &Gateway{
		config:        cfg,
		resolver:      router.New(cfg.Routes.Table, dir),
		directory:     dir,
		limiter:       limiter,
		breakers:      breaker.NewRegistry(cfg.Resilience.Breaker),
		adapters:      adapters.NewRegistry(),
		credentials:   credentials.StaticStore{"TEST_KEY": "sk-test"},
		logger:        logger,
		requestLogger: monitoring.NewRequestLogger(logger),
		alerts:        monitoring.NewAlertManager(logger, monitoring.AlertConfig{}),
		metrics:       monitoring.NewMetrics(),
		recorder:      recorder,
		estimator:     usage.NewEstimator(),
	}
}

// openaiSSEUpstream emits a small successful OpenAI chat stream.
func openaiSSEUpstream(hits *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2}}`,
			`[DONE]`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			w.(http.Flusher).Flush()
		}
	}
}

func dispatchBody() string {
	return `{"model":"gpt-x","messages":[{"role":"user","content":"hi"}]}`
}

func postDispatch(t *testing.T, url, body string, header http.Header) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// readSSE decodes every frame of an SSE response body.
func readSSE(t *testing.T, resp *http.Response) []events.Event {
	t.Helper()

	raw := new(strings.Builder)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		raw.Write(buf[:n])
		if err != nil {
			break
		}
	}

	var got []events.Event
	for _, frame := range strings.Split(raw.String(), "\n\n") {
		for _, line := range strings.Split(frame, "\n") {
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var ev events.Event
				require.NoError(t, json.Unmarshal([]byte(data), &ev))
				got = append(got, ev)
			}
		}
	}
	return got
}

func decodeErrorBody(t *testing.T, resp *http.Response) errorBody {
	t.Helper()

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

// =============================================================================
// DISPATCH FLOW
// =============================================================================

func TestDispatch_StreamingSuccess(t *testing.T) {
	upstream := httptest.NewServer(openaiSSEUpstream(nil))
	defer upstream.Close()

	g := newTestGateway(t, testGatewayConfig(), upstream.URL)
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	resp := postDispatch(t, srv.URL+"/v1/chat", dispatchBody(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	got := readSSE(t, resp)
	require.Len(t, got, 4)
	assert.Equal(t, events.TypeContentDelta, got[0].Type)
	assert.Equal(t, "Hel", got[0].Text)
	assert.Equal(t, events.TypeUsage, got[2].Type)
	assert.Equal(t, 7, got[2].InputTokens)
	assert.Equal(t, events.TypeStreamEnd, got[3].Type)
	assert.Equal(t, "stop", got[3].StopReason)

	assert.Equal(t, 1, g.recorder.Count())
	assert.Equal(t, breaker.StateClosed, g.breakers.CurrentState("testprov/gpt-x"))
}

func TestDispatch_MethodNotAllowed(t *testing.T) {
	g := newTestGateway(t, testGatewayConfig(), "http://unused")
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/chat")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDispatch_InvalidRequest(t *testing.T) {
	g := newTestGateway(t, testGatewayConfig(), "http://unused")
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{not json`},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`},
		{"empty messages", `{"model":"gpt-x","messages":[]}`},
		{"message without role", `{"model":"gpt-x","messages":[{"content":"hi"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postDispatch(t, srv.URL+"/v1/chat", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, events.KindInvalidRequest, decodeErrorBody(t, resp).Error.Kind)
		})
	}
}

func TestDispatch_NoRoute(t *testing.T) {
	g := newTestGateway(t, testGatewayConfig(), "http://unused")
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	resp := postDispatch(t, srv.URL+"/v9/unknown", dispatchBody(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, events.KindNoRoute, decodeErrorBody(t, resp).Error.Kind)
	assert.Equal(t, 1, g.recorder.Count(), "rejections are recorded too")
}

func TestDispatch_NoHealthyInstance(t *testing.T) {
	g := newTestGateway(t, testGatewayConfig(), "http://unused")
	g.directory.Replace([]router.Instance{
		{Provider: "testprov", BaseURL: "http://unused", Healthy: false},
	})
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	resp := postDispatch(t, srv.URL+"/v1/chat", dispatchBody(), nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, events.KindNoHealthyInstance, decodeErrorBody(t, resp).Error.Kind)
}

func TestDispatch_RateLimited(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.Resilience.RateLimit.Classes["standard"] = config.RateClass{
		ReplenishRate: 0.5, BurstCapacity: 2,
	}
	g := newTestGateway(t, cfg, "http://unused")
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	// Admission precedes routing, so an unrouted path still spends tokens.
	for i := 0; i < 2; i++ {
		resp := postDispatch(t, srv.URL+"/v9/unrouted", dispatchBody(), nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}

	resp := postDispatch(t, srv.URL+"/v9/unrouted", dispatchBody(), nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, events.KindRateLimited, decodeErrorBody(t, resp).Error.Kind)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestDispatch_RateLimitIdentitiesIndependent(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.Resilience.RateLimit.Classes["standard"] = config.RateClass{
		ReplenishRate: 0.5, BurstCapacity: 1,
	}
	g := newTestGateway(t, cfg, "http://unused")
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	keyA := http.Header{HeaderAPIKey: []string{"caller-a"}}
	keyB := http.Header{HeaderAPIKey: []string{"caller-b"}}

	resp := postDispatch(t, srv.URL+"/v9/unrouted", dispatchBody(), keyA)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = postDispatch(t, srv.URL+"/v9/unrouted", dispatchBody(), keyA)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// A different key has its own bucket.
	resp = postDispatch(t, srv.URL+"/v9/unrouted", dispatchBody(), keyB)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDispatch_BreakerOpenSkipsUpstream(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer upstream.Close()

	g := newTestGateway(t, testGatewayConfig(), upstream.URL)
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	// Two upstream failures trip the breaker.
	for i := 0; i < 2; i++ {
		resp := postDispatch(t, srv.URL+"/v1/chat", dispatchBody(), nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "failure after commit travels in-stream")
		got := readSSE(t, resp)
		require.GreaterOrEqual(t, len(got), 2)
		assert.Equal(t, events.TypeError, got[len(got)-2].Type)
		assert.Equal(t, events.TypeStreamEnd, got[len(got)-1].Type)
	}
	require.Equal(t, breaker.StateOpen, g.breakers.CurrentState("testprov/gpt-x"))

	// Open breaker rejects before any upstream contact.
	resp := postDispatch(t, srv.URL+"/v1/chat", dispatchBody(), nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, events.KindUpstreamUnavailable, decodeErrorBody(t, resp).Error.Kind)
	assert.Equal(t, int64(2), hits.Load())
}

func TestDispatch_MissingCredentialIsLocalFailure(t *testing.T) {
	g := newTestGateway(t, testGatewayConfig(), "http://unused")
	g.credentials = credentials.StaticStore{}
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	resp := postDispatch(t, srv.URL+"/v1/chat", dispatchBody(), nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, events.KindInternal, decodeErrorBody(t, resp).Error.Kind)
	// A config problem must not poison upstream health.
	assert.Equal(t, breaker.StateClosed, g.breakers.CurrentState("testprov/gpt-x"))
}

// =============================================================================
// OPERATIONAL ENDPOINTS
// =============================================================================

func TestHealthz(t *testing.T) {
	g := newTestGateway(t, testGatewayConfig(), "http://unused")
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["instances"])
}

func TestBreakersEndpoint(t *testing.T) {
	g := newTestGateway(t, testGatewayConfig(), "http://unused")
	g.breakers.Acquire("testprov/gpt-x")
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/breakers")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Targets map[string]breaker.TargetStatus `json:"targets"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Targets, "testprov/gpt-x")
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.Monitoring.MetricsEnabled = true
	upstream := httptest.NewServer(openaiSSEUpstream(nil))
	defer upstream.Close()

	g := newTestGateway(t, cfg, upstream.URL)
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	resp := postDispatch(t, srv.URL+"/v1/chat", dispatchBody(), nil)
	readSSE(t, resp)

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	require.Equal(t, http.StatusOK, mresp.StatusCode)

	raw := new(strings.Builder)
	buf := make([]byte, 4096)
	for {
		n, rerr := mresp.Body.Read(buf)
		raw.Write(buf[:n])
		if rerr != nil {
			break
		}
	}
	assert.Contains(t, raw.String(), "modelgate_dispatches_total")
	assert.Contains(t, raw.String(), `outcome="success"`)
}

// =============================================================================
// HELPERS
// =============================================================================

func TestIdentity(t *testing.T) {
	g := newTestGateway(t, testGatewayConfig(), "http://unused")

	r := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	r.RemoteAddr = "203.0.113.9:1234"
	assert.Equal(t, "ip:203.0.113.9", g.identity(r))

	r.Header.Set(HeaderAPIKey, "sk-live-abc")
	id := g.identity(r)
	assert.True(t, strings.HasPrefix(id, "key:"))
	assert.NotContains(t, id, "sk-live-abc", "raw keys never appear in identities")
	assert.Len(t, id, len("key:")+12)

	// Same key, same fingerprint.
	r2 := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	r2.Header.Set(HeaderAPIKey, "sk-live-abc")
	assert.Equal(t, id, g.identity(r2))
}

func TestOutcomeForTerminal(t *testing.T) {
	statusErr := func(status int) events.Event {
		ev := events.Error(events.KindUpstreamTransport, "upstream status")
		ev.HTTPStatus = status
		return ev
	}

	tests := []struct {
		name        string
		ev          events.Event
		wantOutcome string
		wantBreaker breaker.Outcome
	}{
		{"stream end", events.End("stop"), OutcomeSuccess, breaker.OutcomeSuccess},
		{"caller canceled", events.Error(events.KindCallerCanceled, "gone"), OutcomeCanceled, breaker.OutcomeCanceled},
		{"transport failure", events.Error(events.KindUpstreamTransport, "reset"), OutcomeFailure, breaker.OutcomeFailure},
		{"upstream 400", statusErr(400), OutcomeClientError, breaker.OutcomeClientError},
		{"upstream 503", statusErr(503), OutcomeFailure, breaker.OutcomeFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, bo := outcomeForTerminal(tt.ev)
			assert.Equal(t, tt.wantOutcome, outcome)
			assert.Equal(t, tt.wantBreaker, bo)
		})
	}
}

// =============================================================================
// STREAM CLOSING AND RECORD FIDELITY
// =============================================================================

func TestDispatch_UpstreamDropClosesStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{
			`{"choices":[{"delta":{"content":"one"}}]}`,
			`{"choices":[{"delta":{"content":"two"}}]}`,
			`{"choices":[{"delta":{"content":"three"}}]}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			w.(http.Flusher).Flush()
		}
		// Close without [DONE].
	}))
	defer upstream.Close()

	g := newTestGateway(t, testGatewayConfig(), upstream.URL)
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	resp := postDispatch(t, srv.URL+"/v1/chat", dispatchBody(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Partial content survives and the stream still closes cleanly.
	got := readSSE(t, resp)
	require.Len(t, got, 5)
	assert.Equal(t, "one", got[0].Text)
	assert.Equal(t, "three", got[2].Text)
	assert.Equal(t, events.TypeError, got[3].Type)
	assert.Equal(t, events.KindUpstreamTransport, got[3].ErrorKind)
	assert.Equal(t, events.TypeStreamEnd, got[4].Type)
}

// readRecords decodes every line of a JSONL record file. Returns nil until
// the file exists.
func readRecords(t *testing.T, path string) []monitoring.DispatchRecord {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var recs []monitoring.DispatchRecord
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var rec monitoring.DispatchRecord
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		recs = append(recs, rec)
	}
	return recs
}

func TestDispatch_RecordsBreakerStateAtEntry(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer upstream.Close()

	g := newTestGateway(t, testGatewayConfig(), upstream.URL)
	logPath := filepath.Join(t.TempDir(), "dispatches.jsonl")
	recorder, err := monitoring.NewRecorder(monitoring.RecordConfig{LogPath: logPath})
	require.NoError(t, err)
	g.recorder = recorder
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	// Two upstream failures trip the breaker.
	for i := 0; i < 2; i++ {
		resp := postDispatch(t, srv.URL+"/v1/chat", dispatchBody(), nil)
		readSSE(t, resp)
	}
	require.Equal(t, breaker.StateOpen, g.breakers.CurrentState("testprov/gpt-x"))

	resp := postDispatch(t, srv.URL+"/v1/chat", dispatchBody(), nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var recs []monitoring.DispatchRecord
	require.Eventually(t, func() bool {
		recs = readRecords(t, logPath)
		return len(recs) == 3
	}, 2*time.Second, 20*time.Millisecond)

	// The tripping dispatch was permitted while the breaker was still
	// closed; only the rejection afterwards saw it open.
	assert.Equal(t, string(breaker.StateClosed), recs[0].BreakerState)
	assert.Equal(t, string(breaker.StateClosed), recs[1].BreakerState, "state at permit time, not after the outcome")
	assert.Equal(t, string(breaker.StateOpen), recs[2].BreakerState)
}

// =============================================================================
// ALERT WIRING
// =============================================================================

// captureAlerts swaps the gateway's alert manager for one logging to a file
// and returns a reader over what has been flagged so far.
func captureAlerts(t *testing.T, g *Gateway) func() string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "alerts.log")
	logger := monitoring.New(monitoring.LoggerConfig{Level: "debug", Format: "json", Output: path})
	g.alerts = monitoring.NewAlertManager(logger, monitoring.AlertConfig{})
	return func() string {
		data, err := os.ReadFile(path)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func TestDispatch_InvalidRequestIsFlagged(t *testing.T) {
	g := newTestGateway(t, testGatewayConfig(), "http://unused")
	alerts := captureAlerts(t, g)
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	resp := postDispatch(t, srv.URL+"/v1/chat", `{"model":"","messages":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Eventually(t, func() bool {
		return strings.Contains(alerts(), "invalid_request")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDispatch_IdleGapTimeoutIsFlagged(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"delta":{"content":"start"}}]}`)
		w.(http.Flusher).Flush()
		<-r.Context().Done() // stall until the gateway gives up
	}))
	defer upstream.Close()

	cfg := testGatewayConfig()
	cfg.Routes.Table[0].IdleGapTimeout = 150 * time.Millisecond
	g := newTestGateway(t, cfg, upstream.URL)
	alerts := captureAlerts(t, g)
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	resp := postDispatch(t, srv.URL+"/v1/chat", dispatchBody(), nil)
	got := readSSE(t, resp)
	require.GreaterOrEqual(t, len(got), 3)
	assert.Equal(t, events.KindUpstreamTransport, got[len(got)-2].ErrorKind)
	assert.Equal(t, events.TypeStreamEnd, got[len(got)-1].Type)
	require.Eventually(t, func() bool {
		return strings.Contains(alerts(), "upstream_timeout")
	}, 2*time.Second, 20*time.Millisecond)
}
