// Websocket caller transport.
//
// DESIGN: Alternate to SSE for callers that want a bidirectional socket.
// The protocol is deliberately thin: the caller sends one JSON request, the
// gateway streams back normalized events as JSON messages, then closes. The
// whole dispatch flow (admission, routing, breaker, relay) is shared with
// the SSE surface via the sink interface.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	"github.com/relayr/modelgate/internal/adapters"
	"github.com/relayr/modelgate/internal/events"
	"github.com/relayr/modelgate/internal/monitoring"
)

// wsRequestTimeout bounds how long the caller may take to send its request
// after the socket opens.
const wsRequestTimeout = 30 * time.Second

// handleWebsocket serves one dispatch over a websocket.
func (g *Gateway) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket: accept failed")
		return
	}
	defer conn.CloseNow()

	// Accept the same request sizes as the SSE surface; the library
	// default (32 KiB) is far below MaxRequestBodySize.
	conn.SetReadLimit(MaxRequestBodySize)

	ctx := r.Context()

	var req adapters.Request
	readCtx, cancel := context.WithTimeout(ctx, wsRequestTimeout)
	err = wsjson.Read(readCtx, conn, &req)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "expected one JSON request message")
		return
	}

	s := &wsSink{ctx: ctx, conn: conn}
	if err := validateRequest(&req); err != nil {
		g.alerts.FlagInvalidRequest(monitoring.RequestIDFromContext(ctx), err.Error())
		s.Reject(events.KindInvalidRequest, err.Error(), 0)
		conn.Close(websocket.StatusPolicyViolation, "invalid request")
		return
	}

	// The socket URL is fixed, so the route table path travels in the
	// "path" query parameter: /v1/ws?path=/v1/chat.
	meta := g.newMeta(r, 0)
	if p := r.URL.Query().Get("path"); p != "" {
		meta.Path = p
	}

	g.dispatch(ctx, &req, meta, s)
	conn.Close(websocket.StatusNormalClosure, "")
}

// wsSink relays events as JSON websocket messages.
type wsSink struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (s *wsSink) Reject(kind events.ErrorKind, msg string, retryAfter time.Duration) {
	// Rejections use the same terminal error shape as in-stream failures;
	// websocket callers have no pre-stream HTTP status to inspect.
	_ = wsjson.Write(s.ctx, s.conn, events.Error(kind, msg))
}

func (s *wsSink) Start() error { return nil }

func (s *wsSink) Send(ev events.Event) error {
	return wsjson.Write(s.ctx, s.conn, ev)
}
