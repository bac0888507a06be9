package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayr/modelgate/internal/events"
)

func dialWebsocket(t *testing.T, ctx context.Context, srvURL, routePath string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srvURL, "http") + "/v1/ws?path=" + url.QueryEscape(routePath)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// readUntilTerminal collects events until the closing stream_end or the
// socket closes. Pre-stream rejections close the socket after one error.
func readUntilTerminal(t *testing.T, ctx context.Context, conn *websocket.Conn) []events.Event {
	t.Helper()

	var got []events.Event
	for {
		var ev events.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return got
		}
		got = append(got, ev)
		if ev.Type == events.TypeStreamEnd {
			return got
		}
	}
}

func TestWebsocket_StreamingSuccess(t *testing.T) {
	upstream := httptest.NewServer(openaiSSEUpstream(nil))
	defer upstream.Close()

	g := newTestGateway(t, testGatewayConfig(), upstream.URL)
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWebsocket(t, ctx, srv.URL, "/v1/chat")
	require.NoError(t, wsjson.Write(ctx, conn, json.RawMessage(dispatchBody())))

	got := readUntilTerminal(t, ctx, conn)
	require.Len(t, got, 4)
	assert.Equal(t, events.TypeContentDelta, got[0].Type)
	assert.Equal(t, "Hel", got[0].Text)
	assert.Equal(t, events.TypeStreamEnd, got[3].Type)
	require.Eventually(t, func() bool { return g.recorder.Count() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestWebsocket_LargeRequestAccepted(t *testing.T) {
	upstream := httptest.NewServer(openaiSSEUpstream(nil))
	defer upstream.Close()

	g := newTestGateway(t, testGatewayConfig(), upstream.URL)
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWebsocket(t, ctx, srv.URL, "/v1/chat")

	// Well past the library's 32 KiB default read limit; the socket
	// surface accepts the same request sizes as the SSE surface.
	body := fmt.Sprintf(`{"model":"gpt-x","messages":[{"role":"user","content":%q}]}`,
		strings.Repeat("a", 64<<10))
	require.NoError(t, wsjson.Write(ctx, conn, json.RawMessage(body)))

	got := readUntilTerminal(t, ctx, conn)
	require.NotEmpty(t, got)
	assert.Equal(t, events.TypeStreamEnd, got[len(got)-1].Type)
}

func TestWebsocket_InvalidRequest(t *testing.T) {
	g := newTestGateway(t, testGatewayConfig(), "http://unused")
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWebsocket(t, ctx, srv.URL, "/v1/chat")
	require.NoError(t, wsjson.Write(ctx, conn, json.RawMessage(`{"model":"","messages":[]}`)))

	got := readUntilTerminal(t, ctx, conn)
	require.Len(t, got, 1)
	assert.Equal(t, events.TypeError, got[0].Type)
	assert.Equal(t, events.KindInvalidRequest, got[0].ErrorKind)
}

func TestWebsocket_NoRouteUsesTerminalErrorShape(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.Routes.Table[0].Pattern = "/v1/elsewhere"
	g := newTestGateway(t, cfg, "http://unused")
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWebsocket(t, ctx, srv.URL, "/v1/chat")
	require.NoError(t, wsjson.Write(ctx, conn, json.RawMessage(dispatchBody())))

	got := readUntilTerminal(t, ctx, conn)
	require.Len(t, got, 1)
	assert.Equal(t, events.KindNoRoute, got[0].ErrorKind)
}
