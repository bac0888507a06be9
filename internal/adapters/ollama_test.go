package adapters

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/relayr/modelgate/internal/events"
)

func ndjsonLine(w http.ResponseWriter, line string) {
	fmt.Fprintln(w, line)
	w.(http.Flusher).Flush()
}

func TestOllama_BuildBody(t *testing.T) {
	a := NewOllamaAdapter()
	temp := 0.2
	req := &Request{
		Model:       "ignored",
		System:      "be terse",
		Messages:    []Message{{Role: "user", Content: "hi"}},
		Temperature: &temp,
		MaxTokens:   64,
	}

	body, err := a.buildBody(testTarget("http://x"), req)
	require.NoError(t, err)

	parsed := gjson.ParseBytes(body)
	assert.Equal(t, "test-model", parsed.Get("model").String(), "target model wins over the caller's")
	assert.True(t, parsed.Get("stream").Bool())
	msgs := parsed.Get("messages").Array()
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Get("role").String())
	assert.Equal(t, "be terse", msgs[0].Get("content").String())
	assert.Equal(t, 0.2, parsed.Get("options.temperature").Float())
	assert.Equal(t, int64(64), parsed.Get("options.num_predict").Int())
}

func TestOllama_StreamContentAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"), "local ollama takes no auth")

		w.Header().Set("Content-Type", "application/x-ndjson")
		ndjsonLine(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`)
		ndjsonLine(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`)
		ndjsonLine(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":7,"eval_count":2}`)
	}))
	defer srv.Close()

	got := collectStream(t, NewOllamaAdapter(), testTarget(srv.URL), testRequest())

	require.Equal(t, []events.Type{
		events.TypeContentDelta,
		events.TypeContentDelta,
		events.TypeUsage,
		events.TypeStreamEnd,
	}, eventTypes(got))
	assert.Equal(t, "Hel", got[0].Text)
	assert.Equal(t, 7, got[2].InputTokens)
	assert.Equal(t, 2, got[2].OutputTokens)
	assert.Equal(t, "stop", got[3].StopReason)
}

func TestOllama_DoneWithoutReasonDefaultsToStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ndjsonLine(w, `{"message":{"role":"assistant","content":"x"},"done":false}`)
		ndjsonLine(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer srv.Close()

	got := collectStream(t, NewOllamaAdapter(), testTarget(srv.URL), testRequest())

	require.Len(t, got, 2)
	assert.Equal(t, "stop", got[1].StopReason)
}

func TestOllama_InStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ndjsonLine(w, `{"error":"model 'test-model' not found"}`)
	}))
	defer srv.Close()

	got := collectStream(t, NewOllamaAdapter(), testTarget(srv.URL), testRequest())

	require.Len(t, got, 1)
	assert.Equal(t, events.TypeError, got[0].Type)
	assert.Equal(t, events.KindUpstreamProtocol, got[0].ErrorKind)
	assert.Contains(t, got[0].ErrorMessage, "not found")
}

func TestOllama_MalformedLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ndjsonLine(w, `{"message":{"content":"ok"},"done":false}`)
		ndjsonLine(w, `{not json`)
	}))
	defer srv.Close()

	got := collectStream(t, NewOllamaAdapter(), testTarget(srv.URL), testRequest())

	require.Len(t, got, 2)
	assert.Equal(t, events.TypeError, got[1].Type)
	assert.Equal(t, events.KindUpstreamProtocol, got[1].ErrorKind)
}

func TestOllama_DropWithoutDoneHasNoTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ndjsonLine(w, `{"message":{"content":"a"},"done":false}`)
		ndjsonLine(w, `{"message":{"content":"b"},"done":false}`)
	}))
	defer srv.Close()

	got := collectStream(t, NewOllamaAdapter(), testTarget(srv.URL), testRequest())

	// The adapter emits only the deltas; terminal synthesis belongs to the
	// normalizer.
	require.Equal(t, []events.Type{
		events.TypeContentDelta,
		events.TypeContentDelta,
	}, eventTypes(got))
}
