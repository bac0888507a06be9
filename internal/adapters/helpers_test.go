package adapters

import (
	"context"
	"testing"
	"time"

	"github.com/relayr/modelgate/internal/events"
	"github.com/relayr/modelgate/internal/router"
)

// testTarget builds a target pointing at a test server.
func testTarget(baseURL string) router.Target {
	return router.Target{
		Provider:       "test",
		Model:          "test-model",
		BaseURL:        baseURL,
		Protocol:       "openai",
		RequestTimeout: 10 * time.Second,
		IdleGapTimeout: 5 * time.Second,
	}
}

func testRequest() *Request {
	return &Request{
		Model: "test-model",
		Messages: []Message{
			{Role: "user", Content: "hello"},
		},
	}
}

// collectStream runs one Stream call to completion and returns its events.
func collectStream(t *testing.T, a StreamAdapter, target router.Target, req *Request) []events.Event {
	t.Helper()

	out := make(chan events.Event, 256)
	a.Stream(context.Background(), target, req, "test-secret", out)
	close(out)

	var got []events.Event
	for ev := range out {
		got = append(got, ev)
	}
	return got
}

func eventTypes(evs []events.Event) []events.Type {
	types := make([]events.Type, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}
