package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/relayr/modelgate/internal/config"
	"github.com/relayr/modelgate/internal/events"
	"github.com/relayr/modelgate/internal/router"
)

// OpenAIAdapter speaks the OpenAI Chat Completions streaming protocol:
// SSE where every frame is "data: {json}" and the stream closes with
// "data: [DONE]".
type OpenAIAdapter struct {
	BaseAdapter
	client *http.Client
}

// NewOpenAIAdapter creates a new OpenAI adapter.
func NewOpenAIAdapter() *OpenAIAdapter {
	return &OpenAIAdapter{
		BaseAdapter: BaseAdapter{name: "openai", protocol: config.ProtocolOpenAI},
		client:      sharedClient,
	}
}

// openaiMessage and friends are the provider wire request shapes.
type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type openaiChatRequest struct {
	Model         string          `json:"model"`
	Messages      []openaiMessage `json:"messages"`
	MaxTokens     int             `json:"max_completion_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	Tools         []openaiTool    `json:"tools,omitempty"`
	Stream        bool            `json:"stream"`
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
}

// buildBody translates the unified request into OpenAI wire format.
// The system prompt becomes a leading system message.
func (a *OpenAIAdapter) buildBody(target router.Target, req *Request) ([]byte, error) {
	wire := openaiChatRequest{
		Model:       target.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	wire.StreamOptions.IncludeUsage = true

	if req.System != "" {
		wire.Messages = append(wire.Messages, openaiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, openaiMessage{Role: m.Role, Content: m.Content})
	}

	for _, t := range req.Tools {
		ot := openaiTool{Type: "function"}
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		wire.Tools = append(wire.Tools, ot)
	}

	return json.Marshal(&wire)
}

// Stream implements StreamAdapter.
func (a *OpenAIAdapter) Stream(ctx context.Context, target router.Target, req *Request, secret string, out chan<- events.Event) {
	body, err := a.buildBody(target, req)
	if err != nil {
		emit(ctx, out, events.Error(events.KindUpstreamProtocol, fmt.Sprintf("failed to build openai request: %v", err)))
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		emit(ctx, out, events.Error(events.KindUpstreamTransport, err.Error()))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+secret)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		emitTransportError(ctx, out, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		emitStatusError(ctx, out, a.name, resp)
		return
	}

	watchdog := newIdleWatchdog(target.IdleGapTimeout, cancel)
	defer watchdog.Stop()

	a.readStream(ctx, resp, watchdog, out)
}

// readStream consumes SSE frames until [DONE], an error payload, or
// transport failure.
func (a *OpenAIAdapter) readStream(ctx context.Context, resp *http.Response, watchdog *idleWatchdog, out chan<- events.Event) {
	sc := newSSEScanner(resp.Body)

	// Fragments of one tool call arrive under a choice index; the id only
	// appears on the opening fragment, so remember it per index.
	toolIDByIndex := make(map[int64]string)
	stopReason := "stop"

	for {
		frame, ok, err := sc.Next()
		if err != nil {
			if watchdog.Fired() {
				emit(ctx, out, events.Error(events.KindUpstreamTransport, IdleTimeoutMessage))
				return
			}
			emitTransportError(ctx, out, err)
			return
		}
		if !ok {
			// Upstream closed without [DONE]; the normalizer synthesizes the
			// abnormal-termination error.
			return
		}
		watchdog.Reset()

		if frame.Data == "[DONE]" {
			emit(ctx, out, events.End(stopReason))
			return
		}

		if !gjson.Valid(frame.Data) {
			emit(ctx, out, events.Error(events.KindUpstreamProtocol, "malformed openai stream chunk"))
			return
		}
		chunk := gjson.Parse(frame.Data)

		// A success status followed by an embedded error payload mid-stream.
		if errObj := chunk.Get("error"); errObj.Exists() {
			emit(ctx, out, events.Error(events.KindUpstreamProtocol, errObj.Get("message").String()))
			return
		}

		if usage := chunk.Get("usage"); usage.Exists() && usage.Type != gjson.Null {
			emit(ctx, out, events.Usage(
				int(usage.Get("prompt_tokens").Int()),
				int(usage.Get("completion_tokens").Int()),
			))
		}

		delta := chunk.Get("choices.0.delta")
		if text := delta.Get("content"); text.Exists() && text.String() != "" {
			if !emit(ctx, out, events.ContentDelta(text.String())) {
				return
			}
		}

		for _, tc := range delta.Get("tool_calls").Array() {
			index := tc.Get("index").Int()
			if id := tc.Get("id").String(); id != "" {
				toolIDByIndex[index] = id
				if !emit(ctx, out, events.ToolCallOpen(id, tc.Get("function.name").String())) {
					return
				}
			}
			if args := tc.Get("function.arguments").String(); args != "" {
				id := toolIDByIndex[index]
				if id == "" {
					// Argument fragment with no opening id: let the
					// normalizer flag the ordering violation.
					id = "openai-toolcall-" + strconv.FormatInt(index, 10)
				}
				if !emit(ctx, out, events.ToolCallArgs(id, args)) {
					return
				}
			}
		}

		if fr := chunk.Get("choices.0.finish_reason"); fr.Exists() && fr.Type != gjson.Null {
			stopReason = fr.String()
		}
	}
}

// Ensure OpenAIAdapter implements StreamAdapter.
var _ StreamAdapter = (*OpenAIAdapter)(nil)
