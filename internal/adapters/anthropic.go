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

const (
	// anthropicVersion is the Anthropic API version header value.
	anthropicVersion = "2023-06-01"

	// defaultAnthropicMaxTokens is used when the caller names no limit;
	// the Messages API requires max_tokens.
	defaultAnthropicMaxTokens = 4096
)

// AnthropicAdapter speaks the Anthropic Messages streaming protocol: SSE
// with typed events (message_start, content_block_start/delta/stop,
// message_delta, message_stop).
type AnthropicAdapter struct {
	BaseAdapter
	client *http.Client
}

// NewAnthropicAdapter creates a new Anthropic adapter.
func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{
		BaseAdapter: BaseAdapter{name: "anthropic", protocol: config.ProtocolAnthropic},
		client:      sharedClient,
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream"`
}

// buildBody translates the unified request into Anthropic wire format.
// "system" role messages fold into the system field; the Messages API
// rejects them inline.
func (a *AnthropicAdapter) buildBody(target router.Target, req *Request) ([]byte, error) {
	wire := anthropicRequest{
		Model:       target.Model,
		MaxTokens:   req.MaxTokens,
		System:      req.System,
		Temperature: req.Temperature,
		Stream:      true,
	}
	if wire.MaxTokens == 0 {
		wire.MaxTokens = defaultAnthropicMaxTokens
	}

	for _, m := range req.Messages {
		if m.Role == "system" {
			if wire.System != "" {
				wire.System += "\n"
			}
			wire.System += m.Content
			continue
		}
		wire.Messages = append(wire.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	return json.Marshal(&wire)
}

// Stream implements StreamAdapter.
func (a *AnthropicAdapter) Stream(ctx context.Context, target router.Target, req *Request, secret string, out chan<- events.Event) {
	body, err := a.buildBody(target, req)
	if err != nil {
		emit(ctx, out, events.Error(events.KindUpstreamProtocol, fmt.Sprintf("failed to build anthropic request: %v", err)))
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		emit(ctx, out, events.Error(events.KindUpstreamTransport, err.Error()))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", secret)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

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

// readStream consumes typed SSE events until message_stop, an in-stream
// error event, or transport failure.
func (a *AnthropicAdapter) readStream(ctx context.Context, resp *http.Response, watchdog *idleWatchdog, out chan<- events.Event) {
	sc := newSSEScanner(resp.Body)

	// Tool call ids arrive on content_block_start; deltas reference the
	// block index only.
	toolIDByBlock := make(map[int64]string)
	stopReason := "end_turn"
	inputTokens := 0

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
			// Ended without message_stop; normalizer synthesizes the error.
			return
		}
		watchdog.Reset()

		if frame.Data == "" {
			continue
		}
		if !gjson.Valid(frame.Data) {
			emit(ctx, out, events.Error(events.KindUpstreamProtocol, "malformed anthropic stream event"))
			return
		}
		ev := gjson.Parse(frame.Data)

		switch ev.Get("type").String() {
		case "ping":
			// Keep-alive only.

		case "message_start":
			inputTokens = int(ev.Get("message.usage.input_tokens").Int())

		case "content_block_start":
			block := ev.Get("content_block")
			if block.Get("type").String() == "tool_use" {
				index := ev.Get("index").Int()
				id := block.Get("id").String()
				if id == "" {
					id = "anthropic-block-" + strconv.FormatInt(index, 10)
				}
				toolIDByBlock[index] = id
				if !emit(ctx, out, events.ToolCallOpen(id, block.Get("name").String())) {
					return
				}
			}

		case "content_block_delta":
			delta := ev.Get("delta")
			switch delta.Get("type").String() {
			case "text_delta":
				if !emit(ctx, out, events.ContentDelta(delta.Get("text").String())) {
					return
				}
			case "input_json_delta":
				index := ev.Get("index").Int()
				if !emit(ctx, out, events.ToolCallArgs(toolIDByBlock[index], delta.Get("partial_json").String())) {
					return
				}
			}

		case "content_block_stop":
			// Block boundaries carry no canonical payload.

		case "message_delta":
			if sr := ev.Get("delta.stop_reason"); sr.Exists() && sr.String() != "" {
				stopReason = sr.String()
			}
			if usage := ev.Get("usage"); usage.Exists() {
				if !emit(ctx, out, events.Usage(inputTokens, int(usage.Get("output_tokens").Int()))) {
					return
				}
			}

		case "message_stop":
			emit(ctx, out, events.End(stopReason))
			return

		case "error":
			// Success status, then an embedded error payload mid-stream.
			emit(ctx, out, events.Error(events.KindUpstreamProtocol, ev.Get("error.message").String()))
			return

		default:
			// Unknown event types are forward-compatible noise; skip them.
		}
	}
}

// Ensure AnthropicAdapter implements StreamAdapter.
var _ StreamAdapter = (*AnthropicAdapter)(nil)
