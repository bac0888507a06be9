package adapters

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/relayr/modelgate/internal/config"
	"github.com/relayr/modelgate/internal/events"
	"github.com/relayr/modelgate/internal/router"
)

// OllamaAdapter speaks the Ollama chat protocol: newline-delimited JSON
// objects, the final one flagged "done": true with eval counters.
// Local Ollama needs no auth; the secret is ignored.
type OllamaAdapter struct {
	BaseAdapter
	client *http.Client
}

// NewOllamaAdapter creates a new Ollama adapter.
func NewOllamaAdapter() *OllamaAdapter {
	return &OllamaAdapter{
		BaseAdapter: BaseAdapter{name: "ollama", protocol: config.ProtocolOllama},
		client:      sharedClient,
	}
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []openaiMessage `json:"messages"` // same role/content shape
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

func (a *OllamaAdapter) buildBody(target router.Target, req *Request) ([]byte, error) {
	wire := ollamaChatRequest{
		Model:  target.Model,
		Stream: true,
	}
	if req.System != "" {
		wire.Messages = append(wire.Messages, openaiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, openaiMessage{Role: m.Role, Content: m.Content})
	}
	if req.Temperature != nil || req.MaxTokens > 0 {
		wire.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}
	return json.Marshal(&wire)
}

// Stream implements StreamAdapter.
func (a *OllamaAdapter) Stream(ctx context.Context, target router.Target, req *Request, _ string, out chan<- events.Event) {
	body, err := a.buildBody(target, req)
	if err != nil {
		emit(ctx, out, events.Error(events.KindUpstreamProtocol, fmt.Sprintf("failed to build ollama request: %v", err)))
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		emit(ctx, out, events.Error(events.KindUpstreamTransport, err.Error()))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		watchdog.Reset()
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if !gjson.ValidBytes(line) {
			emit(ctx, out, events.Error(events.KindUpstreamProtocol, "malformed ollama stream line"))
			return
		}
		chunk := gjson.ParseBytes(line)

		if errMsg := chunk.Get("error"); errMsg.Exists() {
			emit(ctx, out, events.Error(events.KindUpstreamProtocol, errMsg.String()))
			return
		}

		if text := chunk.Get("message.content"); text.String() != "" {
			if !emit(ctx, out, events.ContentDelta(text.String())) {
				return
			}
		}

		if chunk.Get("done").Bool() {
			if promptEval := chunk.Get("prompt_eval_count"); promptEval.Exists() {
				if !emit(ctx, out, events.Usage(int(promptEval.Int()), int(chunk.Get("eval_count").Int()))) {
					return
				}
			}
			stop := chunk.Get("done_reason").String()
			if stop == "" {
				stop = "stop"
			}
			emit(ctx, out, events.End(stop))
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if watchdog.Fired() {
			emit(ctx, out, events.Error(events.KindUpstreamTransport, IdleTimeoutMessage))
			return
		}
		emitTransportError(ctx, out, err)
		return
	}
	// Ended without done:true; normalizer synthesizes the error.
}

// Ensure OllamaAdapter implements StreamAdapter.
var _ StreamAdapter = (*OllamaAdapter)(nil)
