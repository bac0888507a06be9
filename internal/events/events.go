// Package events defines the canonical streaming event model.
//
// DESIGN: Every upstream wire format (Anthropic SSE, OpenAI SSE, Ollama
// NDJSON, Bedrock) is translated into this one representation. Downstream
// consumers never see provider framing.
//
// An Event is a tagged variant discriminated by Type:
//   - content_delta:   incremental text output
//   - tool_call_delta: incremental tool call (name opens the call, then
//     argument fragments reference it by ID)
//   - usage:           token accounting, usually once near stream end
//   - error:           in-stream failure with a machine-readable kind
//   - stream_end:      normal termination with a stop reason
//
// Exactly one stream_end closes every stream; a failed stream carries an
// error event immediately before it. The normalizer enforces this.
package events

// Type discriminates the event variants.
type Type string

// Event type constants.
const (
	TypeContentDelta  Type = "content_delta"
	TypeToolCallDelta Type = "tool_call_delta"
	TypeUsage         Type = "usage"
	TypeError         Type = "error"
	TypeStreamEnd     Type = "stream_end"
)

// ErrorKind classifies in-stream and pre-stream failures.
type ErrorKind string

// Error kinds, mirroring the dispatch error taxonomy.
const (
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindRateLimited         ErrorKind = "rate_limited"
	KindNoRoute             ErrorKind = "no_route"
	KindNoHealthyInstance   ErrorKind = "no_healthy_instance"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindUpstreamTransport   ErrorKind = "upstream_transport"
	KindUpstreamProtocol    ErrorKind = "upstream_protocol"
	KindCallerCanceled      ErrorKind = "caller_canceled"
	KindInternalOrdering    ErrorKind = "internal_ordering"
	KindInternal            ErrorKind = "internal"
)

// Event is one unit on the canonical output stream. Fields other than Type
// are populated per variant; unused fields are omitted from JSON.
type Event struct {
	Type Type `json:"type"`

	// content_delta
	Text string `json:"text,omitempty"`

	// tool_call_delta. ToolName is set on the delta that opens the call;
	// argument fragments carry only ToolCallID + ArgsDelta.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ArgsDelta  string `json:"args_delta,omitempty"`

	// usage
	InputTokens  int  `json:"input_tokens,omitempty"`
	OutputTokens int  `json:"output_tokens,omitempty"`
	Estimated    bool `json:"estimated,omitempty"`

	// error. HTTPStatus is set when the failure was an upstream HTTP
	// status; outcome classification uses it to tell 4xx from 5xx.
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	HTTPStatus   int       `json:"http_status,omitempty"`

	// stream_end
	StopReason string `json:"stop_reason,omitempty"`
}

// IsTerminal reports whether the event is a terminal record. Adapters stop
// emitting after one; the normalizer appends the closing stream_end when the
// terminal record is an error.
func (e Event) IsTerminal() bool {
	return e.Type == TypeError || e.Type == TypeStreamEnd
}

// ContentDelta returns a content fragment event.
func ContentDelta(text string) Event {
	return Event{Type: TypeContentDelta, Text: text}
}

// ToolCallOpen returns the delta that opens a tool call.
func ToolCallOpen(id, name string) Event {
	return Event{Type: TypeToolCallDelta, ToolCallID: id, ToolName: name}
}

// ToolCallArgs returns an argument fragment for an already-open tool call.
func ToolCallArgs(id, argsDelta string) Event {
	return Event{Type: TypeToolCallDelta, ToolCallID: id, ArgsDelta: argsDelta}
}

// Usage returns a token accounting event.
func Usage(inputTokens, outputTokens int) Event {
	return Event{Type: TypeUsage, InputTokens: inputTokens, OutputTokens: outputTokens}
}

// Error returns an in-stream error event.
func Error(kind ErrorKind, msg string) Event {
	return Event{Type: TypeError, ErrorKind: kind, ErrorMessage: msg}
}

// End returns a normal termination event.
func End(stopReason string) Event {
	return Event{Type: TypeStreamEnd, StopReason: stopReason}
}
