package termpilot

import "context"

// Provider is the model client contract the engine consumes. Messages
// follow the OpenAI-style schema in ChatMessage. provider/openaicompat
// ships an HTTP implementation; tests use scripted fakes.
type Provider interface {
	// Name identifies the provider for logging and telemetry.
	Name() string

	// Chat performs a plain completion (no tools). Used by summarization
	// helpers such as model-assisted memory folding.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// ChatTools performs a completion with the tool catalog attached.
	ChatTools(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// ChatToolsStream performs a streaming completion with tools. Events
	// are delivered into ch in arrival order; the provider closes ch
	// before returning. The returned ChatResponse carries the assembled
	// final content, reasoning, and tool calls.
	ChatToolsStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)

	// Abort cancels the in-flight request registered under requestID.
	// Unknown IDs are ignored.
	Abort(requestID string)
}

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental content chunk.
	EventTextDelta StreamEventType = "text-delta"
	// EventReasoningDelta carries an incremental reasoning_content chunk.
	EventReasoningDelta StreamEventType = "reasoning-delta"
	// EventToolCallProgress reports tool-call argument accumulation so the
	// UI can hint at what the model is preparing.
	EventToolCallProgress StreamEventType = "tool-call-progress"
)

// StreamEvent is a typed event emitted while a model response streams.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	// Content carries the delta text (text/reasoning deltas).
	Content string `json:"content,omitempty"`
	// ToolName and ArgsLen are set for tool-call-progress events.
	ToolName string `json:"tool_name,omitempty"`
	ArgsLen  int    `json:"args_len,omitempty"`
}
