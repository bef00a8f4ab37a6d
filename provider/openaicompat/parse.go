package openaicompat

import (
	"encoding/json"

	"github.com/evanharso/termpilot"
)

// ParseResponse converts an OpenAI-format ChatResponse to the engine's
// ChatResponse. It extracts content, reasoning, tool calls, and usage
// from choices[0].
func ParseResponse(resp ChatResponse) (termpilot.ChatResponse, error) {
	var out termpilot.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ReasoningContent = choice.Message.ReasoningContent
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = termpilot.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to engine ToolCalls.
// function.arguments arrives as a JSON string; invalid JSON degrades to
// an empty object so the executor's parse-failure path handles it.
func ParseToolCalls(tcs []ToolCallRequest) []termpilot.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]termpilot.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, termpilot.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
