package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/evanharso/termpilot"
)

// StreamSSE reads an SSE stream from body, emits delta events to ch, and
// returns the fully accumulated response (content + reasoning + tool
// calls + usage).
//
// The channel is closed when streaming completes. Tool-call arguments
// are not streamed as text; instead a tool-call-progress event carries
// the accumulated argument length so the UI can hint at what the model
// is preparing.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- termpilot.StreamEvent) (termpilot.ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Large tool-call argument chunks need headroom.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var content strings.Builder
	var reasoning strings.Builder
	var usage termpilot.Usage

	// OpenAI streams tool calls incrementally: each chunk carries an
	// index and argument fragments.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	emit := func(ev termpilot.StreamEvent) error {
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed chunks
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			content.WriteString(delta.Content)
			if err := emit(termpilot.StreamEvent{Type: termpilot.EventTextDelta, Content: delta.Content}); err != nil {
				return termpilot.ChatResponse{}, err
			}
		}
		if delta.ReasoningContent != "" {
			reasoning.WriteString(delta.ReasoningContent)
			if err := emit(termpilot.StreamEvent{Type: termpilot.EventReasoningDelta, Content: delta.ReasoningContent}); err != nil {
				return termpilot.ChatResponse{}, err
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
				if err := emit(termpilot.StreamEvent{
					Type:     termpilot.EventToolCallProgress,
					ToolName: toolCalls[idx].Name,
					ArgsLen:  toolCalls[idx].Args.Len(),
				}); err != nil {
					return termpilot.ChatResponse{}, err
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return termpilot.ChatResponse{}, &termpilot.ErrNetwork{Op: "stream", Err: err}
	}

	var calls []termpilot.ToolCall
	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, termpilot.ToolCall{ID: tc.ID, Name: tc.Name, Args: args})
	}

	return termpilot.ChatResponse{
		Content:          content.String(),
		ReasoningContent: reasoning.String(),
		ToolCalls:        calls,
		Usage:            usage,
	}, nil
}
