package termpilot

import (
	"fmt"
	"sort"
	"strings"
)

// Memory folding compresses an overlong conversation while preserving the
// tool-call/tool-result pairing invariant. All keep/drop decisions operate
// on turn groups, never on raw messages.

// defaultContextLength is the token budget when the config leaves it zero.
const defaultContextLength = 64_000

// foldThresholdRatio: folding only engages above this share of budget.
const foldThresholdRatio = 0.8

// recentTurnsKept is how many trailing turns always survive verbatim.
const recentTurnsKept = 3

// Within-group compression limits.
const (
	maxToolMessageChars      = 2000
	maxAssistantMessageChars = 3000
	headTailKeepLines        = 10
)

// turnGroup is a maximal contiguous message group sharing pairing
// semantics: a system message alone, or a user message plus everything
// until the next user message, with assistant tool_calls kept open until
// every tool_call_id has been answered.
type turnGroup struct {
	messages []ChatMessage
	isSystem bool
}

// groupTurns splits messages into turn groups. An assistant message with
// tool_calls holds its group open until all its tool results arrive, so a
// group boundary never separates a call from its results.
func groupTurns(messages []ChatMessage) []turnGroup {
	var groups []turnGroup
	var current []ChatMessage
	pendingCallIDs := map[string]bool{}

	flush := func() {
		if len(current) > 0 {
			groups = append(groups, turnGroup{messages: current})
			current = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case "system":
			flush()
			groups = append(groups, turnGroup{messages: []ChatMessage{m}, isSystem: true})
			continue
		case "user":
			// A user message starts a new turn unless tool calls are
			// still unanswered (the model should not have produced one,
			// but malformed histories must not split a pairing).
			if len(pendingCallIDs) == 0 {
				flush()
			}
		case "assistant":
			if len(pendingCallIDs) == 0 && len(m.ToolCalls) == 0 && len(current) > 0 {
				// Plain assistant reply closes the turn after it.
			}
			for _, tc := range m.ToolCalls {
				pendingCallIDs[tc.ID] = true
			}
		case "tool":
			delete(pendingCallIDs, m.ToolCallID)
		}
		current = append(current, m)
	}
	flush()
	return groups
}

// compressWithinGroups shortens oversized tool and assistant messages in
// place without touching structure.
func compressWithinGroups(groups []turnGroup) {
	for gi := range groups {
		for mi := range groups[gi].messages {
			m := &groups[gi].messages[mi]
			switch {
			case m.Role == "tool" && len([]rune(m.Content)) > maxToolMessageChars:
				m.Content = compressToolOutput(m.Content)
			case m.Role == "assistant" && len([]rune(m.Content)) > maxAssistantMessageChars:
				m.Content = truncateStr(m.Content, maxAssistantMessageChars) + "\n[reply truncated]"
			}
		}
	}
}

// compressToolOutput keeps the head and tail of a long tool result. For
// multi-line output the middle is elided with a line count; unstructured
// single-line text is truncated with its original length noted.
func compressToolOutput(content string) string {
	lines := strings.Split(content, "\n")
	if len(lines) <= headTailKeepLines*2 {
		return truncateStr(content, maxToolMessageChars) +
			fmt.Sprintf("\n[original length: %d]", len([]rune(content)))
	}
	omitted := len(lines) - headTailKeepLines*2
	head := strings.Join(lines[:headTailKeepLines], "\n")
	tail := strings.Join(lines[len(lines)-headTailKeepLines:], "\n")
	return head + fmt.Sprintf("\n[omitted %d lines]\n", omitted) + tail
}

// importance keywords boost groups carrying findings and outcomes.
var keyPointKeywords = []string{
	"结果", "发现", "错误", "成功", "完成",
	"failure", "failed", "error", "result", "found", "success", "completed",
}

// scoreGroup rates a historical group for retention: recency share, role
// weight, keyword weight, and a length penalty.
func scoreGroup(g turnGroup, index, total int) float64 {
	recency := float64(index+1) / float64(total)
	score := 0.4 * recency

	var roleWeight float64
	var text strings.Builder
	for _, m := range g.messages {
		text.WriteString(m.Content)
		switch m.Role {
		case "user":
			roleWeight = maxf(roleWeight, 1.0)
		case "assistant":
			roleWeight = maxf(roleWeight, 0.7)
		case "tool":
			roleWeight = maxf(roleWeight, 0.5)
		}
	}
	score += 0.3 * roleWeight

	lower := strings.ToLower(text.String())
	hits := 0
	for _, kw := range keyPointKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	if hits > 3 {
		hits = 3
	}
	score += 0.2 * float64(hits) / 3

	// Length penalty: very long groups cost budget disproportionately.
	tokens := groupTokens(g)
	if tokens > 2000 {
		score -= 0.1 * minf(float64(tokens)/10000, 1)
	}
	return score
}

func groupTokens(g turnGroup) int {
	return estimateConversationTokens(g.messages)
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// extractKeyPoints pulls diagnostic findings, executed actions, and
// errors from discarded groups by simple phrase matching.
func extractKeyPoints(groups []turnGroup) []string {
	var points []string
	seen := map[string]bool{}
	for _, g := range groups {
		for _, m := range g.messages {
			switch m.Role {
			case "assistant":
				for _, tc := range m.ToolCalls {
					if tc.Name == "execute_command" {
						sig := ToolSignature(tc.Name, tc.Args)
						if cmd, ok := strings.CutPrefix(sig, "execute_command|command="); ok && !seen[cmd] {
							seen[cmd] = true
							points = append(points, "ran: "+truncateStr(cmd, 120))
						}
					}
				}
			case "tool":
				for _, line := range strings.Split(m.Content, "\n") {
					lower := strings.ToLower(line)
					for _, kw := range keyPointKeywords {
						if strings.Contains(lower, kw) {
							trimmed := truncateStr(strings.TrimSpace(line), 160)
							if trimmed != "" && !seen[trimmed] {
								seen[trimmed] = true
								points = append(points, trimmed)
							}
							break
						}
					}
				}
			}
		}
	}
	const maxKeyPoints = 20
	if len(points) > maxKeyPoints {
		points = points[len(points)-maxKeyPoints:]
	}
	return points
}

// FoldMessages compresses the conversation to fit the context budget.
// The result never splits an assistant-with-tool-calls group from its
// tool results, keeps the system group and the most recent 3 turns
// verbatim, and prepends a synthetic user summary of what was dropped.
func FoldMessages(messages []ChatMessage, contextLength int) []ChatMessage {
	if contextLength <= 0 {
		contextLength = defaultContextLength
	}
	budget := int(float64(contextLength) * foldThresholdRatio)
	if estimateConversationTokens(messages) <= budget {
		return messages
	}

	groups := groupTurns(messages)

	// Stage one: shrink oversized messages inside every group.
	compressWithinGroups(groups)
	if totalGroupTokens(groups) <= budget {
		return flattenGroups(groups)
	}

	// Stage two: select which historical groups survive.
	var system []turnGroup
	var history []turnGroup
	for _, g := range groups {
		if g.isSystem {
			system = append(system, g)
		} else {
			history = append(history, g)
		}
	}

	recentStart := len(history) - recentTurnsKept
	if recentStart < 0 {
		recentStart = 0
	}
	recent := history[recentStart:]
	older := history[:recentStart]

	// Budget left for older groups after system + recent turns.
	used := totalGroupTokens(system) + totalGroupTokens(recent)
	remaining := budget - used

	type scored struct {
		idx   int
		score float64
		toks  int
	}
	ranked := make([]scored, len(older))
	for i, g := range older {
		ranked[i] = scored{idx: i, score: scoreGroup(g, i, len(older)), toks: groupTokens(g)}
	}
	sort.Slice(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })

	keep := map[int]bool{}
	var dropped []turnGroup
	for _, s := range ranked {
		if s.toks <= remaining {
			keep[s.idx] = true
			remaining -= s.toks
		}
	}
	var kept []turnGroup
	for i, g := range older {
		if keep[i] {
			kept = append(kept, g)
		} else {
			dropped = append(dropped, g)
		}
	}

	// Synthesize the summary of dropped history.
	var out []ChatMessage
	for _, g := range system {
		out = append(out, g.messages...)
	}
	if points := extractKeyPoints(dropped); len(points) > 0 {
		var b strings.Builder
		b.WriteString("[Summary of earlier activity]\n")
		for _, p := range points {
			b.WriteString("- ")
			b.WriteString(p)
			b.WriteString("\n")
		}
		out = append(out, UserMessage(b.String()))
	}
	for _, g := range kept {
		out = append(out, g.messages...)
	}
	for _, g := range recent {
		out = append(out, g.messages...)
	}
	return out
}

func totalGroupTokens(groups []turnGroup) int {
	var n int
	for _, g := range groups {
		n += groupTokens(g)
	}
	return n
}

func flattenGroups(groups []turnGroup) []ChatMessage {
	var out []ChatMessage
	for _, g := range groups {
		out = append(out, g.messages...)
	}
	return out
}
