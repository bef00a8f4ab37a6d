package termpilot

import (
	"log/slog"
	"strings"
	"unicode"
)

// nopLogger discards everything. Components fall back to it so call sites
// never nil-check their logger.
var nopLogger = slog.New(slog.DiscardHandler)

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	// Byte length ≤ n guarantees rune count ≤ n, avoiding the []rune
	// allocation for short/ASCII strings.
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// containsFold reports whether s contains substr, case-insensitively.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// lastLines returns up to n trailing lines of s, trimmed of a final
// newline first so a trailing "\n" doesn't count as an empty line.
func lastLines(s string, n int) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// isCJK reports whether r is a CJK character for token estimation.
func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// EstimateTokens approximates the token cost of text: ≈1.5 tokens per CJK
// rune and ≈0.25 tokens per other rune. Deliberately a heuristic rather
// than a BPE tokenizer so fold boundaries are deterministic and offline.
func EstimateTokens(text string) int {
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	return cjk*3/2 + other/4 + 1
}

// estimateMessageTokens covers content, reasoning, and tool-call args.
func estimateMessageTokens(m ChatMessage) int {
	n := EstimateTokens(m.Content)
	if m.ReasoningContent != "" {
		n += EstimateTokens(m.ReasoningContent)
	}
	for _, tc := range m.ToolCalls {
		n += EstimateTokens(tc.Name) + EstimateTokens(string(tc.Args))
	}
	return n
}

// estimateConversationTokens sums estimateMessageTokens over all messages.
func estimateConversationTokens(msgs []ChatMessage) int {
	var n int
	for _, m := range msgs {
		n += estimateMessageTokens(m)
	}
	return n
}
