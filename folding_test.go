package termpilot

import (
	"fmt"
	"strings"
	"testing"
)

func assistantToolCallMsg(callID, cmd string) ChatMessage {
	return ChatMessage{
		Role:      "assistant",
		ToolCalls: []ToolCall{{ID: callID, Name: "execute_command", Args: rawArgs(fmt.Sprintf(`{"command":%q}`, cmd))}},
	}
}

// checkPairing verifies every tool message answers a tool call from an
// earlier assistant message in the same slice.
func checkPairing(t *testing.T, msgs []ChatMessage) {
	t.Helper()
	known := map[string]bool{}
	for i, m := range msgs {
		for _, tc := range m.ToolCalls {
			known[tc.ID] = true
		}
		if m.Role == "tool" && !known[m.ToolCallID] {
			t.Errorf("message %d: tool result %q has no preceding tool call", i, m.ToolCallID)
		}
	}
}

func TestGroupTurnsSystemSolo(t *testing.T) {
	msgs := []ChatMessage{
		SystemMessage("sys"),
		UserMessage("do it"),
		AssistantMessage("done"),
	}
	groups := groupTurns(msgs)
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if !groups[0].isSystem || len(groups[0].messages) != 1 {
		t.Errorf("system group malformed: %+v", groups[0])
	}
	if len(groups[1].messages) != 2 {
		t.Errorf("turn group has %d messages, want 2", len(groups[1].messages))
	}
}

func TestGroupTurnsKeepsPairingOpen(t *testing.T) {
	// A user message arriving while a tool call is unanswered must not
	// split the group.
	msgs := []ChatMessage{
		UserMessage("first"),
		assistantToolCallMsg("c1", "ls"),
		UserMessage("interjection"),
		ToolResultMessage("c1", "file.txt"),
		UserMessage("second"),
		AssistantMessage("ok"),
	}
	groups := groupTurns(msgs)
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if len(groups[0].messages) != 4 {
		t.Errorf("first group has %d messages, want 4 (call kept with result)", len(groups[0].messages))
	}
}

func TestCompressToolOutputHeadTail(t *testing.T) {
	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	out := compressToolOutput(strings.Join(lines, "\n"))
	if !strings.Contains(out, "[omitted 30 lines]") {
		t.Errorf("missing omission marker: %q", out)
	}
	if !strings.HasPrefix(out, "line 0\n") {
		t.Errorf("head not kept: %q", out[:40])
	}
	if !strings.HasSuffix(out, "line 49") {
		t.Errorf("tail not kept: %q", out[len(out)-40:])
	}
}

func TestCompressWithinGroups(t *testing.T) {
	long := strings.Repeat("x", maxToolMessageChars+500)
	groups := []turnGroup{{messages: []ChatMessage{
		UserMessage("go"),
		assistantToolCallMsg("c1", "cat big"),
		ToolResultMessage("c1", long),
	}}}
	compressWithinGroups(groups)
	got := groups[0].messages[2].Content
	if len([]rune(got)) >= len([]rune(long)) {
		t.Errorf("tool message not compressed: %d runes", len([]rune(got)))
	}
	if !strings.Contains(got, "[original length:") {
		t.Errorf("missing length note: %q", got[len(got)-60:])
	}
}

func TestFoldMessagesUnderBudgetUntouched(t *testing.T) {
	msgs := []ChatMessage{
		SystemMessage("sys"),
		UserMessage("hello"),
		AssistantMessage("hi"),
	}
	out := FoldMessages(msgs, 64_000)
	if len(out) != len(msgs) {
		t.Fatalf("fold changed message count under budget: %d -> %d", len(msgs), len(out))
	}
	for i := range msgs {
		if out[i].Content != msgs[i].Content {
			t.Errorf("message %d changed: %q", i, out[i].Content)
		}
	}
}

func TestFoldMessagesLongConversation(t *testing.T) {
	msgs := []ChatMessage{SystemMessage("system prompt")}
	for i := 0; i < 40; i++ {
		callID := fmt.Sprintf("c%d", i)
		msgs = append(msgs,
			UserMessage(fmt.Sprintf("task step %d", i)),
			assistantToolCallMsg(callID, fmt.Sprintf("inspect-%d --verbose", i)),
			ToolResultMessage(callID, strings.Repeat("output line\n", 40)+"result: ok"),
			AssistantMessage(fmt.Sprintf("step %d done", i)),
		)
	}

	out := FoldMessages(msgs, 4000)

	if len(out) >= len(msgs) {
		t.Fatalf("fold did not shrink conversation: %d -> %d", len(msgs), len(out))
	}
	if out[0].Role != "system" || out[0].Content != "system prompt" {
		t.Errorf("system message not preserved first: %+v", out[0])
	}
	checkPairing(t, out)

	// The trailing turns survive verbatim.
	last := msgs[len(msgs)-1]
	if out[len(out)-1].Content != last.Content {
		t.Errorf("last message changed: %q", out[len(out)-1].Content)
	}

	// Dropped history is summarized in a synthetic user message.
	foundSummary := false
	for _, m := range out {
		if m.Role == "user" && strings.HasPrefix(m.Content, "[Summary of earlier activity]") {
			foundSummary = true
			if !strings.Contains(m.Content, "ran: ") {
				t.Errorf("summary lacks executed commands: %q", m.Content)
			}
		}
	}
	if !foundSummary {
		t.Errorf("no summary message emitted for dropped turns")
	}
}

func TestExtractKeyPoints(t *testing.T) {
	groups := []turnGroup{{messages: []ChatMessage{
		UserMessage("check disk"),
		assistantToolCallMsg("c1", "df -h"),
		ToolResultMessage("c1", "Filesystem use\nerror: /dev/sda1 is 98% full"),
	}}}
	points := extractKeyPoints(groups)
	if len(points) != 2 {
		t.Fatalf("got %d key points, want 2: %v", len(points), points)
	}
	if points[0] != "ran: df -h" {
		t.Errorf("points[0] = %q, want ran: df -h", points[0])
	}
	if !strings.Contains(points[1], "98% full") {
		t.Errorf("points[1] = %q, want the error line", points[1])
	}
}

func TestExtractKeyPointsDedup(t *testing.T) {
	g := turnGroup{messages: []ChatMessage{
		assistantToolCallMsg("c1", "uptime"),
		ToolResultMessage("c1", "ok"),
		assistantToolCallMsg("c2", "uptime"),
		ToolResultMessage("c2", "ok"),
	}}
	points := extractKeyPoints([]turnGroup{g})
	if len(points) != 1 {
		t.Errorf("duplicate command not deduped: %v", points)
	}
}

func TestScoreGroupPrefersRecentUserTurns(t *testing.T) {
	old := turnGroup{messages: []ChatMessage{ToolResultMessage("c1", "noise")}}
	recent := turnGroup{messages: []ChatMessage{UserMessage("important request with error result")}}
	// Same total, different index: the recent user group must outrank the
	// old tool group.
	sOld := scoreGroup(old, 0, 10)
	sRecent := scoreGroup(recent, 9, 10)
	if sRecent <= sOld {
		t.Errorf("scoreGroup recent=%f old=%f, want recent > old", sRecent, sOld)
	}
}
