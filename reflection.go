package termpilot

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Strategy is the reflection engine's current execution posture.
type Strategy string

const (
	StrategyDefault      Strategy = "default"
	StrategyConservative Strategy = "conservative"
	StrategyAggressive   Strategy = "aggressive"
	// StrategyDiagnostic exists in the enum but no transition targets it;
	// wiring one needs product direction.
	StrategyDiagnostic Strategy = "diagnostic"
)

// Issue is a detected execution problem.
type Issue string

const (
	IssueCommandLoop         Issue = "detected_command_loop"
	IssueToolLoop            Issue = "detected_tool_loop"
	IssueConsecutiveFailures Issue = "consecutive_failures"
	IssueHighFailureRate     Issue = "high_failure_rate"
	IssueFrequentSwitches    Issue = "frequent_strategy_changes"
	IssueTooManyReflections  Issue = "too_many_reflections"
)

// Ring bounds from the data model.
const (
	maxLastCommands  = 5
	maxLastToolCalls = 8
	// maxReflections: the second reflection halts the run.
	maxReflections = 2
	// reflectionInterval forces a periodic reflection even without issues.
	reflectionInterval = 10
	// strategySwitchCooldown is the minimum gap between switches.
	strategySwitchCooldown = 30 * time.Second
)

// StrategySwitch records one posture change.
type StrategySwitch struct {
	From Strategy `json:"from"`
	To   Strategy `json:"to"`
	At   int64    `json:"at"` // Unix millis
	Why  Issue    `json:"why,omitempty"`
}

// ReflectionState is per-run telemetry driving loop detection and
// strategy switching. It is owned by the run actor; no internal locking.
type ReflectionState struct {
	ToolCallCount   int              `json:"tool_call_count"`
	FailureCount    int              `json:"failure_count"` // consecutive
	TotalFailures   int              `json:"total_failures"`
	SuccessCount    int              `json:"success_count"`
	LastCommands    []string         `json:"last_commands"`
	LastToolCalls   []string         `json:"last_tool_calls"` // signatures
	LastReflection  int              `json:"last_reflection_at"`
	ReflectionCount int              `json:"reflection_count"`
	CurrentStrategy Strategy         `json:"current_strategy"`
	Switches        []StrategySwitch `json:"strategy_switches"`
	QualityScore    float64          `json:"quality_score,omitempty"`
	DetectedIssues  []Issue          `json:"detected_issues"`
	AppliedFixes    []string         `json:"applied_fixes"`

	lastSwitchAt      time.Time
	lastFailureAt     time.Time
	switchFollowedVal float64 // adaptability component
}

// NewReflectionState starts a run in the default posture.
func NewReflectionState() *ReflectionState {
	return &ReflectionState{CurrentStrategy: StrategyDefault, switchFollowedVal: 0.7}
}

// signatureParams selects, per tool, which argument keys distinguish two
// calls for loop detection. read_file path=a and read_file path=b must
// produce distinct signatures.
var signatureParams = map[string][]string{
	"execute_command":  {"command"},
	"read_file":        {"path", "start_line", "end_line"},
	"write_file":       {"path", "mode"},
	"send_input":       {"text"},
	"send_control_key": {"key"},
	"search_knowledge": {"query"},
	"update_plan":      {"step_index", "status"},
	"wait":             {"seconds"},
}

// ToolSignature derives the loop-detection signature for a call.
func ToolSignature(name string, args json.RawMessage) string {
	keys, ok := signatureParams[name]
	if !ok || len(args) == 0 {
		return name
	}
	var parsed map[string]any
	if err := json.Unmarshal(args, &parsed); err != nil {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		if v, ok := parsed[k]; ok {
			fmt.Fprintf(&b, "|%s=%v", k, v)
		}
	}
	return b.String()
}

// RecordToolCall updates counters after a tool result. Calls whose result
// reported is_running (timed-out command classified as backgrounded) are
// not counted as outcomes.
func (r *ReflectionState) RecordToolCall(name string, args json.RawMessage, success, isRunning bool) {
	r.ToolCallCount++
	r.LastToolCalls = appendRing(r.LastToolCalls, ToolSignature(name, args), maxLastToolCalls)

	if name == "execute_command" {
		var p struct {
			Command string `json:"command"`
		}
		if json.Unmarshal(args, &p) == nil && p.Command != "" {
			r.LastCommands = appendRing(r.LastCommands, normalizeCommand(p.Command), maxLastCommands)
		}
	}

	if isRunning {
		return
	}
	if success {
		r.SuccessCount++
		r.FailureCount = 0
	} else {
		r.FailureCount++
		r.TotalFailures++
		r.lastFailureAt = time.Now()
		if !r.lastSwitchAt.IsZero() && time.Since(r.lastSwitchAt) < 10*time.Second {
			r.switchFollowedVal = 0.5
		}
	}
	if !r.lastSwitchAt.IsZero() && time.Since(r.lastSwitchAt) >= 10*time.Second &&
		(r.lastFailureAt.IsZero() || r.lastFailureAt.Before(r.lastSwitchAt)) {
		r.switchFollowedVal = 0.9
	}
}

func appendRing(ring []string, v string, max int) []string {
	ring = append(ring, v)
	if len(ring) > max {
		ring = ring[len(ring)-max:]
	}
	return ring
}

// DetectIssues runs all detectors and records the findings.
func (r *ReflectionState) DetectIssues() []Issue {
	var issues []Issue

	if detectRepeat(r.LastCommands, 3) || detectAlternation(r.LastCommands, 4) {
		issues = append(issues, IssueCommandLoop)
	}
	if detectRepeat(r.LastToolCalls, 5) || detectAlternation(r.LastToolCalls, 6) {
		issues = append(issues, IssueToolLoop)
	}
	if r.FailureCount >= 3 {
		issues = append(issues, IssueConsecutiveFailures)
	}
	if attempts := r.SuccessCount + r.TotalFailures; attempts >= 5 &&
		float64(r.TotalFailures)/float64(attempts) > 0.6 {
		issues = append(issues, IssueHighFailureRate)
	}
	if recentSwitches(r.Switches, time.Minute) >= 3 {
		issues = append(issues, IssueFrequentSwitches)
	}
	if r.ReflectionCount >= maxReflections {
		issues = append(issues, IssueTooManyReflections)
	}

	r.DetectedIssues = issues
	return issues
}

// detectRepeat reports n identical trailing entries.
func detectRepeat(ring []string, n int) bool {
	if len(ring) < n {
		return false
	}
	tail := ring[len(ring)-n:]
	for _, v := range tail[1:] {
		if v != tail[0] {
			return false
		}
	}
	return true
}

// detectAlternation reports an ABAB... pattern over the trailing n
// entries with A != B.
func detectAlternation(ring []string, n int) bool {
	if len(ring) < n {
		return false
	}
	tail := ring[len(ring)-n:]
	a, b := tail[0], tail[1]
	if a == b {
		return false
	}
	for i, v := range tail {
		want := a
		if i%2 == 1 {
			want = b
		}
		if v != want {
			return false
		}
	}
	return true
}

func recentSwitches(switches []StrategySwitch, window time.Duration) int {
	cutoff := time.Now().Add(-window).UnixMilli()
	n := 0
	for _, s := range switches {
		if s.At >= cutoff {
			n++
		}
	}
	return n
}

// MaybeSwitchStrategy applies the switching rules. Switches are rate
// limited to one per 30 s. Returns the new strategy and true on change.
func (r *ReflectionState) MaybeSwitchStrategy(issues []Issue) (Strategy, bool) {
	if !r.lastSwitchAt.IsZero() && time.Since(r.lastSwitchAt) < strategySwitchCooldown {
		return r.CurrentStrategy, false
	}

	has := func(i Issue) bool {
		for _, v := range issues {
			if v == i {
				return true
			}
		}
		return false
	}

	var target Strategy
	var why Issue
	switch {
	case has(IssueConsecutiveFailures) && r.CurrentStrategy != StrategyConservative:
		target, why = StrategyConservative, IssueConsecutiveFailures
	case (has(IssueCommandLoop) || has(IssueToolLoop)) && r.CurrentStrategy != StrategyConservative:
		target, why = StrategyConservative, IssueToolLoop
		if has(IssueCommandLoop) {
			why = IssueCommandLoop
		}
	case has(IssueHighFailureRate) && r.CurrentStrategy == StrategyAggressive:
		target, why = StrategyConservative, IssueHighFailureRate
	case len(issues) == 0 && r.CurrentStrategy == StrategyConservative &&
		r.SuccessCount >= 3 && r.FailureCount == 0:
		target = StrategyDefault
	default:
		return r.CurrentStrategy, false
	}

	r.Switches = append(r.Switches, StrategySwitch{
		From: r.CurrentStrategy, To: target, At: nowMillis(), Why: why,
	})
	r.CurrentStrategy = target
	r.lastSwitchAt = time.Now()
	return target, true
}

// ShouldReflect reports whether a reflection is due: any detected issue,
// or 10 tool calls since the last reflection.
func (r *ReflectionState) ShouldReflect(issues []Issue) bool {
	if len(issues) > 0 {
		return true
	}
	return r.ToolCallCount-r.LastReflection >= reflectionInterval
}

// ComposeReflection produces the nudge injected as a user message, or
// ("", false) when the run must halt (too many reflections). The nudge
// tells the model to stop or change approach; it is not analysis.
func (r *ReflectionState) ComposeReflection(issues []Issue) (string, bool) {
	for _, i := range issues {
		if i == IssueTooManyReflections {
			return "", false
		}
	}
	r.ReflectionCount++
	r.LastReflection = r.ToolCallCount

	var b strings.Builder
	b.WriteString("[reflection] ")
	switch {
	case containsIssue(issues, IssueCommandLoop):
		b.WriteString("You are repeating the same command without new results. Stop repeating it; either change the approach or report what you found.")
		r.AppliedFixes = append(r.AppliedFixes, "nudge: break command loop")
	case containsIssue(issues, IssueToolLoop):
		b.WriteString("You are calling the same tool with the same arguments repeatedly. The result will not change; take a different action or conclude.")
		r.AppliedFixes = append(r.AppliedFixes, "nudge: break tool loop")
	case containsIssue(issues, IssueConsecutiveFailures):
		b.WriteString("The last several actions all failed. Re-read the most recent error, verify assumptions with a read-only check, then try a different method.")
		r.AppliedFixes = append(r.AppliedFixes, "nudge: recover from failures")
	case containsIssue(issues, IssueHighFailureRate):
		b.WriteString("Most actions so far have failed. Slow down: take one small verifiable step at a time.")
		r.AppliedFixes = append(r.AppliedFixes, "nudge: reduce failure rate")
	default:
		b.WriteString("Progress check: summarize what has been established so far and finish the remaining work directly.")
		r.AppliedFixes = append(r.AppliedFixes, "nudge: periodic progress check")
	}
	if r.CurrentStrategy == StrategyConservative {
		b.WriteString(" Operate conservatively: prefer read-only commands and confirm state before mutating.")
	}
	return b.String(), true
}

func containsIssue(issues []Issue, want Issue) bool {
	for _, i := range issues {
		if i == want {
			return true
		}
	}
	return false
}

// UpdateQualityScore recomputes 0.5·success_rate + 0.3·efficiency +
// 0.2·adaptability, where efficiency = max(0, 1 − 0.5·failure_rate).
func (r *ReflectionState) UpdateQualityScore() float64 {
	attempts := r.SuccessCount + r.TotalFailures
	var successRate, failureRate float64
	if attempts > 0 {
		successRate = float64(r.SuccessCount) / float64(attempts)
		failureRate = float64(r.TotalFailures) / float64(attempts)
	}
	efficiency := 1 - 0.5*failureRate
	if efficiency < 0 {
		efficiency = 0
	}
	adaptability := r.switchFollowedVal
	r.QualityScore = 0.5*successRate + 0.3*efficiency + 0.2*adaptability
	return r.QualityScore
}
