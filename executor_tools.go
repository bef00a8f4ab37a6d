package termpilot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// --- Knowledge tools ---

func (e *Executor) rememberInfo(ctx context.Context, args json.RawMessage) ExecResult {
	var p struct {
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	if r := parseArgs(args, &p); r != nil {
		return *r
	}
	if strings.TrimSpace(p.Content) == "" {
		return execFailure("content is empty")
	}
	if e.knowledge == nil {
		return ExecResult{Error: ErrKnowledgeDisabled.Error()}
	}
	if !e.knowledge.IsEnabled() {
		return execFailure("knowledge store not initialized")
	}
	if IsDynamicContent(p.Content) {
		return execSuccess("skip_dynamic: content looks like transient state (timestamp, pid, live reading); not saved")
	}
	outcome, err := e.knowledge.AddMemory(ctx, e.hostID, p.Content, p.Tags)
	if err != nil {
		return execFailure("save memory failed: %v", err)
	}
	switch outcome.Status {
	case MemorySkipDuplicate:
		return execSuccess("skip_duplicate: an equivalent memory already exists")
	case MemoryMerged:
		return execSuccess("merged into existing memory " + outcome.ID)
	case MemoryReplaced:
		return execSuccess("replaced existing memory " + outcome.ID)
	default:
		return execSuccess("saved memory " + outcome.ID)
	}
}

func (e *Executor) searchKnowledge(ctx context.Context, args json.RawMessage) ExecResult {
	var p struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if r := parseArgs(args, &p); r != nil {
		return *r
	}
	if strings.TrimSpace(p.Query) == "" {
		return execFailure("query is empty")
	}
	if e.knowledge == nil {
		return ExecResult{Error: ErrKnowledgeDisabled.Error()}
	}
	if !e.knowledge.IsEnabled() {
		return execFailure("knowledge store not initialized")
	}
	limit := p.Limit
	if limit <= 0 || limit > 20 {
		limit = 5
	}
	hits, err := e.knowledge.Search(ctx, p.Query, limit)
	if err != nil {
		return execFailure("search failed: %v", err)
	}
	if len(hits) == 0 {
		return execSuccess("no results for " + p.Query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d results:\n", len(hits))
	for _, h := range hits {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", h.DocID, h.Title, truncateStr(h.Snippet, 200))
	}
	return execSuccess(b.String())
}

func (e *Executor) getKnowledgeDoc(ctx context.Context, args json.RawMessage) ExecResult {
	var p struct {
		ID string `json:"id"`
	}
	if r := parseArgs(args, &p); r != nil {
		return *r
	}
	if strings.TrimSpace(p.ID) == "" {
		return execFailure("id is empty")
	}
	if e.knowledge == nil {
		return ExecResult{Error: ErrKnowledgeDisabled.Error()}
	}
	if !e.knowledge.IsEnabled() {
		return execFailure("knowledge store not initialized")
	}
	doc, err := e.knowledge.GetDocument(ctx, p.ID)
	if err != nil {
		return execFailure("get document failed: %v", err)
	}
	return execSuccess(fmt.Sprintf("# %s\n\n%s", doc.Title, doc.Content))
}

// --- Interaction tools ---

// askUserMaxTimeout caps ask_user at five minutes.
const askUserMaxTimeout = 5 * time.Minute

func (e *Executor) askUser(ctx context.Context, args json.RawMessage) ExecResult {
	var p struct {
		Question  string `json:"question"`
		Default   string `json:"default"`
		TimeoutMs int    `json:"timeout_ms"`
	}
	if r := parseArgs(args, &p); r != nil {
		return *r
	}
	if strings.TrimSpace(p.Question) == "" {
		return execFailure("question is empty")
	}
	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	if timeout <= 0 || timeout > askUserMaxTimeout {
		timeout = askUserMaxTimeout
	}

	e.hooks.setPhase(PhaseWaiting, "ask_user")
	e.hooks.emitStep(Step{Kind: StepAsking, Content: p.Question, ToolName: "ask_user"})

	if e.hooks.AwaitUserReply == nil {
		if p.Default != "" {
			return execSuccess("no reply channel; using default: " + p.Default)
		}
		return execFailure("no user available to answer")
	}
	reply, ok := e.hooks.AwaitUserReply(ctx, timeout)
	if !ok {
		if p.Default != "" {
			return execSuccess("user did not reply in time; using default: " + p.Default)
		}
		return execFailure("user did not reply within %s; proceed with your best judgement or finish with what you have", timeout)
	}
	return execSuccess("user replied: " + reply)
}

// waitProgressInterval is how often wait reports remaining time.
const waitProgressInterval = 5 * time.Second

func (e *Executor) wait(ctx context.Context, args json.RawMessage) ExecResult {
	var p struct {
		Seconds float64 `json:"seconds"`
		Reason  string  `json:"reason"`
	}
	if r := parseArgs(args, &p); r != nil {
		return *r
	}
	if p.Seconds <= 0 {
		return execFailure("seconds must be positive")
	}

	total := time.Duration(p.Seconds * float64(time.Second))
	e.hooks.setPhase(PhaseWaiting, "wait")
	e.hooks.emitStep(Step{Kind: StepWaiting, Content: waitDescription(total, p.Reason), ToolName: "wait"})

	var userMsg <-chan struct{}
	if e.hooks.UserMessageSignal != nil {
		userMsg = e.hooks.UserMessageSignal()
	}

	deadline := time.NewTimer(total)
	defer deadline.Stop()
	tick := time.NewTicker(waitProgressInterval)
	defer tick.Stop()
	started := time.Now()

	for {
		select {
		case <-deadline.C:
			return execSuccess(fmt.Sprintf("waited %s", total.Round(time.Second)))
		case <-tick.C:
			remaining := total - time.Since(started)
			if remaining > 0 {
				e.hooks.emitStep(Step{Kind: StepWaiting, Content: fmt.Sprintf("waiting, %s remaining", remaining.Round(time.Second)), ToolName: "wait"})
			}
		case <-userMsg:
			return execSuccess(fmt.Sprintf("wait interrupted after %s: new user message arrived", time.Since(started).Round(time.Second)))
		case <-ctx.Done():
			return execFailure("wait aborted after %s", time.Since(started).Round(time.Second))
		}
	}
}

func waitDescription(total time.Duration, reason string) string {
	if reason == "" {
		return fmt.Sprintf("waiting %s", total.Round(time.Second))
	}
	return fmt.Sprintf("waiting %s: %s", total.Round(time.Second), reason)
}

// --- Plan tools ---

func (e *Executor) createPlan(args json.RawMessage) ExecResult {
	var p struct {
		Title string `json:"title"`
		Steps []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"steps"`
	}
	if r := parseArgs(args, &p); r != nil {
		return *r
	}
	if strings.TrimSpace(p.Title) == "" {
		return execFailure("plan title is empty")
	}
	if len(p.Steps) == 0 {
		return execFailure("plan needs at least one step")
	}
	if len(p.Steps) > maxPlanSteps {
		return execFailure("plan has %d steps; the maximum is %d", len(p.Steps), maxPlanSteps)
	}
	if e.plan.HasOpenSteps() {
		return ExecResult{Error: (&ErrPlanViolation{Message: "a plan is already active; finish its steps or call clear_plan first"}).Error()}
	}

	now := nowMillis()
	plan := &Plan{ID: NewID(), Title: p.Title, CreatedAt: now, UpdatedAt: now}
	for _, s := range p.Steps {
		plan.Steps = append(plan.Steps, PlanStep{
			ID:          NewID(),
			Title:       s.Title,
			Description: s.Description,
			Status:      PlanStepPending,
			HostID:      e.hostID,
		})
	}
	e.plan = plan
	e.hooks.emitStep(Step{Kind: StepPlanCreated, Plan: plan.clone(), ToolName: "create_plan"})
	return execSuccess(fmt.Sprintf("plan created: %s (%d steps)", plan.Title, len(plan.Steps)))
}

func (e *Executor) updatePlan(args json.RawMessage) ExecResult {
	var p struct {
		StepIndex int            `json:"step_index"`
		Status    PlanStepStatus `json:"status"`
		Result    string         `json:"result"`
	}
	if r := parseArgs(args, &p); r != nil {
		return *r
	}
	if e.plan == nil {
		return execFailure("no active plan")
	}
	if p.StepIndex < 0 || p.StepIndex >= len(e.plan.Steps) {
		return execFailure("step_index %d out of range (0-%d)", p.StepIndex, len(e.plan.Steps)-1)
	}
	switch p.Status {
	case PlanStepPending, PlanStepInProgress, PlanStepCompleted, PlanStepFailed, PlanStepSkipped:
	default:
		return execFailure("invalid status %q", p.Status)
	}

	step := &e.plan.Steps[p.StepIndex]
	step.Status = p.Status
	if p.Result != "" {
		step.Result = p.Result
	}
	now := nowMillis()
	switch p.Status {
	case PlanStepInProgress:
		if step.StartedAt == 0 {
			step.StartedAt = now
		}
	case PlanStepCompleted, PlanStepFailed, PlanStepSkipped:
		if step.CompletedAt == 0 {
			step.CompletedAt = now
		}
	}
	e.plan.UpdatedAt = now
	e.hooks.emitStep(Step{Kind: StepPlanUpdated, Plan: e.plan.clone(), ToolName: "update_plan"})
	return execSuccess(fmt.Sprintf("step %d (%s) -> %s", p.StepIndex, step.Title, p.Status))
}

func (e *Executor) clearPlan() ExecResult {
	if e.plan == nil {
		return execSuccess("no active plan to clear")
	}
	archived := e.plan.clone()
	e.plan = nil
	e.hooks.emitStep(Step{Kind: StepPlanArchived, Plan: archived, ToolName: "clear_plan"})
	return execSuccess("plan archived: " + archived.Title)
}

// --- MCP passthrough ---

func (e *Executor) callMCP(ctx context.Context, server, tool string, args json.RawMessage) ExecResult {
	if e.mcp == nil || !e.mcp.IsInitialized() {
		return ExecResult{Error: ErrMCPNotInitialized.Error()}
	}
	known := false
	for _, t := range e.mcpTools {
		if t.Server == server {
			known = true
			break
		}
	}
	if !known {
		return execFailure("unknown MCP server: %s", server)
	}
	out, err := e.mcp.CallTool(ctx, server, tool, args)
	if err != nil {
		return execFailure("mcp call failed: %v", err)
	}
	return execSuccess(out)
}
