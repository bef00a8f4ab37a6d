package termpilot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// lineRing is the bounded realtime output buffer backing
// get_terminal_context. Old lines drop on overflow.
type lineRing struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial string
}

func newLineRing(max int) *lineRing {
	return &lineRing{max: max}
}

func (r *lineRing) Append(chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	text := r.partial + chunk
	parts := strings.Split(text, "\n")
	r.partial = parts[len(parts)-1]
	r.lines = append(r.lines, parts[:len(parts)-1]...)
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
}

func (r *lineRing) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.lines
	if r.partial != "" {
		all = append(append([]string{}, r.lines...), r.partial)
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]string, len(all))
	copy(out, all)
	return out
}

// Streaming UI throttles.
const (
	streamUpdateInterval = 100 * time.Millisecond
	toolHintInterval     = 300 * time.Millisecond
	toolHintMinArgsLen   = 50
)

// Retry/reminder ladders in the termination rules.
const (
	maxEmptyRetries  = 2
	maxPlanReminders = 2
)

// confirmWaiter parks a tool call on user approval.
type confirmWaiter struct {
	pending PendingConfirmation
	ch      chan ConfirmDecision
}

// run is one end-to-end agent execution tied to one terminal and one
// task. The loop goroutine owns messages and reflection state; external
// callers reach in only through the engine's methods, which touch the
// mutex-guarded control state.
type run struct {
	id       string
	engine   *Engine
	task     string
	agentCtx AgentContext
	profile  string
	worker   WorkerOptions
	cb       Callbacks
	logger   *slog.Logger
	tracer   Tracer

	terminal Terminal
	executor *Executor
	refl     *ReflectionState
	buffer   *lineRing

	ctx    context.Context // run lifetime, cancelled by Abort
	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	cfg             AgentConfig
	steps           []Step
	stepSeq         int
	usage           Usage
	pendingUserMsgs []string
	pendingConfirm  *confirmWaiter
	askReply        chan string
	phase           ExecutionPhase
	phaseTool       string
	running         bool
	aborted         bool
	cancelStream    context.CancelFunc
	unsub           func()

	userMsgSignal chan struct{}
}

func newRun(e *Engine, id string, term Terminal, task string, agentCtx AgentContext, cfg AgentConfig, profile string, worker WorkerOptions, cb Callbacks) *run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:            id,
		engine:        e,
		task:          task,
		agentCtx:      agentCtx,
		profile:       profile,
		worker:        worker,
		cb:            cb,
		logger:        e.logger.With("run_id", id),
		tracer:        e.tracer,
		terminal:      term,
		refl:          NewReflectionState(),
		buffer:        newLineRing(realtimeBufferLines),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		cfg:           cfg,
		phase:         PhaseThinking,
		running:       true,
		userMsgSignal: make(chan struct{}, 1),
	}
	r.executor = NewExecutor(ExecutorOptions{
		RunID:     id,
		Terminal:  term,
		HostID:    agentCtx.HostID,
		Knowledge: e.knowledge,
		MCP:       e.mcp,
		SFTP:      e.sftp,
		Config:    r.config,
		Logger:    r.logger,
		Tracer:    e.tracer,
		Hooks: RunHooks{
			SetPhase:          r.setPhase,
			Confirm:           r.confirmHook,
			BufferTail:        r.buffer.Tail,
			EmitStep:          func(s Step) { r.emitStep(s) },
			AwaitUserReply:    r.awaitUserReply,
			UserMessageSignal: func() <-chan struct{} { return r.userMsgSignal },
		},
	})
	return r
}

func (r *run) config() AgentConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

func (r *run) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// emitStep assigns id and timestamp, records the step, and notifies the
// callback. Steps are strictly ordered per run.
func (r *run) emitStep(step Step) Step {
	r.mu.Lock()
	r.stepSeq++
	step.ID = r.stepSeq
	step.Timestamp = nowMillis()
	r.steps = append(r.steps, step)
	cb := r.cb
	r.mu.Unlock()
	if cb.OnStep != nil {
		cb.OnStep(r.id, step)
	}
	return step
}

// updateStep replaces an existing step's content in place (streaming
// bursts) and re-notifies.
func (r *run) updateStep(id int, mutate func(*Step)) {
	r.mu.Lock()
	var updated *Step
	for i := range r.steps {
		if r.steps[i].ID == id {
			mutate(&r.steps[i])
			s := r.steps[i]
			updated = &s
			break
		}
	}
	cb := r.cb
	r.mu.Unlock()
	if updated != nil && cb.OnStep != nil {
		cb.OnStep(r.id, *updated)
	}
}

func (r *run) setPhase(phase ExecutionPhase, tool string) {
	r.mu.Lock()
	r.phase = phase
	r.phaseTool = tool
	r.mu.Unlock()
}

// addUserMessage queues a supplement. While ask_user is waiting the text
// is routed to it as the reply; otherwise the current model stream is
// cancelled so the loop re-enters with the new message. Running tools are
// never cancelled by a user message.
func (r *run) addUserMessage(text string) bool {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return false
	}
	if r.askReply != nil {
		ch := r.askReply
		r.askReply = nil
		r.mu.Unlock()
		ch <- text
		return true
	}
	r.pendingUserMsgs = append(r.pendingUserMsgs, text)
	cancelStream := r.cancelStream
	r.mu.Unlock()

	select {
	case r.userMsgSignal <- struct{}{}:
	default:
	}
	if cancelStream != nil {
		r.engine.provider.Abort(r.id)
		cancelStream()
	}
	return true
}

func (r *run) takePendingUserMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.pendingUserMsgs
	r.pendingUserMsgs = nil
	return msgs
}

func (r *run) hasPendingUserMessages() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingUserMsgs) > 0
}

// confirmHook parks the executor until the user resolves the pending
// confirmation, the run aborts, or the tool context ends.
func (r *run) confirmHook(ctx context.Context, pending PendingConfirmation) (ConfirmDecision, error) {
	w := &confirmWaiter{pending: pending, ch: make(chan ConfirmDecision, 1)}
	r.mu.Lock()
	r.pendingConfirm = w
	cb := r.cb
	r.mu.Unlock()

	if cb.OnNeedConfirm != nil {
		cb.OnNeedConfirm(pending)
	}

	defer func() {
		r.mu.Lock()
		if r.pendingConfirm == w {
			r.pendingConfirm = nil
		}
		r.mu.Unlock()
	}()

	select {
	case d := <-w.ch:
		return d, nil
	case <-ctx.Done():
		return ConfirmDecision{}, ctx.Err()
	case <-r.ctx.Done():
		return ConfirmDecision{}, ErrUserAborted
	}
}

func (r *run) resolveConfirm(toolCallID string, d ConfirmDecision) bool {
	r.mu.Lock()
	w := r.pendingConfirm
	if w == nil || w.pending.ToolCallID != toolCallID {
		r.mu.Unlock()
		return false
	}
	r.pendingConfirm = nil
	r.mu.Unlock()
	w.ch <- d
	return true
}

// awaitUserReply parks ask_user until the next user message or timeout.
func (r *run) awaitUserReply(ctx context.Context, timeout time.Duration) (string, bool) {
	ch := make(chan string, 1)
	r.mu.Lock()
	// A supplement queued before the question is the answer.
	if len(r.pendingUserMsgs) > 0 {
		reply := r.pendingUserMsgs[0]
		r.pendingUserMsgs = r.pendingUserMsgs[1:]
		r.mu.Unlock()
		return reply, true
	}
	r.askReply = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.askReply == ch {
			r.askReply = nil
		}
		r.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, true
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	case <-r.ctx.Done():
		return "", false
	}
}

// abort transitions the run to aborted: cancels the in-flight model
// request, cancels tool executions, and rejects any pending confirmation.
func (r *run) abort() bool {
	r.mu.Lock()
	if !r.running || r.aborted {
		r.mu.Unlock()
		return false
	}
	r.aborted = true
	w := r.pendingConfirm
	r.pendingConfirm = nil
	r.mu.Unlock()

	r.engine.provider.Abort(r.id)
	if w != nil {
		w.ch <- ConfirmDecision{Approved: false}
	}
	r.cancel()
	return true
}

// release drops the terminal subscription and marks the run finished.
// Called exactly once when the loop exits.
func (r *run) release() {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.running = false
	r.phase = PhaseIdle
	w := r.pendingConfirm
	r.pendingConfirm = nil
	r.mu.Unlock()
	if w != nil {
		w.ch <- ConfirmDecision{Approved: false}
	}
	if unsub != nil {
		unsub()
	}
}

// --- Main loop ---

func (r *run) loop() {
	defer close(r.done)
	defer r.release()

	ctx, span := r.tracer.Start(r.ctx, "agent.run",
		StringAttr("run.id", r.id),
		StringAttr("task", truncateStr(r.task, 200)),
		BoolAttr("worker", r.worker.IsWorker))
	defer span.End()

	r.mu.Lock()
	r.unsub = r.terminal.Subscribe(r.buffer.Append)
	r.mu.Unlock()

	// Discover MCP tools once per run so the catalog can advertise them.
	if mcp := r.engine.mcp; mcp != nil && mcp.IsInitialized() {
		if tools, err := mcp.ListTools(ctx); err != nil {
			r.logger.Warn("mcp tool discovery failed", "error", err)
		} else {
			r.executor.SetMCPTools(tools)
		}
	}

	messages := r.seedMessages(ctx)

	var (
		emptyRetries  int
		planReminders int
		toolsExecuted bool
		iter          int
	)

	for {
		cfg := r.config()
		if cfg.MaxSteps > 0 && iter >= cfg.MaxSteps {
			r.logger.Warn("max steps reached", "max_steps", cfg.MaxSteps)
			r.complete("已达到最大步数限制，任务结束。" + lastAssistantText(messages))
			return
		}
		iter++

		if r.isAborted() {
			r.finishAborted("")
			return
		}

		for _, msg := range r.takePendingUserMessages() {
			r.emitStep(Step{Kind: StepUserSupplement, Content: msg})
			messages = append(messages, UserMessage(msg))
		}

		if iter > 2 {
			messages = FoldMessages(messages, cfg.ContextLength)
		}

		r.setPhase(PhaseThinking, "")
		resp, interrupted, err := r.streamModel(ctx, messages)
		if interrupted {
			// Mid-stream user message; not a failure. Loop re-enters and
			// drains the supplement.
			continue
		}
		if err != nil {
			if r.isAborted() {
				r.finishAborted(resp.Content)
				return
			}
			r.fail("model call failed: " + err.Error())
			return
		}
		span.Event("model.turn", IntAttr("tool_calls", len(resp.ToolCalls)))

		r.mu.Lock()
		r.usage.InputTokens += resp.Usage.InputTokens
		r.usage.OutputTokens += resp.Usage.OutputTokens
		r.mu.Unlock()

		if len(resp.ToolCalls) == 0 {
			content := strings.TrimSpace(resp.Content)
			switch {
			case !toolsExecuted && content != "":
				// First reply with text and no tools: accept as answer.
				r.complete(resp.Content)
				return
			case !toolsExecuted && content == "":
				emptyRetries++
				if emptyRetries > maxEmptyRetries {
					r.fail(ErrModelEmpty.Error())
					return
				}
				messages = append(messages, UserMessage("请使用提供的工具执行任务，或直接给出最终答复。"))
				continue
			case r.executor.Plan().HasOpenSteps() && planReminders < maxPlanReminders:
				planReminders++
				messages = append(messages, AssistantMessage(resp.Content),
					UserMessage("计划中还有未完成的步骤。请继续执行剩余步骤，或用 update_plan 标记它们的最终状态后再总结。"))
				continue
			default:
				r.complete(resp.Content)
				return
			}
		}

		// Tool-calling turn.
		messages = append(messages, ChatMessage{
			Role:             "assistant",
			Content:          resp.Content,
			ReasoningContent: resp.ReasoningContent,
			ToolCalls:        resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			var res ExecResult
			if r.isAborted() {
				// Pairing must hold even on abort: every call gets a result.
				res = ExecResult{Error: "aborted before execution"}
			} else {
				r.emitStep(Step{Kind: StepToolCall, ToolName: tc.Name, ToolArgs: tc.Args})
				res = r.executor.Execute(r.ctx, tc)
			}
			step := r.emitStep(Step{
				Kind:       StepToolResult,
				ToolName:   tc.Name,
				ToolArgs:   tc.Args,
				ToolResult: truncateStr(res.Text(), 4000),
				RiskLevel:  res.RiskLevel,
				Progress:   res.Progress,
			})
			if r.worker.ReportProgress != nil {
				r.worker.ReportProgress(step)
			}
			messages = append(messages, ToolResultMessage(tc.ID, res.Text()))
			r.refl.RecordToolCall(tc.Name, tc.Args, res.Success, res.IsRunning)
			toolsExecuted = true
		}

		if r.isAborted() {
			r.finishAborted("")
			return
		}

		issues := r.refl.DetectIssues()
		if strat, switched := r.refl.MaybeSwitchStrategy(issues); switched {
			r.logger.Info("strategy switched", "strategy", strat, "issues", issues)
			span.Event("strategy.switch", StringAttr("to", string(strat)))
		}
		if r.refl.ShouldReflect(issues) {
			nudge, ok := r.refl.ComposeReflection(issues)
			if !ok {
				r.emitStep(Step{Kind: StepError, Content: "检测到执行循环，已自动停止当前任务"})
				r.failQuiet(ErrLoopDetected.Error())
				return
			}
			r.emitStep(Step{Kind: StepThinking, Content: nudge})
			messages = append(messages, UserMessage(nudge))
		}
		r.refl.UpdateQualityScore()
	}
}

// seedMessages builds the system prompt and initial conversation.
func (r *run) seedMessages(ctx context.Context) []ChatMessage {
	var snippets, memories []string
	if kn := r.engine.knowledge; kn != nil && kn.IsEnabled() {
		kctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		snippets, _ = kn.BuildContext(kctx, r.task, r.agentCtx.HostID)
		memories, _ = kn.GetHostMemoriesForPrompt(kctx, r.agentCtx.HostID, r.task, 10)
		cancel()
	}

	system := BuildSystemPrompt(PromptOptions{
		Context:           r.agentCtx,
		Persona:           r.engine.persona,
		KnowledgeSnippets: snippets,
		Memories:          memories,
		Config:            r.config(),
		Worker:            &r.worker,
	})
	if instr := PlanningInstruction(EstimateComplexity(r.task)); instr != "" {
		system += "\n" + instr
	}

	messages := []ChatMessage{SystemMessage(system)}
	messages = append(messages, r.agentCtx.HistoryMessages...)
	messages = append(messages, UserMessage(r.task))
	return messages
}

// streamModel performs one streaming model turn, maintaining a single
// streaming message step with throttled updates. interrupted is true when
// the stream was cancelled by a user supplement rather than failing.
func (r *run) streamModel(ctx context.Context, messages []ChatMessage) (ChatResponse, bool, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancelStream = cancel
	cb := r.cb
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancelStream = nil
		r.mu.Unlock()
		cancel()
	}()

	req := ChatRequest{
		Messages:  messages,
		Tools:     r.executor.Catalog(),
		Profile:   r.profile,
		RequestID: r.id,
	}

	ch := make(chan StreamEvent, 64)
	type outcome struct {
		resp ChatResponse
		err  error
	}
	resCh := make(chan outcome, 1)
	go func() {
		resp, err := r.engine.provider.ChatToolsStream(streamCtx, req, ch)
		resCh <- outcome{resp, err}
	}()

	var (
		stepID     int
		content    strings.Builder
		lastUpdate time.Time
		lastHint   time.Time
	)
	ensureStep := func() {
		if stepID == 0 {
			s := r.emitStep(Step{Kind: StepMessage, IsStreaming: true})
			stepID = s.ID
		}
	}

	for ev := range ch {
		switch ev.Type {
		case EventTextDelta:
			content.WriteString(ev.Content)
			if cb.OnTextChunk != nil {
				cb.OnTextChunk(r.id, ev.Content)
			}
			ensureStep()
			if time.Since(lastUpdate) >= streamUpdateInterval {
				lastUpdate = time.Now()
				text := content.String()
				r.updateStep(stepID, func(s *Step) { s.Content = text })
			}
		case EventReasoningDelta:
			// Reasoning is kept for the message list, not streamed to steps.
		case EventToolCallProgress:
			if ev.ArgsLen >= toolHintMinArgsLen && time.Since(lastHint) >= toolHintInterval {
				lastHint = time.Now()
				ensureStep()
				hint := fmt.Sprintf("正在准备 %s (%d)", ev.ToolName, ev.ArgsLen)
				r.updateStep(stepID, func(s *Step) {
					if s.Content == "" {
						s.Content = hint
					}
				})
			}
		}
	}
	out := <-resCh

	interrupted := out.err != nil && streamCtx.Err() != nil && !r.isAborted() && r.hasPendingUserMessages()
	final := out.resp.Content
	if final == "" {
		final = content.String()
		out.resp.Content = final
	}
	if stepID != 0 {
		r.updateStep(stepID, func(s *Step) {
			s.Content = final
			s.IsStreaming = false
		})
	}
	if interrupted {
		return out.resp, true, nil
	}
	return out.resp, false, out.err
}

// complete finishes the run successfully.
func (r *run) complete(final string) {
	r.mu.Lock()
	r.running = false
	cb := r.cb
	pending := r.pendingUserMsgs
	r.mu.Unlock()

	if strings.TrimSpace(final) != "" {
		// The streaming step already carries the content for the common
		// path; completion without a prior message step still records one.
		if !r.lastStepIsMessage(final) {
			r.emitStep(Step{Kind: StepMessage, Content: final})
		}
	}
	r.logger.Info("run complete", "final_len", len(final))
	if cb.OnComplete != nil {
		cb.OnComplete(r.id, final, pending)
	}
}

func (r *run) lastStepIsMessage(content string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.steps)
	return n > 0 && r.steps[n-1].Kind == StepMessage && r.steps[n-1].Content == content
}

// fail ends the run with an error step and on_error.
func (r *run) fail(message string) {
	r.emitStep(Step{Kind: StepError, Content: message})
	r.failQuiet(message)
}

// failQuiet ends the run with on_error only (the error step was already
// emitted by the caller).
func (r *run) failQuiet(message string) {
	r.mu.Lock()
	r.running = false
	cb := r.cb
	r.mu.Unlock()
	r.logger.Warn("run failed", "error", message)
	if cb.OnError != nil {
		cb.OnError(r.id, message)
	}
}

// finishAborted applies the abort completion rule: a partial assistant
// reply of at least 10 characters with no pending user messages counts as
// a completed answer; everything else surfaces the abort.
func (r *run) finishAborted(partial string) {
	if len([]rune(strings.TrimSpace(partial))) >= 10 && !r.hasPendingUserMessages() {
		r.logger.Info("aborted with usable partial reply")
		r.complete(partial)
		return
	}
	r.fail("用户已中止任务")
}

func lastAssistantText(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" && messages[i].Content != "" {
			return messages[i].Content
		}
	}
	return ""
}
