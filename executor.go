package termpilot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ExecResult is a tool outcome. Text() renders the content re-injected
// into the conversation as a tool message.
type ExecResult struct {
	Success   bool             `json:"success"`
	Output    string           `json:"output,omitempty"`
	Error     string           `json:"error,omitempty"`
	IsRunning bool             `json:"is_running,omitempty"`
	Progress  *CommandProgress `json:"progress,omitempty"`
	RiskLevel RiskLevel        `json:"risk_level,omitempty"`
}

// Text is the human text appended as the tool message.
func (r ExecResult) Text() string {
	if r.Success {
		return r.Output
	}
	return "错误: " + r.Error
}

func execFailure(format string, args ...any) ExecResult {
	return ExecResult{Error: fmt.Sprintf(format, args...)}
}

func execSuccess(output string) ExecResult {
	return ExecResult{Success: true, Output: output}
}

// RunHooks connect the executor back to its owning run. All members are
// optional; nil hooks degrade to no-ops (confirmation auto-approves,
// which only happens in tests).
type RunHooks struct {
	// SetPhase updates the run's coarse execution phase.
	SetPhase func(phase ExecutionPhase, tool string)
	// Confirm publishes a PendingConfirmation and blocks until resolved.
	Confirm func(ctx context.Context, pending PendingConfirmation) (ConfirmDecision, error)
	// BufferTail returns the last n lines of the run's realtime buffer.
	BufferTail func(n int) []string
	// EmitStep publishes an auxiliary step (asking, waiting, plan_*,
	// waiting_password). The run assigns ID and timestamp.
	EmitStep func(step Step)
	// AwaitUserReply blocks for the next user message, for ask_user.
	// ok=false means the timeout elapsed without a reply.
	AwaitUserReply func(ctx context.Context, timeout time.Duration) (reply string, ok bool)
	// UserMessageSignal returns a channel that receives when a new
	// pending user message arrives; wait uses it to return early.
	UserMessageSignal func() <-chan struct{}
}

func (h RunHooks) setPhase(phase ExecutionPhase, tool string) {
	if h.SetPhase != nil {
		h.SetPhase(phase, tool)
	}
}

func (h RunHooks) emitStep(step Step) {
	if h.EmitStep != nil {
		h.EmitStep(step)
	}
}

// Command timeouts used when the config leaves CommandTimeoutMs zero.
const (
	defaultCommandTimeout = 30 * time.Second
	longRunningTimeout    = 10 * time.Minute
)

// realtimeBufferLines is the get_terminal_context default and cap.
const realtimeBufferLines = 200

// Executor implements the fixed tool catalog for one run. It is driven
// sequentially by the run actor; it has no internal locking.
type Executor struct {
	runID     string
	terminal  Terminal
	hostID    string
	knowledge KnowledgeStore
	mcp       MCPClient
	mcpTools  []MCPToolInfo
	sftp      SFTPClient
	sftpID    string
	config    func() AgentConfig
	hooks     RunHooks
	logger    *slog.Logger
	tracer    Tracer

	plan *Plan
}

// ExecutorOptions configures NewExecutor. Terminal and Config are
// required; the rest are optional capabilities.
type ExecutorOptions struct {
	RunID     string
	Terminal  Terminal
	HostID    string
	Knowledge KnowledgeStore
	MCP       MCPClient
	SFTP      SFTPClient
	// SFTPSessionID names the SFTP session for SSH file tools; defaults
	// to HostID.
	SFTPSessionID string
	// Config is read per call so UpdateConfig takes effect mid-run.
	Config func() AgentConfig
	Hooks  RunHooks
	Logger *slog.Logger
	Tracer Tracer
}

func NewExecutor(opts ExecutorOptions) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = NoopTracer{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = func() AgentConfig { return AgentConfig{} }
	}
	sftpID := opts.SFTPSessionID
	if sftpID == "" {
		sftpID = opts.HostID
	}
	return &Executor{
		runID:     opts.RunID,
		terminal:  opts.Terminal,
		hostID:    opts.HostID,
		knowledge: opts.Knowledge,
		mcp:       opts.MCP,
		sftp:      opts.SFTP,
		sftpID:    sftpID,
		config:    cfg,
		hooks:     opts.Hooks,
		logger:    logger,
		tracer:    tracer,
	}
}

// SetMCPTools installs the discovered MCP tool list into the catalog.
func (e *Executor) SetMCPTools(tools []MCPToolInfo) {
	e.mcpTools = tools
}

// Plan returns a copy of the active plan, or nil.
func (e *Executor) Plan() *Plan {
	return e.plan.clone()
}

// Execute dispatches one tool call. It never returns a Go error; every
// failure is an ExecResult the loop re-injects, so a bad tool call does
// not kill the run.
func (e *Executor) Execute(ctx context.Context, call ToolCall) ExecResult {
	ctx, span := e.tracer.Start(ctx, "tool."+call.Name,
		StringAttr("run.id", e.runID),
		StringAttr("tool.name", call.Name))
	defer span.End()

	defer e.hooks.setPhase(PhaseThinking, "")

	res := e.safeDispatch(ctx, call)
	if !res.Success {
		span.SetAttr(StringAttr("tool.error", truncateStr(res.Error, 200)))
		e.logger.Warn("tool failed", "run_id", e.runID, "tool", call.Name, "error", res.Error)
	}
	return res
}

// safeDispatch converts a tool panic into a failed result so one bad
// handler cannot take down the run loop.
func (e *Executor) safeDispatch(ctx context.Context, call ToolCall) (res ExecResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panic", "run_id", e.runID, "tool", call.Name, "panic", r)
			res = execFailure("tool %s panicked: %v", call.Name, r)
		}
	}()
	return e.dispatch(ctx, call)
}

func (e *Executor) dispatch(ctx context.Context, call ToolCall) ExecResult {
	switch call.Name {
	case "execute_command":
		return e.execCommand(ctx, call)
	case "check_terminal_status":
		return e.checkStatus(ctx)
	case "get_terminal_context":
		return e.terminalContext(call.Args)
	case "send_control_key":
		return e.sendControlKey(ctx, call)
	case "send_input":
		return e.sendInput(ctx, call)
	case "read_file":
		return e.readFile(ctx, call)
	case "write_file":
		return e.writeFile(ctx, call)
	case "remember_info":
		return e.rememberInfo(ctx, call.Args)
	case "search_knowledge":
		return e.searchKnowledge(ctx, call.Args)
	case "get_knowledge_doc":
		return e.getKnowledgeDoc(ctx, call.Args)
	case "ask_user":
		return e.askUser(ctx, call.Args)
	case "wait":
		return e.wait(ctx, call.Args)
	case "create_plan":
		return e.createPlan(call.Args)
	case "update_plan":
		return e.updatePlan(call.Args)
	case "clear_plan":
		return e.clearPlan()
	default:
		if server, tool, ok := ParseMCPToolName(call.Name); ok {
			return e.callMCP(ctx, server, tool, call.Args)
		}
		return execFailure("unknown tool: %s", call.Name)
	}
}

// parseArgs unmarshals tool arguments; the fixed parse-failure message is
// part of the tool contract.
func parseArgs(args json.RawMessage, v any) *ExecResult {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		r := execFailure("tool param parse failed")
		return &r
	}
	return nil
}

// --- Confirmation contract ---

// needsConfirmation applies the mode selection rule for a state-touching
// tool at the given risk.
func needsConfirmation(cfg AgentConfig, risk RiskLevel) bool {
	switch cfg.ExecutionMode {
	case ModeFree:
		return false
	case ModeStrict:
		return true
	default: // relaxed
		if riskRank(risk) >= riskRank(RiskDangerous) {
			return true
		}
		return risk == RiskModerate && !cfg.AutoExecuteModerate
	}
}

// confirm runs the confirmation exchange. It returns the effective
// arguments (possibly modified by the user) and, on rejection or abort, a
// terminal result.
func (e *Executor) confirm(ctx context.Context, call ToolCall, risk RiskLevel, hint string) (json.RawMessage, *ExecResult) {
	if !needsConfirmation(e.config(), risk) {
		return call.Args, nil
	}
	if e.hooks.Confirm == nil {
		return call.Args, nil
	}

	e.hooks.setPhase(PhaseConfirming, call.Name)
	e.hooks.emitStep(Step{
		Kind:      StepConfirm,
		ToolName:  call.Name,
		ToolArgs:  call.Args,
		RiskLevel: risk,
		Content:   hint,
	})

	decision, err := e.hooks.Confirm(ctx, PendingConfirmation{
		RunID:      e.runID,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Args:       call.Args,
		RiskLevel:  risk,
		Hint:       hint,
	})
	if err != nil {
		r := execFailure("confirmation aborted: %v", err)
		return nil, &r
	}
	if !decision.Approved {
		r := execFailure("user rejected")
		r.RiskLevel = risk
		return nil, &r
	}
	if len(decision.ModifiedArgs) > 0 {
		return decision.ModifiedArgs, nil
	}
	return call.Args, nil
}

// --- execute_command ---

func (e *Executor) execCommand(ctx context.Context, call ToolCall) ExecResult {
	var p struct {
		Command       string `json:"command"`
		IsLongRunning bool   `json:"is_long_running"`
	}
	if r := parseArgs(call.Args, &p); r != nil {
		return *r
	}
	if strings.TrimSpace(p.Command) == "" {
		return execFailure("command is empty")
	}

	handling := AnalyzeCommand(p.Command)
	if handling.Strategy == StrategyBlock {
		return execFailure("%s。%s", handling.Reason, handling.Hint)
	}

	command := p.Command
	var preamble string
	if handling.Strategy == StrategyAutoFix {
		command = handling.FixedCommand
		preamble = "[auto-fix] " + handling.Hint + "\n"
	}

	risk := AssessRisk(command)
	if risk == RiskBlocked {
		return ExecResult{Error: "命令被安全策略拦截，已阻止执行", RiskLevel: risk}
	}

	args, rejected := e.confirm(ctx, ToolCall{ID: call.ID, Name: call.Name, Args: call.Args}, risk, handling.Hint)
	if rejected != nil {
		return *rejected
	}
	if !sameRaw(args, call.Args) {
		// User edited the command during confirmation.
		var mod struct {
			Command string `json:"command"`
		}
		if json.Unmarshal(args, &mod) == nil && strings.TrimSpace(mod.Command) != "" {
			command = mod.Command
			preamble = ""
		}
	}

	cfg := e.config()
	timeout := time.Duration(cfg.CommandTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	if p.IsLongRunning && timeout < longRunningTimeout {
		timeout = longRunningTimeout
	}

	// Timed execution: schedule the terminating key press so follow-style
	// commands do not hold the terminal forever.
	if handling.Strategy == StrategyTimedExecution {
		suggested := handling.SuggestedTimeoutMs
		if suggested <= 0 {
			suggested = defaultTimedExecutionMs
		}
		timer := time.AfterFunc(time.Duration(suggested)*time.Millisecond, func() {
			_ = e.terminal.Write(timeoutActionBytes(handling.TimeoutAction))
		})
		defer timer.Stop()
		if d := time.Duration(suggested)*time.Millisecond + 2*time.Second; d > timeout {
			timeout = d
		}
		preamble += "[timed] " + handling.Hint + "\n"
	}

	e.hooks.setPhase(PhaseExecutingCommand, "execute_command")
	capture, err := e.terminal.ExecuteCapture(ctx, command, timeout)
	if err != nil {
		return ExecResult{Error: err.Error(), RiskLevel: risk}
	}

	progress := DetectProgress(capture.Output, command)

	if prompt := DetectPasswordPrompt(capture.Output); prompt != "" {
		e.hooks.emitStep(Step{Kind: StepWaitingPassword, Content: prompt, ToolName: "execute_command"})
		return ExecResult{
			Success:   true,
			Output:    preamble + capture.Output + "\n[终端正在等待密码输入，请用 send_input 提供密码或 ctrl+c 取消]",
			IsRunning: true,
			Progress:  progress,
			RiskLevel: risk,
		}
	}

	if capture.TimedOut {
		status := e.terminal.Status(ctx)
		if status.Busy {
			return ExecResult{
				Success:   true,
				Output:    preamble + capture.Output + "\n[命令仍在前台运行。可用 check_terminal_status 查看状态、get_terminal_context 获取新输出，或 send_control_key ctrl+c 终止]",
				IsRunning: true,
				Progress:  progress,
				RiskLevel: risk,
			}
		}
		return ExecResult{
			Error:     fmt.Sprintf("命令执行超时 (%s)，终端已恢复空闲\n%s", timeout, lastLinesJoined(capture.Output, 20)),
			Progress:  progress,
			RiskLevel: risk,
		}
	}

	if code, ok := e.terminal.LastExitCode(ctx); ok && code != 0 {
		return ExecResult{
			Error:     fmt.Sprintf("exit code %d\n%s", code, lastLinesJoined(capture.Output, 30)),
			Progress:  progress,
			RiskLevel: risk,
		}
	}

	return ExecResult{
		Success:   true,
		Output:    preamble + capture.Output,
		Progress:  progress,
		RiskLevel: risk,
	}
}

func timeoutActionBytes(a TimeoutAction) string {
	switch a {
	case TimeoutCtrlD:
		return controlKeySequences["ctrl+d"]
	case TimeoutQ:
		return controlKeySequences["q"]
	default:
		return controlKeySequences["ctrl+c"]
	}
}

func sameRaw(a, b json.RawMessage) bool {
	return string(a) == string(b)
}

func lastLinesJoined(s string, n int) string {
	return strings.Join(lastLines(s, n), "\n")
}

// --- Terminal inspection tools ---

func (e *Executor) checkStatus(ctx context.Context) ExecResult {
	status := e.terminal.Status(ctx)
	state := "idle"
	if status.Busy {
		state = "busy"
	}
	return execSuccess(fmt.Sprintf("terminal is %s: %s", state, status.Reason))
}

func (e *Executor) terminalContext(args json.RawMessage) ExecResult {
	var p struct {
		MaxLines int `json:"max_lines"`
	}
	if r := parseArgs(args, &p); r != nil {
		return *r
	}
	n := p.MaxLines
	if n <= 0 || n > realtimeBufferLines {
		n = realtimeBufferLines
	}
	if e.hooks.BufferTail == nil {
		return execFailure("realtime buffer unavailable")
	}
	lines := e.hooks.BufferTail(n)
	if len(lines) == 0 {
		return execSuccess("(terminal buffer is empty)")
	}
	return execSuccess(strings.Join(lines, "\n"))
}

func (e *Executor) sendControlKey(ctx context.Context, call ToolCall) ExecResult {
	var p struct {
		Key string `json:"key"`
	}
	if r := parseArgs(call.Args, &p); r != nil {
		return *r
	}
	key := strings.ToLower(strings.TrimSpace(p.Key))
	seq, ok := controlKeySequences[key]
	if !ok {
		return execFailure("unsupported control key: %q", p.Key)
	}

	if _, rejected := e.confirm(ctx, call, RiskSafe, ""); rejected != nil {
		return *rejected
	}
	if err := e.terminal.Write(seq); err != nil {
		return execFailure("write failed: %v", err)
	}
	return execSuccess("sent " + key)
}

const maxSendInputLen = 1000

func (e *Executor) sendInput(ctx context.Context, call ToolCall) ExecResult {
	var p struct {
		Text string `json:"text"`
	}
	if r := parseArgs(call.Args, &p); r != nil {
		return *r
	}
	if p.Text == "" {
		return execFailure("input text is empty")
	}
	if len([]rune(p.Text)) > maxSendInputLen {
		return execFailure("input longer than %d characters; use write_file instead", maxSendInputLen)
	}

	args, rejected := e.confirm(ctx, call, RiskModerate, "")
	if rejected != nil {
		return *rejected
	}
	if !sameRaw(args, call.Args) {
		var mod struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(args, &mod) == nil && mod.Text != "" {
			p.Text = mod.Text
		}
	}

	if err := e.terminal.Write(p.Text + "\r"); err != nil {
		return execFailure("write failed: %v", err)
	}
	return execSuccess("input sent")
}
