package termpilot

import "encoding/json"

// --- LLM protocol types ---

// ChatMessage is an OpenAI-style conversation message. Every tool message's
// ToolCallID matches a preceding assistant message's ToolCalls entry;
// memory folding and all selection policies preserve this pairing.
type ChatMessage struct {
	Role             string     `json:"role"` // "system", "user", "assistant", "tool"
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a single function invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDefinition describes one tool exposed to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// Usage accumulates token counts across model calls in a run.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatRequest is a single model invocation.
type ChatRequest struct {
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	// Profile selects a model profile by ID; empty = provider default.
	Profile string `json:"profile,omitempty"`
	// RequestID identifies this call for Provider.Abort. Runs use their
	// run ID so a user interrupt can cancel the in-flight request.
	RequestID string `json:"request_id,omitempty"`
}

// ChatResponse is the model's completed reply.
type ChatResponse struct {
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	Usage            Usage      `json:"usage"`
}

// Message constructors mirror the roles the engine appends.

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}

// --- Risk model ---

// RiskLevel classifies a shell command's blast radius.
type RiskLevel string

const (
	RiskSafe      RiskLevel = "safe"
	RiskModerate  RiskLevel = "moderate"
	RiskDangerous RiskLevel = "dangerous"
	RiskBlocked   RiskLevel = "blocked"
)

// riskRank orders risk levels for threshold comparisons.
func riskRank(r RiskLevel) int {
	switch r {
	case RiskSafe:
		return 0
	case RiskModerate:
		return 1
	case RiskDangerous:
		return 2
	case RiskBlocked:
		return 3
	}
	return 0
}

// --- Steps (observable run events) ---

// StepKind identifies the kind of observable event in a run.
type StepKind string

const (
	StepThinking        StepKind = "thinking"
	StepToolCall        StepKind = "tool_call"
	StepToolResult      StepKind = "tool_result"
	StepMessage         StepKind = "message"
	StepError           StepKind = "error"
	StepConfirm         StepKind = "confirm"
	StepStreaming       StepKind = "streaming"
	StepUserSupplement  StepKind = "user_supplement"
	StepWaiting         StepKind = "waiting"
	StepAsking          StepKind = "asking"
	StepWaitingPassword StepKind = "waiting_password"
	StepPlanCreated     StepKind = "plan_created"
	StepPlanUpdated     StepKind = "plan_updated"
	StepPlanArchived    StepKind = "plan_archived"
)

// Step is one observable event in a run. Steps are immutable once their
// streaming flag drops; during a streaming burst the scheduler updates the
// same step in place.
type Step struct {
	ID          int              `json:"id"`
	Kind        StepKind         `json:"kind"`
	Timestamp   int64            `json:"timestamp"` // Unix millis
	Content     string           `json:"content,omitempty"`
	ToolName    string           `json:"tool_name,omitempty"`
	ToolArgs    json.RawMessage  `json:"tool_args,omitempty"`
	ToolResult  string           `json:"tool_result,omitempty"`
	RiskLevel   RiskLevel        `json:"risk_level,omitempty"`
	IsStreaming bool             `json:"is_streaming,omitempty"`
	Plan        *Plan            `json:"plan,omitempty"`
	Progress    *CommandProgress `json:"progress,omitempty"`
}

// --- Execution configuration ---

// ExecutionMode controls the confirmation contract. In strict mode every
// command needs confirmation; in relaxed only dangerous; in free none
// (gated by an explicit user opt-in signal at the config boundary).
type ExecutionMode string

const (
	ModeStrict  ExecutionMode = "strict"
	ModeRelaxed ExecutionMode = "relaxed"
	ModeFree    ExecutionMode = "free"
)

// AgentConfig holds per-run tunables.
type AgentConfig struct {
	// MaxSteps bounds loop iterations; 0 = unbounded.
	MaxSteps int `json:"max_steps"`
	// CommandTimeoutMs is the default execute_command timeout.
	CommandTimeoutMs int `json:"command_timeout_ms"`
	// AutoExecuteSafe skips confirmation for safe commands in relaxed mode.
	AutoExecuteSafe bool `json:"auto_execute_safe"`
	// AutoExecuteModerate skips confirmation for moderate commands in
	// relaxed mode.
	AutoExecuteModerate bool `json:"auto_execute_moderate"`
	// ExecutionMode is canonical; legacy strict/free booleans are mapped
	// into it by internal/config at the boundary.
	ExecutionMode ExecutionMode `json:"execution_mode"`
	// ContextLength is the model context budget (tokens) used by memory
	// folding; 0 = default.
	ContextLength int `json:"context_length"`
}

// AgentConfigPatch is a partial config update applied by UpdateConfig.
// Nil fields are left unchanged.
type AgentConfigPatch struct {
	MaxSteps            *int           `json:"max_steps,omitempty"`
	CommandTimeoutMs    *int           `json:"command_timeout_ms,omitempty"`
	AutoExecuteSafe     *bool          `json:"auto_execute_safe,omitempty"`
	AutoExecuteModerate *bool          `json:"auto_execute_moderate,omitempty"`
	ExecutionMode       *ExecutionMode `json:"execution_mode,omitempty"`
}

// SystemInfo describes the host the terminal is attached to.
type SystemInfo struct {
	OS    string `json:"os"`
	Shell string `json:"shell"`
}

// TerminalType distinguishes the transport backing a terminal.
type TerminalType string

const (
	TerminalLocal TerminalType = "local"
	TerminalSSH   TerminalType = "ssh"
)

// maxPreviousFailedAgents bounds the retry framing carried in AgentContext.
const maxPreviousFailedAgents = 3

// FailedAgentSummary frames a previous failed attempt for retries.
type FailedAgentSummary struct {
	Task   string `json:"task"`
	Reason string `json:"reason"`
}

// AgentContext is the immutable environment a run starts with.
type AgentContext struct {
	PtyID          string       `json:"pty_id"`
	TerminalOutput string       `json:"terminal_output"` // initial snapshot
	SystemInfo     SystemInfo   `json:"system_info"`
	TerminalType   TerminalType `json:"terminal_type"`
	HostID         string       `json:"host_id,omitempty"`
	// HistoryMessages seed the conversation (prior session context).
	HistoryMessages []ChatMessage `json:"history_messages,omitempty"`
	// DocumentContext is pre-extracted reference text supplied by the UI.
	DocumentContext string `json:"document_context,omitempty"`
	// PreviousFailedAgents frames retries; bounded at 3, oldest dropped.
	PreviousFailedAgents []FailedAgentSummary `json:"previous_failed_agents,omitempty"`
}

// --- Plans ---

// PlanStepStatus tracks one plan step's lifecycle.
type PlanStepStatus string

const (
	PlanStepPending    PlanStepStatus = "pending"
	PlanStepInProgress PlanStepStatus = "in_progress"
	PlanStepCompleted  PlanStepStatus = "completed"
	PlanStepFailed     PlanStepStatus = "failed"
	PlanStepSkipped    PlanStepStatus = "skipped"
)

// maxPlanSteps is a soft cap enforced on create_plan only; update_plan
// tolerates any in-bounds index.
const maxPlanSteps = 10

// PlanStep is one unit of work in a plan.
type PlanStep struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	Description  string           `json:"description,omitempty"`
	Status       PlanStepStatus   `json:"status"`
	Result       string           `json:"result,omitempty"`
	StartedAt    int64            `json:"started_at,omitempty"`
	CompletedAt  int64            `json:"completed_at,omitempty"`
	Progress     *CommandProgress `json:"progress,omitempty"`
	TerminalID   string           `json:"terminal_id,omitempty"`
	TerminalName string           `json:"terminal_name,omitempty"`
	HostID       string           `json:"host_id,omitempty"`
	IsParallel   bool             `json:"is_parallel,omitempty"`
}

// Plan is the run's single active todo list. At most one plan is active
// per run; a new create_plan while a plan has pending steps is rejected
// unless the old one is explicitly cleared.
type Plan struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Steps     []PlanStep `json:"steps"`
	CreatedAt int64      `json:"created_at"`
	UpdatedAt int64      `json:"updated_at"`
}

// HasOpenSteps reports whether any step is still pending or in progress.
func (p *Plan) HasOpenSteps() bool {
	if p == nil {
		return false
	}
	for _, s := range p.Steps {
		if s.Status == PlanStepPending || s.Status == PlanStepInProgress {
			return true
		}
	}
	return false
}

// clone returns a deep copy so emitted steps never alias live plan state.
func (p *Plan) clone() *Plan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Steps = make([]PlanStep, len(p.Steps))
	copy(cp.Steps, p.Steps)
	return &cp
}

// --- Execution phase ---

// ExecutionPhase is coarse-grained run state used by the interrupt UI to
// advise whether interruption is safe.
type ExecutionPhase string

const (
	PhaseThinking         ExecutionPhase = "thinking"
	PhaseExecutingCommand ExecutionPhase = "executing_command"
	PhaseWritingFile      ExecutionPhase = "writing_file"
	PhaseWaiting          ExecutionPhase = "waiting"
	PhaseConfirming       ExecutionPhase = "confirming"
	PhaseIdle             ExecutionPhase = "idle"
)

// PhaseInfo is the Engine.GetExecutionPhase result.
type PhaseInfo struct {
	Phase            ExecutionPhase `json:"phase"`
	CurrentToolName  string         `json:"current_tool_name,omitempty"`
	CanInterrupt     bool           `json:"can_interrupt"`
	InterruptWarning string         `json:"interrupt_warning,omitempty"`
}

// --- Worker options (orchestrator-spawned runs) ---

// WorkerOptions marks a run as an orchestrator worker and wires progress
// reporting back to the controller.
type WorkerOptions struct {
	IsWorker bool `json:"is_worker"`
	// OrchestratorID identifies the owning controller run.
	OrchestratorID string `json:"orchestrator_id,omitempty"`
	// ReportProgress streams tool_result steps back to the orchestrator.
	ReportProgress func(step Step) `json:"-"`
}

// --- Run status snapshots ---

// RunStatus is the Engine.GetRunStatus result.
type RunStatus struct {
	IsRunning           bool                 `json:"is_running"`
	Steps               []Step               `json:"steps"`
	PendingConfirmation *PendingConfirmation `json:"pending_confirmation,omitempty"`
	Usage               Usage                `json:"usage"`
	// CostUSD is filled when the engine has pricing for the active model.
	CostUSD float64 `json:"cost_usd,omitempty"`
}

// PendingConfirmation is published when a tool call awaits user approval.
type PendingConfirmation struct {
	RunID      string          `json:"run_id"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args"`
	RiskLevel  RiskLevel       `json:"risk_level"`
	Hint       string          `json:"hint,omitempty"`
}

// ConfirmDecision is the resolver payload for a pending confirmation.
// ModifiedArgs, when non-nil, overrides the tool arguments for this call
// only.
type ConfirmDecision struct {
	Approved     bool            `json:"approved"`
	ModifiedArgs json.RawMessage `json:"modified_args,omitempty"`
}

// --- Callbacks ---

// Callbacks are registered per run, not globally; Engine holds a shared
// default for backward compatibility. Nil members are skipped.
type Callbacks struct {
	OnStep        func(runID string, step Step)
	OnNeedConfirm func(pending PendingConfirmation)
	OnComplete    func(runID, final string, pendingUserMessages []string)
	OnError       func(runID, message string)
	OnTextChunk   func(runID, chunk string)
}

// merge overlays non-nil members of other onto c.
func (c Callbacks) merge(other Callbacks) Callbacks {
	out := c
	if other.OnStep != nil {
		out.OnStep = other.OnStep
	}
	if other.OnNeedConfirm != nil {
		out.OnNeedConfirm = other.OnNeedConfirm
	}
	if other.OnComplete != nil {
		out.OnComplete = other.OnComplete
	}
	if other.OnError != nil {
		out.OnError = other.OnError
	}
	if other.OnTextChunk != nil {
		out.OnTextChunk = other.OnTextChunk
	}
	return out
}
