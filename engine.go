package termpilot

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Engine owns the run table and the process-wide dependencies (model
// provider, terminals, knowledge, MCP, SFTP). All public methods are safe
// for concurrent use.
type Engine struct {
	provider   Provider
	terminals  TerminalProvider
	knowledge  KnowledgeStore
	mcp        MCPClient
	sftp       SFTPClient
	persona    string
	logger     *slog.Logger
	tracer     Tracer
	defaultCB  Callbacks
	defaultCfg AgentConfig
	costFn     func(profile string, usage Usage) float64

	mu   sync.Mutex
	runs map[string]*run
}

// Option configures an Engine.
type Option func(*Engine)

// WithTerminalProvider wires the terminal resolver; without it every Run
// call fails.
func WithTerminalProvider(tp TerminalProvider) Option {
	return func(e *Engine) { e.terminals = tp }
}

// WithKnowledgeStore enables the knowledge tools and prompt enrichment.
func WithKnowledgeStore(ks KnowledgeStore) Option {
	return func(e *Engine) { e.knowledge = ks }
}

// WithMCPClient enables mcp__ passthrough tools.
func WithMCPClient(c MCPClient) Option {
	return func(e *Engine) { e.mcp = c }
}

// WithSFTPClient enables SSH file tools.
func WithSFTPClient(c SFTPClient) Option {
	return func(e *Engine) { e.sftp = c }
}

// WithLogger sets the structured logger; default discards.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the span tracer; default is a no-op.
func WithTracer(t Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithDefaultCallbacks sets the shared callback set merged under each
// run's own callbacks.
func WithDefaultCallbacks(cb Callbacks) Option {
	return func(e *Engine) { e.defaultCB = cb }
}

// WithDefaultConfig sets the config used when a Run request carries none.
func WithDefaultConfig(cfg AgentConfig) Option {
	return func(e *Engine) { e.defaultCfg = cfg }
}

// WithPersona overrides the default system-prompt persona paragraph.
func WithPersona(persona string) Option {
	return func(e *Engine) { e.persona = persona }
}

// WithCostFunc supplies model pricing for RunStatus.CostUSD.
func WithCostFunc(fn func(profile string, usage Usage) float64) Option {
	return func(e *Engine) { e.costFn = fn }
}

// NewEngine builds an engine around a model provider. The provider is
// wrapped with the network retry policy; pass an already-wrapped provider
// to keep custom retry settings.
func NewEngine(p Provider, opts ...Option) *Engine {
	e := &Engine{
		provider: WithRetry(p),
		logger:   nopLogger,
		tracer:   NoopTracer{},
		defaultCfg: AgentConfig{
			ExecutionMode:    ModeRelaxed,
			CommandTimeoutMs: int(defaultCommandTimeout.Milliseconds()),
		},
		runs: map[string]*run{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunRequest starts one agent run.
type RunRequest struct {
	// PtyID selects the terminal via the TerminalProvider.
	PtyID string
	// Task is the user's instruction.
	Task string
	// Context carries the environment snapshot and history.
	Context AgentContext
	// Config overrides the engine default when non-nil.
	Config *AgentConfig
	// Profile selects a model profile; empty = provider default.
	Profile string
	// Worker marks orchestrator-dispatched runs.
	Worker WorkerOptions
	// Callbacks overlay the engine's shared defaults.
	Callbacks Callbacks
}

// Run starts a run and returns its id. The run executes on its own
// goroutine; results arrive via callbacks.
func (e *Engine) Run(req RunRequest) (string, error) {
	if strings.TrimSpace(req.Task) == "" {
		return "", errors.New("task is empty")
	}
	if e.terminals == nil {
		return "", errors.New("no terminal provider configured")
	}
	term, ok := e.terminals.Terminal(req.PtyID)
	if !ok {
		return "", fmt.Errorf("terminal not found: %s", req.PtyID)
	}

	cfg := e.defaultCfg
	if req.Config != nil {
		cfg = *req.Config
	}
	if cfg.ExecutionMode == "" {
		cfg.ExecutionMode = ModeRelaxed
	}

	if req.Context.PtyID == "" {
		req.Context.PtyID = req.PtyID
	}
	if n := len(req.Context.PreviousFailedAgents); n > maxPreviousFailedAgents {
		req.Context.PreviousFailedAgents = req.Context.PreviousFailedAgents[n-maxPreviousFailedAgents:]
	}

	id := NewID()
	r := newRun(e, id, term, req.Task, req.Context, cfg, req.Profile, req.Worker, e.defaultCB.merge(req.Callbacks))

	e.mu.Lock()
	e.runs[id] = r
	e.mu.Unlock()

	e.logger.Info("run started", "run_id", id, "pty_id", req.PtyID, "worker", req.Worker.IsWorker)
	go r.loop()
	return id, nil
}

func (e *Engine) getRun(runID string) (*run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[runID]
	return r, ok
}

// Abort stops a run: the in-flight model request is cancelled, running
// tools are cancelled, and any pending confirmation is rejected.
func (e *Engine) Abort(runID string) bool {
	r, ok := e.getRun(runID)
	if !ok {
		return false
	}
	return r.abort()
}

// ConfirmToolCall resolves a pending confirmation.
func (e *Engine) ConfirmToolCall(runID, toolCallID string, decision ConfirmDecision) bool {
	r, ok := e.getRun(runID)
	if !ok {
		return false
	}
	return r.resolveConfirm(toolCallID, decision)
}

// AddUserMessage queues a user supplement. It cancels the current model
// stream so the loop re-plans, but never cancels a running tool.
func (e *Engine) AddUserMessage(runID, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	r, ok := e.getRun(runID)
	if !ok {
		return false
	}
	return r.addUserMessage(text)
}

// UpdateConfig applies a partial config change to a live run.
func (e *Engine) UpdateConfig(runID string, patch AgentConfigPatch) bool {
	r, ok := e.getRun(runID)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return false
	}
	if patch.MaxSteps != nil {
		r.cfg.MaxSteps = *patch.MaxSteps
	}
	if patch.CommandTimeoutMs != nil {
		r.cfg.CommandTimeoutMs = *patch.CommandTimeoutMs
	}
	if patch.AutoExecuteSafe != nil {
		r.cfg.AutoExecuteSafe = *patch.AutoExecuteSafe
	}
	if patch.AutoExecuteModerate != nil {
		r.cfg.AutoExecuteModerate = *patch.AutoExecuteModerate
	}
	if patch.ExecutionMode != nil {
		r.cfg.ExecutionMode = *patch.ExecutionMode
	}
	return true
}

// GetRunStatus returns a snapshot of a run's steps and usage.
func (e *Engine) GetRunStatus(runID string) (RunStatus, error) {
	r, ok := e.getRun(runID)
	if !ok {
		return RunStatus{}, ErrRunNotFound
	}
	r.mu.Lock()
	status := RunStatus{
		IsRunning: r.running,
		Steps:     append([]Step(nil), r.steps...),
		Usage:     r.usage,
	}
	if r.pendingConfirm != nil {
		p := r.pendingConfirm.pending
		status.PendingConfirmation = &p
	}
	profile := r.profile
	r.mu.Unlock()
	if e.costFn != nil {
		status.CostUSD = e.costFn(profile, status.Usage)
	}
	return status, nil
}

// GetExecutionPhase reports the coarse phase for the interrupt UI.
func (e *Engine) GetExecutionPhase(runID string) (PhaseInfo, error) {
	r, ok := e.getRun(runID)
	if !ok {
		return PhaseInfo{}, ErrRunNotFound
	}
	r.mu.Lock()
	phase, tool := r.phase, r.phaseTool
	r.mu.Unlock()

	info := PhaseInfo{Phase: phase, CurrentToolName: tool, CanInterrupt: true}
	switch phase {
	case PhaseExecutingCommand:
		info.InterruptWarning = "命令正在执行，中断后命令可能继续在终端中运行"
	case PhaseWritingFile:
		info.CanInterrupt = false
		info.InterruptWarning = "文件写入进行中，中断可能留下不完整的文件"
	}
	return info, nil
}

// Cleanup removes a finished run from the table. Live runs are aborted
// first.
func (e *Engine) Cleanup(runID string) {
	r, ok := e.getRun(runID)
	if !ok {
		return
	}
	r.abort()
	<-r.done
	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
}

// Wait blocks until the run's loop has exited. Intended for tests and
// CLI shutdown paths.
func (e *Engine) Wait(runID string) {
	if r, ok := e.getRun(runID); ok {
		<-r.done
	}
}
