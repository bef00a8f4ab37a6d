package termpilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// WorkerStatus tracks one worker terminal's lifecycle under an
// orchestrator run.
type WorkerStatus string

const (
	WorkerConnecting WorkerStatus = "connecting"
	WorkerIdle       WorkerStatus = "idle"
	WorkerRunning    WorkerStatus = "running"
	WorkerCompleted  WorkerStatus = "completed"
	WorkerFailed     WorkerStatus = "failed"
	WorkerTimeout    WorkerStatus = "timeout"
)

// WorkerState is the orchestrator's view of one worker terminal.
type WorkerState struct {
	TerminalID    string       `json:"terminal_id"`
	HostID        string       `json:"host_id,omitempty"`
	HostName      string       `json:"host_name,omitempty"`
	Status        WorkerStatus `json:"status"`
	CurrentTask   string       `json:"current_task,omitempty"`
	TaskStartedAt int64        `json:"task_started_at,omitempty"`
	Result        string       `json:"result,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// OrchestratorStatus is the lifecycle state of an orchestrator run.
type OrchestratorStatus string

const (
	OrchRunning   OrchestratorStatus = "running"
	OrchCompleted OrchestratorStatus = "completed"
	OrchFailed    OrchestratorStatus = "failed"
	OrchAborted   OrchestratorStatus = "aborted"
)

// BatchConfirmation asks the user to approve a fan-out before workers
// are dispatched.
type BatchConfirmation struct {
	RunID       string   `json:"run_id"`
	TerminalIDs []string `json:"terminal_ids"`
	Task        string   `json:"task"`
}

// OrchestratorCallbacks deliver orchestrator-level events.
type OrchestratorCallbacks struct {
	OnStep         func(runID string, step Step)
	OnWorkerUpdate func(runID, terminalID string, state WorkerState)
	OnBatchConfirm func(b BatchConfirmation)
	OnComplete     func(runID, report string)
	OnError        func(runID, message string)
}

// OrchestratorStatusReport is the GetStatus snapshot.
type OrchestratorStatusReport struct {
	Status      OrchestratorStatus `json:"status"`
	Task        string             `json:"task"`
	Workers     []WorkerState      `json:"workers"`
	Result      string             `json:"result,omitempty"`
	StartedAt   int64              `json:"started_at"`
	CompletedAt int64              `json:"completed_at,omitempty"`
}

// Iteration and fan-out bounds.
const (
	orchMaxIterations     = 50
	defaultMaxParallel    = 5
	workerDispatchTimeout = 30 * time.Minute
	batchConfirmTimeout   = 5 * time.Minute
)

// Orchestrator is the meta-agent: its own tool-calling loop plans across
// hosts and fans tasks out to Worker runs on the engine.
type Orchestrator struct {
	engine      *Engine
	hosts       HostProvider
	logger      *slog.Logger
	tracer      Tracer
	cb          OrchestratorCallbacks
	maxParallel int
	workerCfg   AgentConfig
	profile     string

	mu   sync.Mutex
	runs map[string]*orchRun
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMaxParallelWorkers bounds parallel_dispatch concurrency.
func WithMaxParallelWorkers(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxParallel = n
		}
	}
}

// WithWorkerConfig sets the AgentConfig workers run under.
func WithWorkerConfig(cfg AgentConfig) OrchestratorOption {
	return func(o *Orchestrator) { o.workerCfg = cfg }
}

// WithWorkerProfile selects the model profile for worker runs.
func WithWorkerProfile(profile string) OrchestratorOption {
	return func(o *Orchestrator) { o.profile = profile }
}

// WithOrchestratorCallbacks sets the default callback set.
func WithOrchestratorCallbacks(cb OrchestratorCallbacks) OrchestratorOption {
	return func(o *Orchestrator) { o.cb = cb }
}

// NewOrchestrator builds an orchestrator over an engine and a host
// inventory.
func NewOrchestrator(engine *Engine, hosts HostProvider, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		engine:      engine,
		hosts:       hosts,
		logger:      engine.logger,
		tracer:      engine.tracer,
		maxParallel: defaultMaxParallel,
		workerCfg: AgentConfig{
			ExecutionMode:    ModeRelaxed,
			CommandTimeoutMs: int(defaultCommandTimeout.Milliseconds()),
		},
		runs: map[string]*orchRun{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// orchRun is one controller execution. The loop goroutine owns messages;
// the mutex guards worker states, aliases, and the batch waiter.
type orchRun struct {
	id     string
	task   string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	status       OrchestratorStatus
	workers      map[string]*WorkerState // keyed by pty id
	aliases      map[string]string       // run-local alias -> pty id
	result       string
	startedAt    int64
	completedAt  int64
	batchWait    chan bool
	pendingBatch *BatchConfirmation
	stepSeq      int
}

// Start launches an orchestrator run and returns its id.
func (o *Orchestrator) Start(task string, cb *OrchestratorCallbacks) (string, error) {
	if strings.TrimSpace(task) == "" {
		return "", errors.New("task is empty")
	}
	if o.hosts == nil {
		return "", errors.New("no host provider configured")
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &orchRun{
		id:        NewID(),
		task:      task,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    OrchRunning,
		workers:   map[string]*WorkerState{},
		aliases:   map[string]string{},
		startedAt: nowMillis(),
	}
	callbacks := o.cb
	if cb != nil {
		callbacks = *cb
	}
	o.mu.Lock()
	o.runs[r.id] = r
	o.mu.Unlock()
	o.logger.Info("orchestrator started", "orch_id", r.id)
	go o.loop(r, callbacks)
	return r.id, nil
}

// Stop aborts an orchestrator run and all its in-flight workers.
func (o *Orchestrator) Stop(runID string) bool {
	r, ok := o.getRun(runID)
	if !ok {
		return false
	}
	r.mu.Lock()
	if r.status != OrchRunning {
		r.mu.Unlock()
		return false
	}
	r.status = OrchAborted
	r.completedAt = nowMillis()
	wait := r.batchWait
	r.batchWait = nil
	r.mu.Unlock()
	if wait != nil {
		wait <- false
	}
	r.cancel()
	return true
}

// ListHosts proxies the host inventory.
func (o *Orchestrator) ListHosts(ctx context.Context) ([]HostInfo, error) {
	if o.hosts == nil {
		return nil, errors.New("no host provider configured")
	}
	return o.hosts.ListHosts(ctx)
}

// RespondBatchConfirm resolves a pending parallel-dispatch confirmation.
func (o *Orchestrator) RespondBatchConfirm(runID string, approved bool) bool {
	r, ok := o.getRun(runID)
	if !ok {
		return false
	}
	r.mu.Lock()
	wait := r.batchWait
	r.batchWait = nil
	r.pendingBatch = nil
	r.mu.Unlock()
	if wait == nil {
		return false
	}
	wait <- approved
	return true
}

// GetStatus snapshots an orchestrator run.
func (o *Orchestrator) GetStatus(runID string) (OrchestratorStatusReport, error) {
	r, ok := o.getRun(runID)
	if !ok {
		return OrchestratorStatusReport{}, ErrRunNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	report := OrchestratorStatusReport{
		Status:      r.status,
		Task:        r.task,
		Result:      r.result,
		StartedAt:   r.startedAt,
		CompletedAt: r.completedAt,
	}
	for _, w := range r.workers {
		report.Workers = append(report.Workers, *w)
	}
	sort.Slice(report.Workers, func(a, b int) bool {
		return report.Workers[a].TerminalID < report.Workers[b].TerminalID
	})
	return report, nil
}

func (o *Orchestrator) getRun(runID string) (*orchRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[runID]
	return r, ok
}

func (o *Orchestrator) emitStep(r *orchRun, cb OrchestratorCallbacks, step Step) {
	r.mu.Lock()
	r.stepSeq++
	step.ID = r.stepSeq
	step.Timestamp = nowMillis()
	r.mu.Unlock()
	if cb.OnStep != nil {
		cb.OnStep(r.id, step)
	}
}

// --- Controller loop ---

const orchestratorSystemPrompt = `You are an infrastructure orchestrator controlling multiple terminals across hosts.
Plan the work, then use your tools:
- list_available_hosts to see what you can target
- connect_terminal to open a terminal on a host (give it a short alias)
- dispatch_task to run a task on one terminal via a worker agent
- parallel_dispatch to run the same task on several terminals at once
- get_task_status and collect_results to track and aggregate outcomes
- close_terminal when a terminal is no longer needed
Finish by calling analyze_and_report with your findings, recommendations, and an overall severity.
Workers are full agents; give them self-contained task descriptions.`

func (o *Orchestrator) loop(r *orchRun, cb OrchestratorCallbacks) {
	defer close(r.done)

	ctx, span := o.tracer.Start(r.ctx, "orchestrator.run", StringAttr("orch.id", r.id))
	defer span.End()

	messages := []ChatMessage{
		SystemMessage(orchestratorSystemPrompt),
		UserMessage(r.task),
	}

	fail := func(msg string) {
		r.mu.Lock()
		if r.status == OrchRunning {
			r.status = OrchFailed
			r.completedAt = nowMillis()
		}
		aborted := r.status == OrchAborted
		r.mu.Unlock()
		if aborted {
			msg = "orchestrator aborted"
		}
		o.emitStep(r, cb, Step{Kind: StepError, Content: msg})
		if cb.OnError != nil {
			cb.OnError(r.id, msg)
		}
	}

	for iter := 0; iter < orchMaxIterations; iter++ {
		if r.ctx.Err() != nil {
			fail("orchestrator aborted")
			return
		}

		resp, err := o.engine.provider.ChatTools(ctx, ChatRequest{
			Messages:  messages,
			Tools:     orchestratorTools,
			Profile:   o.profile,
			RequestID: r.id,
		})
		if err != nil {
			fail("model call failed: " + err.Error())
			return
		}

		if len(resp.ToolCalls) == 0 {
			// Controller answered without reporting; accept the text.
			o.finish(r, cb, resp.Content)
			return
		}

		messages = append(messages, ChatMessage{
			Role:             "assistant",
			Content:          resp.Content,
			ReasoningContent: resp.ReasoningContent,
			ToolCalls:        resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			o.emitStep(r, cb, Step{Kind: StepToolCall, ToolName: tc.Name, ToolArgs: tc.Args})
			res, final := o.execOrchTool(ctx, r, cb, tc)
			o.emitStep(r, cb, Step{
				Kind:       StepToolResult,
				ToolName:   tc.Name,
				ToolArgs:   tc.Args,
				ToolResult: truncateStr(res.Text(), 4000),
			})
			messages = append(messages, ToolResultMessage(tc.ID, res.Text()))
			if final {
				o.finish(r, cb, res.Output)
				return
			}
		}
	}
	fail(fmt.Sprintf("orchestrator exceeded %d iterations without reporting", orchMaxIterations))
}

func (o *Orchestrator) finish(r *orchRun, cb OrchestratorCallbacks, report string) {
	r.mu.Lock()
	if r.status == OrchRunning {
		r.status = OrchCompleted
	}
	r.result = report
	r.completedAt = nowMillis()
	r.mu.Unlock()
	o.emitStep(r, cb, Step{Kind: StepMessage, Content: report})
	o.logger.Info("orchestrator complete", "orch_id", r.id)
	if cb.OnComplete != nil {
		cb.OnComplete(r.id, report)
	}
}

// --- Orchestrator tools ---

// execOrchTool dispatches one controller tool call. final is true when
// analyze_and_report ends the run.
func (o *Orchestrator) execOrchTool(ctx context.Context, r *orchRun, cb OrchestratorCallbacks, tc ToolCall) (ExecResult, bool) {
	switch tc.Name {
	case "list_available_hosts":
		return o.toolListHosts(ctx), false
	case "connect_terminal":
		return o.toolConnect(ctx, r, tc.Args), false
	case "dispatch_task":
		return o.toolDispatch(ctx, r, cb, tc.Args), false
	case "parallel_dispatch":
		return o.toolParallelDispatch(ctx, r, cb, tc.Args), false
	case "get_task_status":
		return o.toolTaskStatus(r, tc.Args), false
	case "collect_results":
		return o.toolCollectResults(r, tc.Args), false
	case "close_terminal":
		return o.toolCloseTerminal(ctx, r, tc.Args), false
	case "analyze_and_report":
		res := o.toolAnalyzeAndReport(tc.Args)
		return res, res.Success
	default:
		return execFailure("unknown tool: %s", tc.Name), false
	}
}

func (o *Orchestrator) toolListHosts(ctx context.Context) ExecResult {
	hosts, err := o.hosts.ListHosts(ctx)
	if err != nil {
		return execFailure("list hosts failed: %v", err)
	}
	if len(hosts) == 0 {
		return execSuccess("no hosts available")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d hosts:\n", len(hosts))
	for _, h := range hosts {
		state := "disconnected"
		if h.Connected {
			state = "connected"
		}
		fmt.Fprintf(&b, "- %s (%s, %s, %s)", h.ID, h.Name, h.TerminalType, state)
		if len(h.Tags) > 0 {
			fmt.Fprintf(&b, " tags: %s", strings.Join(h.Tags, ","))
		}
		b.WriteString("\n")
	}
	return execSuccess(b.String())
}

func (o *Orchestrator) toolConnect(ctx context.Context, r *orchRun, args json.RawMessage) ExecResult {
	var p struct {
		HostID string `json:"host_id"`
		Alias  string `json:"alias"`
	}
	if res := parseArgs(args, &p); res != nil {
		return *res
	}
	if p.HostID == "" {
		return execFailure("host_id is empty")
	}

	ptyID, err := o.hosts.ConnectTerminal(ctx, p.HostID)
	if err != nil {
		return execFailure("connect failed: %v", err)
	}

	r.mu.Lock()
	r.workers[ptyID] = &WorkerState{TerminalID: ptyID, HostID: p.HostID, Status: WorkerIdle}
	if p.Alias != "" {
		r.aliases[p.Alias] = ptyID
	}
	r.mu.Unlock()

	name := ptyID
	if p.Alias != "" {
		name = p.Alias
	}
	return execSuccess(fmt.Sprintf("terminal %s connected on host %s (id %s)", name, p.HostID, ptyID))
}

// resolveTerminal maps a run-local alias or raw pty id to the pty id.
func (r *orchRun) resolveTerminal(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pty, ok := r.aliases[id]; ok {
		return pty, true
	}
	if _, ok := r.workers[id]; ok {
		return id, true
	}
	return "", false
}

func (r *orchRun) setWorker(ptyID string, mutate func(*WorkerState)) WorkerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[ptyID]
	if !ok {
		w = &WorkerState{TerminalID: ptyID}
		r.workers[ptyID] = w
	}
	mutate(w)
	return *w
}

func (o *Orchestrator) toolDispatch(ctx context.Context, r *orchRun, cb OrchestratorCallbacks, args json.RawMessage) ExecResult {
	var p struct {
		TerminalID    string `json:"terminal_id"`
		Task          string `json:"task"`
		WaitForResult *bool  `json:"wait_for_result"`
	}
	if res := parseArgs(args, &p); res != nil {
		return *res
	}
	if p.Task == "" {
		return execFailure("task is empty")
	}
	ptyID, ok := r.resolveTerminal(p.TerminalID)
	if !ok {
		return execFailure("unknown terminal %q; connect it first with connect_terminal", p.TerminalID)
	}
	wait := p.WaitForResult == nil || *p.WaitForResult

	outcome, err := o.dispatchWorker(ctx, r, cb, ptyID, p.Task, wait)
	if err != nil {
		return execFailure("dispatch failed: %v", err)
	}
	return execSuccess(outcome)
}

// dispatchWorker spawns a Worker run and optionally waits for it.
func (o *Orchestrator) dispatchWorker(ctx context.Context, r *orchRun, cb OrchestratorCallbacks, ptyID, task string, wait bool) (string, error) {
	state := r.setWorker(ptyID, func(w *WorkerState) {
		w.Status = WorkerRunning
		w.CurrentTask = task
		w.TaskStartedAt = nowMillis()
		w.Result = ""
		w.Error = ""
	})
	if cb.OnWorkerUpdate != nil {
		cb.OnWorkerUpdate(r.id, ptyID, state)
	}

	type workerOutcome struct {
		final string
		err   string
	}
	doneCh := make(chan workerOutcome, 1)

	hostID := state.HostID
	cfg := o.workerCfg
	runID, err := o.engine.Run(RunRequest{
		PtyID:   ptyID,
		Task:    task,
		Context: AgentContext{PtyID: ptyID, HostID: hostID, TerminalType: o.terminalTypeOf(ptyID)},
		Config:  &cfg,
		Profile: o.profile,
		Worker: WorkerOptions{
			IsWorker:       true,
			OrchestratorID: r.id,
			ReportProgress: func(step Step) {
				if cb.OnWorkerUpdate != nil {
					cb.OnWorkerUpdate(r.id, ptyID, r.setWorker(ptyID, func(w *WorkerState) {
						w.Result = truncateStr(step.ToolResult, 500)
					}))
				}
			},
		},
		Callbacks: Callbacks{
			OnComplete: func(_ string, final string, _ []string) {
				doneCh <- workerOutcome{final: final}
			},
			OnError: func(_ string, message string) {
				doneCh <- workerOutcome{err: message}
			},
		},
	})
	if err != nil {
		r.setWorker(ptyID, func(w *WorkerState) {
			w.Status = WorkerFailed
			w.Error = err.Error()
		})
		return "", err
	}

	settle := func(out workerOutcome, timedOut bool) string {
		state := r.setWorker(ptyID, func(w *WorkerState) {
			switch {
			case timedOut:
				w.Status = WorkerTimeout
				w.Error = "worker did not finish in time"
			case out.err != "":
				w.Status = WorkerFailed
				w.Error = out.err
			default:
				w.Status = WorkerCompleted
				w.Result = out.final
			}
		})
		if cb.OnWorkerUpdate != nil {
			cb.OnWorkerUpdate(r.id, ptyID, state)
		}
		switch state.Status {
		case WorkerTimeout:
			return fmt.Sprintf("worker on %s timed out", ptyID)
		case WorkerFailed:
			return fmt.Sprintf("worker on %s failed: %s", ptyID, state.Error)
		default:
			return fmt.Sprintf("worker on %s completed: %s", ptyID, state.Result)
		}
	}

	if !wait {
		go func() {
			select {
			case out := <-doneCh:
				settle(out, false)
			case <-time.After(workerDispatchTimeout):
				o.engine.Abort(runID)
				settle(workerOutcome{}, true)
			case <-r.ctx.Done():
				o.engine.Abort(runID)
			}
		}()
		return fmt.Sprintf("worker %s dispatched on %s (not waiting)", runID, ptyID), nil
	}

	select {
	case out := <-doneCh:
		return settle(out, false), nil
	case <-time.After(workerDispatchTimeout):
		o.engine.Abort(runID)
		return settle(workerOutcome{}, true), nil
	case <-ctx.Done():
		o.engine.Abort(runID)
		return "", ctx.Err()
	}
}

func (o *Orchestrator) terminalTypeOf(ptyID string) TerminalType {
	if o.engine.terminals != nil {
		if term, ok := o.engine.terminals.Terminal(ptyID); ok {
			return term.Type()
		}
	}
	return TerminalLocal
}

func (o *Orchestrator) toolParallelDispatch(ctx context.Context, r *orchRun, cb OrchestratorCallbacks, args json.RawMessage) ExecResult {
	var p struct {
		TerminalIDs []string `json:"terminal_ids"`
		Task        string   `json:"task"`
	}
	if res := parseArgs(args, &p); res != nil {
		return *res
	}
	if p.Task == "" {
		return execFailure("task is empty")
	}
	if len(p.TerminalIDs) == 0 {
		return execFailure("terminal_ids is empty")
	}

	ptyIDs := make([]string, 0, len(p.TerminalIDs))
	for _, id := range p.TerminalIDs {
		ptyID, ok := r.resolveTerminal(id)
		if !ok {
			return execFailure("unknown terminal %q; connect it first with connect_terminal", id)
		}
		ptyIDs = append(ptyIDs, ptyID)
	}

	// Fan-out needs one approval for the whole batch.
	if cb.OnBatchConfirm != nil && o.workerCfg.ExecutionMode != ModeFree {
		approved, err := o.awaitBatchConfirm(r, cb, ptyIDs, p.Task)
		if err != nil {
			return execFailure("batch confirmation: %v", err)
		}
		if !approved {
			return execFailure("user rejected")
		}
	}

	sem := make(chan struct{}, o.maxParallel)
	results := make([]string, len(ptyIDs))
	var wg sync.WaitGroup
	for i, ptyID := range ptyIDs {
		wg.Add(1)
		go func(i int, ptyID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			out, err := o.dispatchWorker(ctx, r, cb, ptyID, p.Task, true)
			if err != nil {
				out = fmt.Sprintf("worker on %s failed: %v", ptyID, err)
			}
			results[i] = out
		}(i, ptyID)
	}
	wg.Wait()

	var b strings.Builder
	fmt.Fprintf(&b, "parallel dispatch finished across %d terminals:\n", len(ptyIDs))
	for _, line := range results {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return execSuccess(b.String())
}

func (o *Orchestrator) awaitBatchConfirm(r *orchRun, cb OrchestratorCallbacks, ptyIDs []string, task string) (bool, error) {
	wait := make(chan bool, 1)
	pending := &BatchConfirmation{RunID: r.id, TerminalIDs: ptyIDs, Task: task}
	r.mu.Lock()
	r.batchWait = wait
	r.pendingBatch = pending
	r.mu.Unlock()

	cb.OnBatchConfirm(*pending)

	timer := time.NewTimer(batchConfirmTimeout)
	defer timer.Stop()
	select {
	case approved := <-wait:
		return approved, nil
	case <-timer.C:
		r.mu.Lock()
		r.batchWait = nil
		r.pendingBatch = nil
		r.mu.Unlock()
		return false, errors.New("no response within 5 minutes")
	case <-r.ctx.Done():
		return false, ErrUserAborted
	}
}

func (o *Orchestrator) toolTaskStatus(r *orchRun, args json.RawMessage) ExecResult {
	var p struct {
		TerminalID string `json:"terminal_id"`
	}
	if res := parseArgs(args, &p); res != nil {
		return *res
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.TerminalID != "" {
		pty := p.TerminalID
		if mapped, ok := r.aliases[pty]; ok {
			pty = mapped
		}
		w, ok := r.workers[pty]
		if !ok {
			return execFailure("unknown terminal %q", p.TerminalID)
		}
		return execSuccess(formatWorker(*w))
	}
	if len(r.workers) == 0 {
		return execSuccess("no workers yet")
	}
	var b strings.Builder
	for _, w := range sortedWorkers(r.workers) {
		b.WriteString(formatWorker(w))
		b.WriteString("\n")
	}
	return execSuccess(b.String())
}

func (o *Orchestrator) toolCollectResults(r *orchRun, args json.RawMessage) ExecResult {
	var p struct {
		TerminalIDs []string `json:"terminal_ids"`
		Format      string   `json:"format"`
	}
	if res := parseArgs(args, &p); res != nil {
		return *res
	}

	r.mu.Lock()
	var selected []WorkerState
	if len(p.TerminalIDs) == 0 {
		selected = sortedWorkers(r.workers)
	} else {
		for _, id := range p.TerminalIDs {
			pty := id
			if mapped, ok := r.aliases[id]; ok {
				pty = mapped
			}
			if w, ok := r.workers[pty]; ok {
				selected = append(selected, *w)
			}
		}
	}
	r.mu.Unlock()

	if len(selected) == 0 {
		return execSuccess("no results to collect")
	}

	var b strings.Builder
	switch p.Format {
	case "table":
		b.WriteString("| terminal | host | status | result |\n|---|---|---|---|\n")
		for _, w := range selected {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				w.TerminalID, w.HostID, w.Status, truncateStr(firstLine(resultOrError(w)), 120))
		}
	case "summary":
		completed, failed := 0, 0
		for _, w := range selected {
			if w.Status == WorkerCompleted {
				completed++
			} else if w.Status == WorkerFailed || w.Status == WorkerTimeout {
				failed++
			}
		}
		fmt.Fprintf(&b, "%d workers: %d completed, %d failed\n", len(selected), completed, failed)
		for _, w := range selected {
			if w.Status == WorkerFailed || w.Status == WorkerTimeout {
				fmt.Fprintf(&b, "- %s: %s\n", w.TerminalID, w.Error)
			}
		}
	default: // list
		for _, w := range selected {
			fmt.Fprintf(&b, "### %s (%s, %s)\n%s\n", w.TerminalID, w.HostID, w.Status, resultOrError(w))
		}
	}
	return execSuccess(b.String())
}

func (o *Orchestrator) toolCloseTerminal(ctx context.Context, r *orchRun, args json.RawMessage) ExecResult {
	var p struct {
		TerminalID string `json:"terminal_id"`
	}
	if res := parseArgs(args, &p); res != nil {
		return *res
	}
	ptyID, ok := r.resolveTerminal(p.TerminalID)
	if !ok {
		return execFailure("unknown terminal %q", p.TerminalID)
	}
	if err := o.hosts.CloseTerminal(ctx, ptyID); err != nil {
		return execFailure("close failed: %v", err)
	}
	r.mu.Lock()
	delete(r.workers, ptyID)
	for alias, pty := range r.aliases {
		if pty == ptyID {
			delete(r.aliases, alias)
		}
	}
	r.mu.Unlock()
	return execSuccess("terminal " + p.TerminalID + " closed")
}

func (o *Orchestrator) toolAnalyzeAndReport(args json.RawMessage) ExecResult {
	var p struct {
		Findings        []string `json:"findings"`
		Recommendations []string `json:"recommendations"`
		Severity        string   `json:"severity"`
	}
	if res := parseArgs(args, &p); res != nil {
		return *res
	}
	if len(p.Findings) == 0 {
		return execFailure("findings is empty")
	}
	switch p.Severity {
	case "info", "warning", "critical":
	case "":
		p.Severity = "info"
	default:
		return execFailure("invalid severity %q (info|warning|critical)", p.Severity)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Report (%s)\n\n### Findings\n", p.Severity)
	for _, f := range p.Findings {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	if len(p.Recommendations) > 0 {
		b.WriteString("\n### Recommendations\n")
		for _, rec := range p.Recommendations {
			fmt.Fprintf(&b, "- %s\n", rec)
		}
	}
	return execSuccess(b.String())
}

func resultOrError(w WorkerState) string {
	if w.Error != "" {
		return w.Error
	}
	if w.Result != "" {
		return w.Result
	}
	return "(no output)"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func formatWorker(w WorkerState) string {
	out := fmt.Sprintf("%s [%s] %s", w.TerminalID, w.HostID, w.Status)
	if w.CurrentTask != "" {
		out += ": " + truncateStr(w.CurrentTask, 80)
	}
	if w.Error != "" {
		out += " error=" + truncateStr(w.Error, 120)
	}
	return out
}

func sortedWorkers(workers map[string]*WorkerState) []WorkerState {
	out := make([]WorkerState, 0, len(workers))
	for _, w := range workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].TerminalID < out[b].TerminalID })
	return out
}

var orchestratorTools = []ToolDefinition{
	{
		Name:        "list_available_hosts",
		Description: "List hosts that terminals can be opened on.",
		Parameters:  objSchema(`{}`),
	},
	{
		Name:        "connect_terminal",
		Description: "Open a terminal on a host and optionally give it a short alias for later tools.",
		Parameters: objSchema(`{
			"host_id": {"type": "string"},
			"alias": {"type": "string", "description": "Short name to refer to this terminal, e.g. web1"}
		}`, "host_id"),
	},
	{
		Name:        "dispatch_task",
		Description: "Run a task on one terminal via a worker agent. By default waits for the worker to finish and returns its result.",
		Parameters: objSchema(`{
			"terminal_id": {"type": "string", "description": "Terminal alias or id"},
			"task": {"type": "string", "description": "Self-contained task description for the worker"},
			"wait_for_result": {"type": "boolean", "description": "Set false to dispatch without waiting"}
		}`, "terminal_id", "task"),
	},
	{
		Name:        "parallel_dispatch",
		Description: "Run the same task on several terminals in parallel (bounded concurrency) and wait for all workers.",
		Parameters: objSchema(`{
			"terminal_ids": {"type": "array", "items": {"type": "string"}},
			"task": {"type": "string"}
		}`, "terminal_ids", "task"),
	},
	{
		Name:        "get_task_status",
		Description: "Check worker status for one terminal, or all workers when terminal_id is omitted.",
		Parameters: objSchema(`{
			"terminal_id": {"type": "string"}
		}`),
	},
	{
		Name:        "collect_results",
		Description: "Aggregate worker outcomes. Formats: table, list, summary.",
		Parameters: objSchema(`{
			"terminal_ids": {"type": "array", "items": {"type": "string"}},
			"format": {"type": "string", "enum": ["table", "list", "summary"]}
		}`),
	},
	{
		Name:        "close_terminal",
		Description: "Close a terminal opened by connect_terminal.",
		Parameters: objSchema(`{
			"terminal_id": {"type": "string"}
		}`, "terminal_id"),
	},
	{
		Name:        "analyze_and_report",
		Description: "Finish the orchestration with findings, recommendations, and overall severity. This is the final step.",
		Parameters: objSchema(`{
			"findings": {"type": "array", "items": {"type": "string"}},
			"recommendations": {"type": "array", "items": {"type": "string"}},
			"severity": {"type": "string", "enum": ["info", "warning", "critical"]}
		}`, "findings", "severity"),
	},
}
