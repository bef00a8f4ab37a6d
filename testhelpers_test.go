package termpilot

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// --- Fake terminal ---

type fakeTerminal struct {
	mu        sync.Mutex
	typ       TerminalType
	writes    []string
	commands  []string
	captureFn func(cmd string) (CaptureResult, error)
	status    TerminalStatus
	exitCode  int
	exitOK    bool
	subs      map[int]func(string)
	nextSub   int
	alive     bool
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{
		typ:   TerminalLocal,
		alive: true,
		subs:  map[int]func(string){},
		captureFn: func(string) (CaptureResult, error) {
			return CaptureResult{Output: "$ "}, nil
		},
	}
}

func (f *fakeTerminal) Write(data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeTerminal) Subscribe(fn func(string)) func() {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fakeTerminal) emit(chunk string) {
	f.mu.Lock()
	fns := make([]func(string), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(chunk)
	}
}

func (f *fakeTerminal) ExecuteCapture(_ context.Context, cmd string, _ time.Duration) (CaptureResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	fn := f.captureFn
	f.mu.Unlock()
	return fn(cmd)
}

func (f *fakeTerminal) Status(context.Context) TerminalStatus { return f.status }

func (f *fakeTerminal) LastExitCode(context.Context) (int, bool) {
	return f.exitCode, f.exitOK
}

func (f *fakeTerminal) HasInstance() bool { return f.alive }

func (f *fakeTerminal) Type() TerminalType { return f.typ }

func (f *fakeTerminal) lastCommand() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		return ""
	}
	return f.commands[len(f.commands)-1]
}

func (f *fakeTerminal) lastWrite() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return ""
	}
	return f.writes[len(f.writes)-1]
}

var _ Terminal = (*fakeTerminal)(nil)

// termMap is a fixed TerminalProvider for tests.
type termMap map[string]Terminal

func (m termMap) Terminal(ptyID string) (Terminal, bool) {
	t, ok := m[ptyID]
	return t, ok
}

// --- Fake provider ---

// fakeTurn scripts one model reply. When block is non-nil the call signals
// it and parks until the context is cancelled.
type fakeTurn struct {
	resp  ChatResponse
	err   error
	block chan struct{}
}

func textTurn(content string) fakeTurn {
	return fakeTurn{resp: ChatResponse{Content: content, Usage: Usage{InputTokens: 10, OutputTokens: 5}}}
}

func toolTurn(calls ...ToolCall) fakeTurn {
	return fakeTurn{resp: ChatResponse{ToolCalls: calls, Usage: Usage{InputTokens: 10, OutputTokens: 5}}}
}

type fakeProvider struct {
	mu       sync.Mutex
	turns    []fakeTurn
	idx      int
	requests [][]ChatMessage
	toolSets [][]ToolDefinition
	aborted  []string
}

func newFakeProvider(turns ...fakeTurn) *fakeProvider {
	return &fakeProvider{turns: turns}
}

func (p *fakeProvider) next(req ChatRequest) fakeTurn {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot := append([]ChatMessage(nil), req.Messages...)
	p.requests = append(p.requests, snapshot)
	p.toolSets = append(p.toolSets, append([]ToolDefinition(nil), req.Tools...))
	if p.idx >= len(p.turns) {
		return textTurn("(no more scripted turns)")
	}
	t := p.turns[p.idx]
	p.idx++
	return t
}

// hadTool reports whether the n-th request advertised a tool by name.
func (p *fakeProvider) hadTool(n int, name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n >= len(p.toolSets) {
		return false
	}
	for _, def := range p.toolSets[n] {
		if def.Name == name {
			return true
		}
	}
	return false
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Abort(requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted = append(p.aborted, requestID)
}

func (p *fakeProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return p.serve(ctx, req)
}

func (p *fakeProvider) ChatTools(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return p.serve(ctx, req)
}

func (p *fakeProvider) serve(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	t := p.next(req)
	if t.block != nil {
		close(t.block)
		<-ctx.Done()
		return ChatResponse{}, ctx.Err()
	}
	return t.resp, t.err
}

func (p *fakeProvider) ChatToolsStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	defer close(ch)
	t := p.next(req)
	if t.block != nil {
		close(t.block)
		<-ctx.Done()
		return ChatResponse{}, ctx.Err()
	}
	if t.resp.Content != "" {
		select {
		case ch <- StreamEvent{Type: EventTextDelta, Content: t.resp.Content}:
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}
	return t.resp, t.err
}

func (p *fakeProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakeProvider) lastRequest() []ChatMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	return p.requests[len(p.requests)-1]
}

var _ Provider = (*fakeProvider)(nil)

// --- Fake knowledge store ---

type fakeKnowledge struct {
	enabled    bool
	docs       map[string]KnowledgeDoc
	hits       []KnowledgeHit
	addOutcome MemoryOutcome
	addErr     error
	added      []string
}

func newFakeKnowledge() *fakeKnowledge {
	return &fakeKnowledge{
		enabled:    true,
		docs:       map[string]KnowledgeDoc{},
		addOutcome: MemoryOutcome{Status: MemorySaved, ID: "m1"},
	}
}

func (k *fakeKnowledge) IsEnabled() bool { return k.enabled }

func (k *fakeKnowledge) BuildContext(context.Context, string, string) ([]string, error) {
	return nil, nil
}

func (k *fakeKnowledge) GetHostMemoriesForPrompt(context.Context, string, string, int) ([]string, error) {
	return nil, nil
}

func (k *fakeKnowledge) GetDocuments(context.Context) ([]KnowledgeDoc, error) {
	var out []KnowledgeDoc
	for _, d := range k.docs {
		out = append(out, d)
	}
	return out, nil
}

func (k *fakeKnowledge) Search(_ context.Context, _ string, limit int) ([]KnowledgeHit, error) {
	if limit < len(k.hits) {
		return k.hits[:limit], nil
	}
	return k.hits, nil
}

func (k *fakeKnowledge) GetDocument(_ context.Context, id string) (KnowledgeDoc, error) {
	if d, ok := k.docs[id]; ok {
		return d, nil
	}
	return KnowledgeDoc{}, ErrRunNotFound
}

func (k *fakeKnowledge) AddMemory(_ context.Context, _, content string, _ []string) (MemoryOutcome, error) {
	k.added = append(k.added, content)
	return k.addOutcome, k.addErr
}

func (k *fakeKnowledge) Close() error { return nil }

var _ KnowledgeStore = (*fakeKnowledge)(nil)

// --- Fake MCP client ---

type fakeMCP struct {
	initialized bool
	tools       []MCPToolInfo
	result      string
	err         error
	calls       []string
}

func (m *fakeMCP) IsInitialized() bool { return m.initialized }

func (m *fakeMCP) ListTools(context.Context) ([]MCPToolInfo, error) { return m.tools, nil }

func (m *fakeMCP) CallTool(_ context.Context, server, tool string, _ json.RawMessage) (string, error) {
	m.calls = append(m.calls, server+"/"+tool)
	return m.result, m.err
}

var _ MCPClient = (*fakeMCP)(nil)

// --- Fake host provider ---

type fakeHosts struct {
	mu     sync.Mutex
	hosts  []HostInfo
	closed []string
}

func (h *fakeHosts) ListHosts(context.Context) ([]HostInfo, error) {
	return h.hosts, nil
}

func (h *fakeHosts) ConnectTerminal(_ context.Context, hostID string) (string, error) {
	return "pty-" + hostID, nil
}

func (h *fakeHosts) CloseTerminal(_ context.Context, ptyID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, ptyID)
	return nil
}

var _ HostProvider = (*fakeHosts)(nil)

// --- Misc helpers ---

func rawArgs(s string) json.RawMessage { return json.RawMessage(s) }

func mkCall(id, name, args string) ToolCall {
	return ToolCall{ID: id, Name: name, Args: rawArgs(args)}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
