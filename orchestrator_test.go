package termpilot

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// orchObserver collects orchestrator callbacks for assertions.
type orchObserver struct {
	mu       sync.Mutex
	steps    []Step
	updates  []WorkerState
	batches  chan BatchConfirmation
	complete chan string
	failed   chan string
}

func newOrchObserver() *orchObserver {
	return &orchObserver{
		batches:  make(chan BatchConfirmation, 1),
		complete: make(chan string, 1),
		failed:   make(chan string, 1),
	}
}

func (o *orchObserver) callbacks() *OrchestratorCallbacks {
	return &OrchestratorCallbacks{
		OnStep: func(_ string, step Step) {
			o.mu.Lock()
			o.steps = append(o.steps, step)
			o.mu.Unlock()
		},
		OnWorkerUpdate: func(_, _ string, state WorkerState) {
			o.mu.Lock()
			o.updates = append(o.updates, state)
			o.mu.Unlock()
		},
		OnBatchConfirm: func(b BatchConfirmation) { o.batches <- b },
		OnComplete:     func(_, report string) { o.complete <- report },
		OnError:        func(_, message string) { o.failed <- message },
	}
}

func (o *orchObserver) awaitComplete(t *testing.T) string {
	t.Helper()
	select {
	case report := <-o.complete:
		return report
	case msg := <-o.failed:
		t.Fatalf("orchestrator failed: %s", msg)
	case <-time.After(5 * time.Second):
		t.Fatalf("orchestrator did not complete")
	}
	return ""
}

func (o *orchObserver) awaitError(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-o.failed:
		return msg
	case report := <-o.complete:
		t.Fatalf("orchestrator completed unexpectedly: %s", report)
	case <-time.After(5 * time.Second):
		t.Fatalf("orchestrator did not fail")
	}
	return ""
}

// toolResult returns the recorded result of the n-th call to a tool,
// counting from zero.
func (o *orchObserver) toolResult(t *testing.T, name string, n int) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	seen := 0
	for _, s := range o.steps {
		if s.Kind == StepToolResult && s.ToolName == name {
			if seen == n {
				return s.ToolResult
			}
			seen++
		}
	}
	t.Fatalf("no result for tool %s (call %d)", name, n)
	return ""
}

func newOrchestratorUnderTest(p *fakeProvider, hosts HostProvider, terms termMap, opts ...OrchestratorOption) *Orchestrator {
	e := NewEngine(p, WithTerminalProvider(terms))
	return NewOrchestrator(e, hosts, opts...)
}

func TestOrchestratorStartValidation(t *testing.T) {
	o := newOrchestratorUnderTest(newFakeProvider(), &fakeHosts{}, termMap{})
	if _, err := o.Start("   ", nil); err == nil || err.Error() != "task is empty" {
		t.Errorf("empty task err = %v", err)
	}

	o = newOrchestratorUnderTest(newFakeProvider(), nil, termMap{})
	if _, err := o.Start("audit hosts", nil); err == nil ||
		err.Error() != "no host provider configured" {
		t.Errorf("missing hosts err = %v", err)
	}
	if _, err := o.ListHosts(context.Background()); err == nil {
		t.Errorf("ListHosts without provider returned nil error")
	}
}

func TestOrchestratorGetStatusUnknownRun(t *testing.T) {
	o := newOrchestratorUnderTest(newFakeProvider(), &fakeHosts{}, termMap{})
	if _, err := o.GetStatus("nope"); err != ErrRunNotFound {
		t.Errorf("err = %v, want ErrRunNotFound", err)
	}
	if o.Stop("nope") {
		t.Errorf("Stop of unknown run returned true")
	}
	if o.RespondBatchConfirm("nope", true) {
		t.Errorf("RespondBatchConfirm for unknown run returned true")
	}
}

func TestOrchestratorImmediateReport(t *testing.T) {
	p := newFakeProvider(
		toolTurn(mkCall("c1", "analyze_and_report",
			`{"findings": ["cpu pegged on web01"], "recommendations": ["add a worker"], "severity": "critical"}`)),
	)
	obs := newOrchObserver()
	o := newOrchestratorUnderTest(p, &fakeHosts{}, termMap{})

	id, err := o.Start("inspect the fleet", obs.callbacks())
	if err != nil {
		t.Fatal(err)
	}
	report := obs.awaitComplete(t)

	for _, want := range []string{
		"## Report (critical)",
		"- cpu pegged on web01",
		"### Recommendations",
		"- add a worker",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}

	status, err := o.GetStatus(id)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != OrchCompleted {
		t.Errorf("Status = %s, want completed", status.Status)
	}
	if status.Result != report || status.CompletedAt == 0 {
		t.Errorf("status not finalized: %+v", status)
	}
}

func TestOrchestratorReportValidation(t *testing.T) {
	p := newFakeProvider(
		toolTurn(mkCall("c1", "analyze_and_report", `{"findings": []}`)),
		toolTurn(mkCall("c2", "analyze_and_report", `{"findings": ["ok"], "severity": "fatal"}`)),
		toolTurn(mkCall("c3", "analyze_and_report", `{"findings": ["all services healthy"]}`)),
	)
	obs := newOrchObserver()
	o := newOrchestratorUnderTest(p, &fakeHosts{}, termMap{})
	if _, err := o.Start("audit", obs.callbacks()); err != nil {
		t.Fatal(err)
	}
	report := obs.awaitComplete(t)

	if res := obs.toolResult(t, "analyze_and_report", 0); !strings.Contains(res, "findings is empty") {
		t.Errorf("empty findings result = %q", res)
	}
	if res := obs.toolResult(t, "analyze_and_report", 1); !strings.Contains(res, `invalid severity "fatal"`) {
		t.Errorf("bad severity result = %q", res)
	}
	// Omitted severity defaults to info.
	if !strings.Contains(report, "## Report (info)") || !strings.Contains(report, "- all services healthy") {
		t.Errorf("final report wrong:\n%s", report)
	}
}

func TestOrchestratorTextAnswerFinishes(t *testing.T) {
	p := newFakeProvider(textTurn("nothing to do, the fleet is empty"))
	obs := newOrchObserver()
	o := newOrchestratorUnderTest(p, &fakeHosts{}, termMap{})
	id, err := o.Start("audit", obs.callbacks())
	if err != nil {
		t.Fatal(err)
	}
	if report := obs.awaitComplete(t); report != "nothing to do, the fleet is empty" {
		t.Errorf("report = %q", report)
	}
	status, _ := o.GetStatus(id)
	if status.Status != OrchCompleted {
		t.Errorf("Status = %s, want completed", status.Status)
	}
}

func TestOrchestratorHostsAndStatusTools(t *testing.T) {
	hosts := &fakeHosts{hosts: []HostInfo{
		{ID: "web1", Name: "web 1", TerminalType: TerminalLocal, Connected: true, Tags: []string{"prod", "edge"}},
		{ID: "db1", Name: "db 1", TerminalType: TerminalSSH},
	}}
	p := newFakeProvider(
		toolTurn(mkCall("c1", "list_available_hosts", `{}`)),
		toolTurn(mkCall("c2", "get_task_status", `{}`)),
		toolTurn(mkCall("c3", "analyze_and_report", `{"findings": ["inventory reviewed"]}`)),
	)
	obs := newOrchObserver()
	o := newOrchestratorUnderTest(p, hosts, termMap{})
	if _, err := o.Start("review inventory", obs.callbacks()); err != nil {
		t.Fatal(err)
	}
	obs.awaitComplete(t)

	listed := obs.toolResult(t, "list_available_hosts", 0)
	for _, want := range []string{
		"2 hosts:",
		"- web1 (web 1, local, connected) tags: prod,edge",
		"- db1 (db 1, ssh, disconnected)",
	} {
		if !strings.Contains(listed, want) {
			t.Errorf("host listing missing %q:\n%s", want, listed)
		}
	}
	if res := obs.toolResult(t, "get_task_status", 0); !strings.Contains(res, "no workers yet") {
		t.Errorf("status before workers = %q", res)
	}
}

func TestOrchestratorDispatchFlow(t *testing.T) {
	hosts := &fakeHosts{hosts: []HostInfo{{ID: "web1", Name: "web 1", TerminalType: TerminalLocal}}}
	p := newFakeProvider(
		toolTurn(mkCall("c1", "connect_terminal", `{"host_id": "web1", "alias": "w1"}`)),
		toolTurn(mkCall("c2", "dispatch_task", `{"terminal_id": "w1", "task": "check disk"}`)),
		textTurn("disk ok"), // worker turn
		toolTurn(mkCall("c3", "get_task_status", `{"terminal_id": "w1"}`)),
		toolTurn(mkCall("c4", "collect_results", `{"format": "table"}`)),
		toolTurn(mkCall("c5", "analyze_and_report", `{"findings": ["disk healthy"]}`)),
	)
	obs := newOrchObserver()
	o := newOrchestratorUnderTest(p, hosts, termMap{"pty-web1": newFakeTerminal()})

	id, err := o.Start("check disk usage across the fleet", obs.callbacks())
	if err != nil {
		t.Fatal(err)
	}
	obs.awaitComplete(t)

	if res := obs.toolResult(t, "connect_terminal", 0); !strings.Contains(res, "terminal w1 connected on host web1 (id pty-web1)") {
		t.Errorf("connect result = %q", res)
	}
	if res := obs.toolResult(t, "dispatch_task", 0); !strings.Contains(res, "worker on pty-web1 completed: disk ok") {
		t.Errorf("dispatch result = %q", res)
	}
	if res := obs.toolResult(t, "get_task_status", 0); !strings.Contains(res, "pty-web1 [web1] completed: check disk") {
		t.Errorf("task status = %q", res)
	}
	if res := obs.toolResult(t, "collect_results", 0); !strings.Contains(res, "| pty-web1 | web1 | completed | disk ok |") {
		t.Errorf("table = %q", res)
	}

	status, _ := o.GetStatus(id)
	if len(status.Workers) != 1 {
		t.Fatalf("workers = %d, want 1", len(status.Workers))
	}
	w := status.Workers[0]
	if w.Status != WorkerCompleted || w.Result != "disk ok" || w.HostID != "web1" {
		t.Errorf("worker state = %+v", w)
	}

	// Worker progress surfaced through OnWorkerUpdate: running then completed.
	obs.mu.Lock()
	updates := append([]WorkerState(nil), obs.updates...)
	obs.mu.Unlock()
	if len(updates) < 2 || updates[0].Status != WorkerRunning {
		t.Errorf("updates = %+v, want running first", updates)
	}
	if last := updates[len(updates)-1]; last.Status != WorkerCompleted {
		t.Errorf("last update = %+v, want completed", last)
	}
}

func TestOrchestratorAliasesAreRunLocal(t *testing.T) {
	hosts := &fakeHosts{hosts: []HostInfo{{ID: "web1", Name: "web 1", TerminalType: TerminalLocal}}}
	p := newFakeProvider(
		// Run one binds the alias, run two must not see it.
		toolTurn(mkCall("c1", "connect_terminal", `{"host_id": "web1", "alias": "w1"}`)),
		toolTurn(mkCall("c2", "analyze_and_report", `{"findings": ["connected"]}`)),
		toolTurn(mkCall("c3", "dispatch_task", `{"terminal_id": "w1", "task": "check disk"}`)),
		toolTurn(mkCall("c4", "analyze_and_report", `{"findings": ["done"]}`)),
	)
	obs := newOrchObserver()
	o := newOrchestratorUnderTest(p, hosts, termMap{"pty-web1": newFakeTerminal()})

	if _, err := o.Start("first", obs.callbacks()); err != nil {
		t.Fatal(err)
	}
	obs.awaitComplete(t)

	obs2 := newOrchObserver()
	if _, err := o.Start("second", obs2.callbacks()); err != nil {
		t.Fatal(err)
	}
	obs2.awaitComplete(t)

	if res := obs2.toolResult(t, "dispatch_task", 0); !strings.Contains(res, `unknown terminal "w1"`) ||
		!strings.Contains(res, "connect it first") {
		t.Errorf("stale alias resolved across runs: %q", res)
	}
}

func TestOrchestratorCloseTerminal(t *testing.T) {
	hosts := &fakeHosts{hosts: []HostInfo{{ID: "web1", Name: "web 1", TerminalType: TerminalLocal}}}
	p := newFakeProvider(
		toolTurn(mkCall("c1", "connect_terminal", `{"host_id": "web1", "alias": "w1"}`)),
		toolTurn(mkCall("c2", "close_terminal", `{"terminal_id": "w1"}`)),
		toolTurn(mkCall("c3", "dispatch_task", `{"terminal_id": "w1", "task": "check disk"}`)),
		toolTurn(mkCall("c4", "analyze_and_report", `{"findings": ["cleaned up"]}`)),
	)
	obs := newOrchObserver()
	o := newOrchestratorUnderTest(p, hosts, termMap{"pty-web1": newFakeTerminal()})
	if _, err := o.Start("open and close", obs.callbacks()); err != nil {
		t.Fatal(err)
	}
	obs.awaitComplete(t)

	if res := obs.toolResult(t, "close_terminal", 0); !strings.Contains(res, "terminal w1 closed") {
		t.Errorf("close result = %q", res)
	}
	if res := obs.toolResult(t, "dispatch_task", 0); !strings.Contains(res, `unknown terminal "w1"`) {
		t.Errorf("alias survived close: %q", res)
	}
	hosts.mu.Lock()
	closed := append([]string(nil), hosts.closed...)
	hosts.mu.Unlock()
	if len(closed) != 1 || closed[0] != "pty-web1" {
		t.Errorf("closed = %v, want [pty-web1]", closed)
	}
}

func TestOrchestratorParallelDispatchWithConfirm(t *testing.T) {
	hosts := &fakeHosts{hosts: []HostInfo{
		{ID: "web1", TerminalType: TerminalLocal},
		{ID: "web2", TerminalType: TerminalLocal},
	}}
	p := newFakeProvider(
		toolTurn(mkCall("c1", "connect_terminal", `{"host_id": "web1", "alias": "a"}`)),
		toolTurn(mkCall("c2", "connect_terminal", `{"host_id": "web2", "alias": "b"}`)),
		toolTurn(mkCall("c3", "parallel_dispatch", `{"terminal_ids": ["a", "b"], "task": "uptime"}`)),
		// The two workers race for the next turns, so both are identical.
		textTurn("ok"),
		textTurn("ok"),
		toolTurn(mkCall("c4", "collect_results", `{"format": "summary"}`)),
		toolTurn(mkCall("c5", "analyze_and_report", `{"findings": ["both hosts up"]}`)),
	)
	obs := newOrchObserver()
	o := newOrchestratorUnderTest(p, hosts,
		termMap{"pty-web1": newFakeTerminal(), "pty-web2": newFakeTerminal()})

	id, err := o.Start("uptime sweep", obs.callbacks())
	if err != nil {
		t.Fatal(err)
	}

	var batch BatchConfirmation
	select {
	case batch = <-obs.batches:
	case <-time.After(5 * time.Second):
		t.Fatalf("batch confirmation never requested")
	}
	if batch.RunID != id || batch.Task != "uptime" {
		t.Errorf("batch = %+v", batch)
	}
	if len(batch.TerminalIDs) != 2 || batch.TerminalIDs[0] != "pty-web1" || batch.TerminalIDs[1] != "pty-web2" {
		t.Errorf("batch terminals = %v", batch.TerminalIDs)
	}
	if !o.RespondBatchConfirm(id, true) {
		t.Fatalf("RespondBatchConfirm returned false")
	}
	obs.awaitComplete(t)

	fanout := obs.toolResult(t, "parallel_dispatch", 0)
	if !strings.Contains(fanout, "parallel dispatch finished across 2 terminals") ||
		!strings.Contains(fanout, "worker on pty-web1 completed: ok") ||
		!strings.Contains(fanout, "worker on pty-web2 completed: ok") {
		t.Errorf("fanout result = %q", fanout)
	}
	if res := obs.toolResult(t, "collect_results", 0); !strings.Contains(res, "2 workers: 2 completed, 0 failed") {
		t.Errorf("summary = %q", res)
	}
	// The pending confirmation was consumed.
	if o.RespondBatchConfirm(id, true) {
		t.Errorf("RespondBatchConfirm accepted twice")
	}
}

func TestOrchestratorParallelDispatchRejected(t *testing.T) {
	hosts := &fakeHosts{hosts: []HostInfo{{ID: "web1", TerminalType: TerminalLocal}}}
	p := newFakeProvider(
		toolTurn(mkCall("c1", "connect_terminal", `{"host_id": "web1", "alias": "a"}`)),
		toolTurn(mkCall("c2", "parallel_dispatch", `{"terminal_ids": ["a"], "task": "rm -rf /tmp/cache"}`)),
		toolTurn(mkCall("c3", "analyze_and_report", `{"findings": ["aborted by user"]}`)),
	)
	obs := newOrchObserver()
	o := newOrchestratorUnderTest(p, hosts, termMap{"pty-web1": newFakeTerminal()})
	id, err := o.Start("cache sweep", obs.callbacks())
	if err != nil {
		t.Fatal(err)
	}
	<-obs.batches
	o.RespondBatchConfirm(id, false)
	obs.awaitComplete(t)

	if res := obs.toolResult(t, "parallel_dispatch", 0); !strings.Contains(res, "user rejected") {
		t.Errorf("rejected fanout result = %q", res)
	}
	// No worker turns were consumed: 3 controller calls only.
	if p.requestCount() != 3 {
		t.Errorf("requests = %d, want 3", p.requestCount())
	}
}

func TestOrchestratorFreeModeSkipsBatchConfirm(t *testing.T) {
	hosts := &fakeHosts{hosts: []HostInfo{{ID: "web1", TerminalType: TerminalLocal}}}
	p := newFakeProvider(
		toolTurn(mkCall("c1", "connect_terminal", `{"host_id": "web1", "alias": "a"}`)),
		toolTurn(mkCall("c2", "parallel_dispatch", `{"terminal_ids": ["a"], "task": "uptime"}`)),
		textTurn("ok"), // worker turn
		toolTurn(mkCall("c3", "analyze_and_report", `{"findings": ["up"]}`)),
	)
	var confirms atomic.Int32
	cb := &OrchestratorCallbacks{
		OnBatchConfirm: func(BatchConfirmation) { confirms.Add(1) },
	}
	done := make(chan string, 1)
	cb.OnComplete = func(_, report string) { done <- report }
	cb.OnError = func(_, message string) { done <- "error: " + message }

	o := newOrchestratorUnderTest(p, hosts, termMap{"pty-web1": newFakeTerminal()},
		WithWorkerConfig(AgentConfig{ExecutionMode: ModeFree}))
	if _, err := o.Start("uptime", cb); err != nil {
		t.Fatal(err)
	}
	select {
	case report := <-done:
		if strings.HasPrefix(report, "error:") {
			t.Fatalf("run failed: %s", report)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not finish")
	}
	if confirms.Load() != 0 {
		t.Errorf("batch confirm requested %d times in free mode", confirms.Load())
	}
}

func TestOrchestratorWorkerFailureReported(t *testing.T) {
	hosts := &fakeHosts{hosts: []HostInfo{{ID: "web1", TerminalType: TerminalLocal}}}
	p := newFakeProvider(
		toolTurn(mkCall("c1", "connect_terminal", `{"host_id": "web1", "alias": "a"}`)),
		toolTurn(mkCall("c2", "dispatch_task", `{"terminal_id": "a", "task": "restart svc"}`)),
		// Worker gives three empty replies and fails with ErrModelEmpty.
		textTurn(""), textTurn(""), textTurn(""),
		toolTurn(mkCall("c3", "collect_results", `{"format": "summary"}`)),
		toolTurn(mkCall("c4", "analyze_and_report", `{"findings": ["worker failed"]}`)),
	)
	obs := newOrchObserver()
	o := newOrchestratorUnderTest(p, hosts, termMap{"pty-web1": newFakeTerminal()})
	id, err := o.Start("restart the service", obs.callbacks())
	if err != nil {
		t.Fatal(err)
	}
	obs.awaitComplete(t)

	if res := obs.toolResult(t, "dispatch_task", 0); !strings.Contains(res, "worker on pty-web1 failed") {
		t.Errorf("dispatch result = %q", res)
	}
	if res := obs.toolResult(t, "collect_results", 0); !strings.Contains(res, "1 workers: 0 completed, 1 failed") {
		t.Errorf("summary = %q", res)
	}
	status, _ := o.GetStatus(id)
	if len(status.Workers) != 1 || status.Workers[0].Status != WorkerFailed {
		t.Errorf("workers = %+v", status.Workers)
	}
}

func TestOrchestratorStop(t *testing.T) {
	blk := make(chan struct{})
	p := newFakeProvider(fakeTurn{block: blk})
	obs := newOrchObserver()
	o := newOrchestratorUnderTest(p, &fakeHosts{}, termMap{})
	id, err := o.Start("long audit", obs.callbacks())
	if err != nil {
		t.Fatal(err)
	}
	<-blk

	if !o.Stop(id) {
		t.Fatalf("Stop returned false for a running orchestration")
	}
	if msg := obs.awaitError(t); msg != "orchestrator aborted" {
		t.Errorf("error message = %q", msg)
	}
	status, _ := o.GetStatus(id)
	if status.Status != OrchAborted || status.CompletedAt == 0 {
		t.Errorf("status = %+v, want aborted", status)
	}
	if o.Stop(id) {
		t.Errorf("second Stop returned true")
	}
}
