package termpilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func freeConfig() func() AgentConfig {
	return func() AgentConfig { return AgentConfig{ExecutionMode: ModeFree} }
}

func newFreeExecutor(term Terminal) *Executor {
	return NewExecutor(ExecutorOptions{RunID: "run-1", Terminal: term, Config: freeConfig()})
}

func TestExecResultText(t *testing.T) {
	if got := execSuccess("done").Text(); got != "done" {
		t.Errorf("success text = %q", got)
	}
	if got := execFailure("missing path").Text(); got != "错误: missing path" {
		t.Errorf("failure text = %q", got)
	}
}

func TestNeedsConfirmation(t *testing.T) {
	cases := []struct {
		name string
		cfg  AgentConfig
		risk RiskLevel
		want bool
	}{
		{"free never", AgentConfig{ExecutionMode: ModeFree}, RiskDangerous, false},
		{"strict always safe", AgentConfig{ExecutionMode: ModeStrict}, RiskSafe, true},
		{"strict always dangerous", AgentConfig{ExecutionMode: ModeStrict}, RiskDangerous, true},
		{"relaxed safe", AgentConfig{ExecutionMode: ModeRelaxed}, RiskSafe, false},
		{"relaxed moderate", AgentConfig{ExecutionMode: ModeRelaxed}, RiskModerate, true},
		{"relaxed moderate auto", AgentConfig{ExecutionMode: ModeRelaxed, AutoExecuteModerate: true}, RiskModerate, false},
		{"relaxed dangerous", AgentConfig{ExecutionMode: ModeRelaxed, AutoExecuteModerate: true}, RiskDangerous, true},
		{"relaxed blocked", AgentConfig{ExecutionMode: ModeRelaxed}, RiskBlocked, true},
		{"default is relaxed", AgentConfig{}, RiskModerate, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := needsConfirmation(c.cfg, c.risk); got != c.want {
				t.Errorf("needsConfirmation(%s, %s) = %v, want %v", c.cfg.ExecutionMode, c.risk, got, c.want)
			}
		})
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	e := newFreeExecutor(newFakeTerminal())
	res := e.Execute(context.Background(), mkCall("c1", "teleport", `{}`))
	if res.Success || !strings.Contains(res.Error, "unknown tool") {
		t.Errorf("res = %+v", res)
	}
}

func TestExecuteParseFailure(t *testing.T) {
	e := newFreeExecutor(newFakeTerminal())
	res := e.Execute(context.Background(), mkCall("c1", "execute_command", `{not json`))
	if res.Error != "tool param parse failed" {
		t.Errorf("Error = %q, want the fixed parse message", res.Error)
	}
}

func TestExecCommandEmpty(t *testing.T) {
	e := newFreeExecutor(newFakeTerminal())
	res := e.Execute(context.Background(), mkCall("c1", "execute_command", `{"command":"   "}`))
	if res.Success || !strings.Contains(res.Error, "command is empty") {
		t.Errorf("res = %+v", res)
	}
}

func TestExecCommandBlockedInteractive(t *testing.T) {
	term := newFakeTerminal()
	e := newFreeExecutor(term)
	res := e.Execute(context.Background(), mkCall("c1", "execute_command", `{"command":"vim /etc/hosts"}`))
	if res.Success {
		t.Fatalf("interactive editor ran: %+v", res)
	}
	if !strings.Contains(res.Error, "。") {
		t.Errorf("error lacks reason/hint join: %q", res.Error)
	}
	if len(term.commands) != 0 {
		t.Errorf("blocked command reached terminal: %v", term.commands)
	}
}

func TestExecCommandSecurityBlocked(t *testing.T) {
	term := newFakeTerminal()
	e := newFreeExecutor(term)
	res := e.Execute(context.Background(), mkCall("c1", "execute_command", `{"command":"rm -rf /"}`))
	if res.Error != "命令被安全策略拦截，已阻止执行" {
		t.Errorf("Error = %q", res.Error)
	}
	if res.RiskLevel != RiskBlocked {
		t.Errorf("RiskLevel = %s, want blocked", res.RiskLevel)
	}
	if len(term.commands) != 0 {
		t.Errorf("blocked command reached terminal: %v", term.commands)
	}
}

func TestExecCommandAutoFix(t *testing.T) {
	term := newFakeTerminal()
	term.captureFn = func(string) (CaptureResult, error) {
		return CaptureResult{Output: "PING example.com: 4 packets\n$ "}, nil
	}
	e := newFreeExecutor(term)
	res := e.Execute(context.Background(), mkCall("c1", "execute_command", `{"command":"ping example.com"}`))
	if !res.Success {
		t.Fatalf("res = %+v", res)
	}
	if term.lastCommand() != "ping -c 4 example.com" {
		t.Errorf("terminal ran %q, want the fixed command", term.lastCommand())
	}
	if !strings.HasPrefix(res.Output, "[auto-fix] ") {
		t.Errorf("Output = %q, want auto-fix preamble", res.Output)
	}
}

func TestExecCommandTimedExecutionPreamble(t *testing.T) {
	term := newFakeTerminal()
	term.captureFn = func(string) (CaptureResult, error) {
		return CaptureResult{Output: "log line\n$ "}, nil
	}
	e := newFreeExecutor(term)
	res := e.Execute(context.Background(), mkCall("c1", "execute_command", `{"command":"tail -f /var/log/syslog"}`))
	if !res.Success {
		t.Fatalf("res = %+v", res)
	}
	if !strings.HasPrefix(res.Output, "[timed] ") {
		t.Errorf("Output = %q, want timed preamble", res.Output)
	}
}

func TestExecCommandExitCode(t *testing.T) {
	term := newFakeTerminal()
	term.captureFn = func(string) (CaptureResult, error) {
		return CaptureResult{Output: "grep: no match\n$ "}, nil
	}
	term.exitCode, term.exitOK = 1, true
	e := newFreeExecutor(term)
	res := e.Execute(context.Background(), mkCall("c1", "execute_command", `{"command":"grep xyz file"}`))
	if res.Success {
		t.Fatalf("nonzero exit treated as success: %+v", res)
	}
	if !strings.Contains(res.Error, "exit code 1") {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestExecCommandPasswordPrompt(t *testing.T) {
	term := newFakeTerminal()
	term.captureFn = func(string) (CaptureResult, error) {
		return CaptureResult{Output: "[sudo] password for alice: "}, nil
	}
	var steps []Step
	e := NewExecutor(ExecutorOptions{
		Terminal: term,
		Config:   freeConfig(),
		Hooks:    RunHooks{EmitStep: func(s Step) { steps = append(steps, s) }},
	})
	res := e.Execute(context.Background(), mkCall("c1", "execute_command", `{"command":"sudo apt update"}`))
	if !res.Success || !res.IsRunning {
		t.Fatalf("res = %+v, want success+running", res)
	}
	if !strings.Contains(res.Output, "终端正在等待密码输入") {
		t.Errorf("Output = %q, want password guidance", res.Output)
	}
	found := false
	for _, s := range steps {
		if s.Kind == StepWaitingPassword {
			found = true
		}
	}
	if !found {
		t.Errorf("no waiting_password step emitted: %+v", steps)
	}
}

func TestExecCommandTimeoutBusy(t *testing.T) {
	term := newFakeTerminal()
	term.captureFn = func(string) (CaptureResult, error) {
		return CaptureResult{Output: "building...", TimedOut: true}, nil
	}
	term.status = TerminalStatus{Busy: true, Reason: "output still arriving"}
	e := newFreeExecutor(term)
	res := e.Execute(context.Background(), mkCall("c1", "execute_command", `{"command":"make"}`))
	if !res.Success || !res.IsRunning {
		t.Fatalf("res = %+v, want success+running", res)
	}
	if !strings.Contains(res.Output, "命令仍在前台运行") {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestExecCommandTimeoutIdle(t *testing.T) {
	term := newFakeTerminal()
	term.captureFn = func(string) (CaptureResult, error) {
		return CaptureResult{Output: "no prompt seen", TimedOut: true}, nil
	}
	term.status = TerminalStatus{Busy: false, Reason: "shell prompt visible"}
	e := newFreeExecutor(term)
	res := e.Execute(context.Background(), mkCall("c1", "execute_command", `{"command":"true"}`))
	if res.Success {
		t.Fatalf("idle timeout treated as success: %+v", res)
	}
	if !strings.Contains(res.Error, "命令执行超时") {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestExecCommandConfirmRejected(t *testing.T) {
	term := newFakeTerminal()
	e := NewExecutor(ExecutorOptions{
		Terminal: term,
		Config:   func() AgentConfig { return AgentConfig{ExecutionMode: ModeStrict} },
		Hooks: RunHooks{Confirm: func(context.Context, PendingConfirmation) (ConfirmDecision, error) {
			return ConfirmDecision{Approved: false}, nil
		}},
	})
	res := e.Execute(context.Background(), mkCall("c1", "execute_command", `{"command":"ls"}`))
	if res.Success || res.Error != "user rejected" {
		t.Errorf("res = %+v", res)
	}
	if len(term.commands) != 0 {
		t.Errorf("rejected command reached terminal: %v", term.commands)
	}
}

func TestExecCommandConfirmModified(t *testing.T) {
	term := newFakeTerminal()
	term.captureFn = func(string) (CaptureResult, error) {
		return CaptureResult{Output: "ok\n$ "}, nil
	}
	e := NewExecutor(ExecutorOptions{
		Terminal: term,
		Config:   func() AgentConfig { return AgentConfig{ExecutionMode: ModeStrict} },
		Hooks: RunHooks{Confirm: func(_ context.Context, p PendingConfirmation) (ConfirmDecision, error) {
			return ConfirmDecision{Approved: true, ModifiedArgs: rawArgs(`{"command":"ping -c 1 example.com"}`)}, nil
		}},
	})
	// The model asked for an auto-fixable command; the user's edit wins and
	// drops the auto-fix preamble.
	res := e.Execute(context.Background(), mkCall("c1", "execute_command", `{"command":"ping example.com"}`))
	if !res.Success {
		t.Fatalf("res = %+v", res)
	}
	if term.lastCommand() != "ping -c 1 example.com" {
		t.Errorf("terminal ran %q, want the user's command", term.lastCommand())
	}
	if strings.Contains(res.Output, "[auto-fix]") {
		t.Errorf("preamble kept after user edit: %q", res.Output)
	}
}

func TestCheckTerminalStatus(t *testing.T) {
	term := newFakeTerminal()
	term.status = TerminalStatus{Busy: true, Reason: "output still arriving"}
	e := newFreeExecutor(term)
	res := e.Execute(context.Background(), mkCall("c1", "check_terminal_status", `{}`))
	if !res.Success || !strings.Contains(res.Output, "terminal is busy") {
		t.Errorf("res = %+v", res)
	}
}

func TestGetTerminalContext(t *testing.T) {
	e := NewExecutor(ExecutorOptions{
		Terminal: newFakeTerminal(),
		Config:   freeConfig(),
		Hooks: RunHooks{BufferTail: func(n int) []string {
			return []string{fmt.Sprintf("tail of %d", n), "last line"}
		}},
	})
	res := e.Execute(context.Background(), mkCall("c1", "get_terminal_context", `{"max_lines":50}`))
	if !res.Success || res.Output != "tail of 50\nlast line" {
		t.Errorf("res = %+v", res)
	}

	// Out-of-range requests clamp to the buffer size.
	res = e.Execute(context.Background(), mkCall("c2", "get_terminal_context", `{"max_lines":99999}`))
	if !strings.Contains(res.Output, fmt.Sprintf("tail of %d", realtimeBufferLines)) {
		t.Errorf("clamp failed: %+v", res)
	}

	noBuf := newFreeExecutor(newFakeTerminal())
	if res := noBuf.Execute(context.Background(), mkCall("c3", "get_terminal_context", `{}`)); res.Success {
		t.Errorf("expected failure without a realtime buffer: %+v", res)
	}
}

func TestSendControlKey(t *testing.T) {
	term := newFakeTerminal()
	e := newFreeExecutor(term)
	res := e.Execute(context.Background(), mkCall("c1", "send_control_key", `{"key":" Ctrl+C "}`))
	if !res.Success {
		t.Fatalf("res = %+v", res)
	}
	if term.lastWrite() != "\x03" {
		t.Errorf("wrote %q, want ETX", term.lastWrite())
	}

	res = e.Execute(context.Background(), mkCall("c2", "send_control_key", `{"key":"ctrl+alt+del"}`))
	if res.Success || !strings.Contains(res.Error, "unsupported control key") {
		t.Errorf("res = %+v", res)
	}
}

func TestSendInput(t *testing.T) {
	term := newFakeTerminal()
	e := newFreeExecutor(term)
	res := e.Execute(context.Background(), mkCall("c1", "send_input", `{"text":"hunter2"}`))
	if !res.Success {
		t.Fatalf("res = %+v", res)
	}
	if term.lastWrite() != "hunter2\r" {
		t.Errorf("wrote %q, want text plus carriage return", term.lastWrite())
	}

	if res := e.Execute(context.Background(), mkCall("c2", "send_input", `{"text":""}`)); res.Success {
		t.Errorf("empty input accepted")
	}

	long, _ := json.Marshal(map[string]string{"text": strings.Repeat("x", maxSendInputLen+1)})
	res = e.Execute(context.Background(), mkCall("c3", "send_input", string(long)))
	if res.Success || !strings.Contains(res.Error, "write_file") {
		t.Errorf("oversize input res = %+v", res)
	}
}

// --- read_file / write_file ---

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readCall(args string) ToolCall  { return mkCall("c1", "read_file", args) }
func writeCall(args string) ToolCall { return mkCall("c1", "write_file", args) }

func argsJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestReadFileBasics(t *testing.T) {
	e := newFreeExecutor(newFakeTerminal())
	path := writeTempFile(t, "notes.txt", "one\ntwo\nthree\nfour\nfive")

	res := e.Execute(context.Background(), readCall(argsJSON(t, map[string]any{"path": path})))
	if !res.Success || res.Output != "one\ntwo\nthree\nfour\nfive" {
		t.Errorf("full read = %+v", res)
	}

	res = e.Execute(context.Background(), readCall(`{"path":"/no/such/file"}`))
	if res.Success || !strings.Contains(res.Error, "file not found") {
		t.Errorf("missing file res = %+v", res)
	}

	res = e.Execute(context.Background(), readCall(`{"path":"   "}`))
	if res.Success || !strings.Contains(res.Error, "path is empty") {
		t.Errorf("empty path res = %+v", res)
	}
}

func TestReadFileDirectoryListing(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	e := newFreeExecutor(newFakeTerminal())
	res := e.Execute(context.Background(), readCall(argsJSON(t, map[string]any{"path": dir})))
	if !res.Success {
		t.Fatalf("res = %+v", res)
	}
	if !strings.Contains(res.Output, "directory with 2 entries") ||
		!strings.Contains(res.Output, "[file] a.txt") ||
		!strings.Contains(res.Output, "[dir] sub") {
		t.Errorf("listing = %q", res.Output)
	}
}

func TestReadFileInfoOnly(t *testing.T) {
	path := writeTempFile(t, "blob.bin", "12345")
	e := newFreeExecutor(newFakeTerminal())
	res := e.Execute(context.Background(), readCall(argsJSON(t, map[string]any{"path": path, "info_only": true})))
	if !res.Success || !strings.Contains(res.Output, "5 bytes") {
		t.Errorf("res = %+v", res)
	}
}

func TestReadFileRanges(t *testing.T) {
	path := writeTempFile(t, "lines.txt", "l1\nl2\nl3\nl4\nl5")
	e := newFreeExecutor(newFakeTerminal())

	res := e.Execute(context.Background(), readCall(argsJSON(t, map[string]any{"path": path, "start_line": 2, "end_line": 3})))
	if !res.Success || res.Output != "[lines 2-3 of 5]\nl2\nl3" {
		t.Errorf("range read = %+v", res)
	}

	res = e.Execute(context.Background(), readCall(argsJSON(t, map[string]any{"path": path, "max_lines": 2})))
	if !res.Success || res.Output != "[first 2 of 5 lines]\nl1\nl2" {
		t.Errorf("head read = %+v", res)
	}

	res = e.Execute(context.Background(), readCall(argsJSON(t, map[string]any{"path": path, "tail_lines": 2})))
	if !res.Success || res.Output != "[last 2 of 5 lines]\nl4\nl5" {
		t.Errorf("tail read = %+v", res)
	}

	res = e.Execute(context.Background(), readCall(argsJSON(t, map[string]any{"path": path, "start_line": 9})))
	if res.Success || !strings.Contains(res.Error, "beyond end of file") {
		t.Errorf("out-of-range start = %+v", res)
	}

	res = e.Execute(context.Background(), readCall(argsJSON(t, map[string]any{"path": path, "start_line": 3, "end_line": 2})))
	if res.Success || !strings.Contains(res.Error, "before start_line") {
		t.Errorf("inverted range = %+v", res)
	}
}

func TestReadFileOversize(t *testing.T) {
	path := writeTempFile(t, "big.log", strings.Repeat("x", maxFullReadBytes+1))
	e := newFreeExecutor(newFakeTerminal())

	res := e.Execute(context.Background(), readCall(argsJSON(t, map[string]any{"path": path})))
	if res.Success || !strings.Contains(res.Error, "500 KB full-read limit") {
		t.Errorf("oversize full read = %+v", res)
	}

	// A range still works on the oversized file.
	res = e.Execute(context.Background(), readCall(argsJSON(t, map[string]any{"path": path, "tail_lines": 1})))
	if !res.Success {
		t.Errorf("tail read on oversized file failed: %+v", res)
	}
}

func TestWriteFileModes(t *testing.T) {
	e := newFreeExecutor(newFakeTerminal())
	dir := t.TempDir()
	path := filepath.Join(dir, "conf.txt")

	res := e.Execute(context.Background(), writeCall(argsJSON(t, map[string]any{"path": path, "content": "a=1\nb=2"})))
	if !res.Success {
		t.Fatalf("overwrite res = %+v", res)
	}
	if data, _ := os.ReadFile(path); string(data) != "a=1\nb=2" {
		t.Errorf("file = %q", data)
	}

	res = e.Execute(context.Background(), writeCall(argsJSON(t, map[string]any{"path": path, "content": "x", "mode": "create"})))
	if res.Success || !strings.Contains(res.Error, "already exists") {
		t.Errorf("create-exists res = %+v", res)
	}

	res = e.Execute(context.Background(), writeCall(argsJSON(t, map[string]any{"path": path, "content": "\nc=3", "mode": "append"})))
	if !res.Success {
		t.Fatalf("append res = %+v", res)
	}
	if data, _ := os.ReadFile(path); string(data) != "a=1\nb=2\nc=3" {
		t.Errorf("file after append = %q", data)
	}

	res = e.Execute(context.Background(), writeCall(argsJSON(t, map[string]any{
		"path": path, "content": "inserted", "mode": "insert", "insert_at_line": 2,
	})))
	if !res.Success {
		t.Fatalf("insert res = %+v", res)
	}
	if data, _ := os.ReadFile(path); string(data) != "a=1\ninserted\nb=2\nc=3" {
		t.Errorf("file after insert = %q", data)
	}

	res = e.Execute(context.Background(), writeCall(argsJSON(t, map[string]any{
		"path": path, "content": "b=20", "mode": "replace_lines", "start_line": 3, "end_line": 3,
	})))
	if !res.Success {
		t.Fatalf("replace_lines res = %+v", res)
	}
	if data, _ := os.ReadFile(path); string(data) != "a=1\ninserted\nb=20\nc=3" {
		t.Errorf("file after replace = %q", data)
	}
}

func TestWriteFileRegexReplace(t *testing.T) {
	e := newFreeExecutor(newFakeTerminal())
	path := writeTempFile(t, "hosts.txt", "alpha=1\nalpha=2\nbeta=3")

	res := e.Execute(context.Background(), writeCall(argsJSON(t, map[string]any{
		"path": path, "mode": "regex_replace", "pattern": "alpha", "replacement": "gamma", "scope": "first",
	})))
	if !res.Success {
		t.Fatalf("scope first res = %+v", res)
	}
	if data, _ := os.ReadFile(path); string(data) != "gamma=1\nalpha=2\nbeta=3" {
		t.Errorf("scope first = %q", data)
	}

	res = e.Execute(context.Background(), writeCall(argsJSON(t, map[string]any{
		"path": path, "mode": "regex_replace", "pattern": `=\d`, "replacement": "=X", "scope": "all",
	})))
	if !res.Success {
		t.Fatalf("scope all res = %+v", res)
	}
	if data, _ := os.ReadFile(path); string(data) != "gamma=X\nalpha=X\nbeta=X" {
		t.Errorf("scope all = %q", data)
	}

	res = e.Execute(context.Background(), writeCall(argsJSON(t, map[string]any{
		"path": path, "mode": "regex_replace", "pattern": "[invalid",
	})))
	if res.Success || !strings.Contains(res.Error, "invalid regex") {
		t.Errorf("invalid regex res = %+v", res)
	}

	res = e.Execute(context.Background(), writeCall(argsJSON(t, map[string]any{
		"path": path, "mode": "regex_replace", "pattern": "zzz-no-match",
	})))
	if res.Success || !strings.Contains(res.Error, "matched nothing") {
		t.Errorf("no-match res = %+v", res)
	}
}

func TestWriteFileValidation(t *testing.T) {
	e := newFreeExecutor(newFakeTerminal())
	path := writeTempFile(t, "f.txt", "only line")

	res := e.Execute(context.Background(), writeCall(argsJSON(t, map[string]any{
		"path": path, "content": "x", "mode": "insert", "insert_at_line": 99,
	})))
	if res.Success || !strings.Contains(res.Error, "out of range") {
		t.Errorf("insert oob res = %+v", res)
	}

	res = e.Execute(context.Background(), writeCall(argsJSON(t, map[string]any{
		"path": filepath.Join(t.TempDir(), "ghost.txt"), "content": "x", "mode": "insert", "insert_at_line": 1,
	})))
	if res.Success || !strings.Contains(res.Error, "requires an existing file") {
		t.Errorf("insert missing file res = %+v", res)
	}

	res = e.Execute(context.Background(), writeCall(`{"path":"","content":"x"}`))
	if res.Success || !strings.Contains(res.Error, "path is empty") {
		t.Errorf("empty path res = %+v", res)
	}
}

func TestWriteFileSSHModeRestrictions(t *testing.T) {
	term := newFakeTerminal()
	term.typ = TerminalSSH
	e := newFreeExecutor(term)
	res := e.Execute(context.Background(), writeCall(`{"path":"/tmp/x","content":"y","mode":"insert","insert_at_line":1}`))
	if res.Success || !strings.Contains(res.Error, "not supported on SSH terminals") {
		t.Errorf("res = %+v", res)
	}
}

func TestWriteRisk(t *testing.T) {
	cases := []struct {
		path string
		want RiskLevel
	}{
		{"/etc/nginx/nginx.conf", RiskDangerous},
		{"/usr/local/bin/tool", RiskDangerous},
		{"/var/lib/postgresql/data/pg_hba.conf", RiskDangerous},
		{"/home/alice/notes.txt", RiskModerate},
		{"/tmp/scratch", RiskModerate},
	}
	for _, c := range cases {
		if got := writeRisk(c.path); got != c.want {
			t.Errorf("writeRisk(%q) = %s, want %s", c.path, got, c.want)
		}
	}
}

// --- Knowledge tools ---

func TestRememberInfo(t *testing.T) {
	k := newFakeKnowledge()
	e := NewExecutor(ExecutorOptions{Terminal: newFakeTerminal(), Knowledge: k, Config: freeConfig()})

	res := e.Execute(context.Background(), mkCall("c1", "remember_info", `{"content":"app configs live in /srv/app/etc"}`))
	if !res.Success || res.Output != "saved memory m1" {
		t.Errorf("res = %+v", res)
	}
	if len(k.added) != 1 {
		t.Errorf("store received %d memories", len(k.added))
	}

	res = e.Execute(context.Background(), mkCall("c2", "remember_info", `{"content":"uptime is 5 days"}`))
	if !res.Success || !strings.HasPrefix(res.Output, "skip_dynamic:") {
		t.Errorf("dynamic content res = %+v", res)
	}
	if len(k.added) != 1 {
		t.Errorf("dynamic content reached the store")
	}

	k.addOutcome = MemoryOutcome{Status: MemorySkipDuplicate, ID: "m1"}
	res = e.Execute(context.Background(), mkCall("c3", "remember_info", `{"content":"app configs live in /srv/app/etc"}`))
	if !res.Success || !strings.HasPrefix(res.Output, "skip_duplicate:") {
		t.Errorf("duplicate res = %+v", res)
	}

	k.addOutcome = MemoryOutcome{Status: MemoryMerged, ID: "m9"}
	res = e.Execute(context.Background(), mkCall("c4", "remember_info", `{"content":"app configs live in /srv/app/etc and /etc/app"}`))
	if !res.Success || res.Output != "merged into existing memory m9" {
		t.Errorf("merge res = %+v", res)
	}
}

func TestKnowledgeToolsWithoutStore(t *testing.T) {
	e := newFreeExecutor(newFakeTerminal())
	for _, call := range []ToolCall{
		mkCall("c1", "remember_info", `{"content":"fact"}`),
		mkCall("c2", "search_knowledge", `{"query":"nginx"}`),
		mkCall("c3", "get_knowledge_doc", `{"id":"d1"}`),
	} {
		res := e.Execute(context.Background(), call)
		if res.Success || res.Error != ErrKnowledgeDisabled.Error() {
			t.Errorf("%s res = %+v", call.Name, res)
		}
	}
}

func TestSearchKnowledge(t *testing.T) {
	k := newFakeKnowledge()
	k.hits = []KnowledgeHit{
		{DocID: "d1", Title: "nginx runbook", Snippet: "reload with systemctl reload nginx"},
	}
	e := NewExecutor(ExecutorOptions{Terminal: newFakeTerminal(), Knowledge: k, Config: freeConfig()})

	res := e.Execute(context.Background(), mkCall("c1", "search_knowledge", `{"query":"nginx"}`))
	if !res.Success || !strings.Contains(res.Output, "[d1] nginx runbook") {
		t.Errorf("res = %+v", res)
	}

	k.hits = nil
	res = e.Execute(context.Background(), mkCall("c2", "search_knowledge", `{"query":"redis"}`))
	if !res.Success || !strings.Contains(res.Output, "no results") {
		t.Errorf("empty res = %+v", res)
	}

	res = e.Execute(context.Background(), mkCall("c3", "search_knowledge", `{"query":"  "}`))
	if res.Success || !strings.Contains(res.Error, "query is empty") {
		t.Errorf("blank query res = %+v", res)
	}
}

func TestGetKnowledgeDoc(t *testing.T) {
	k := newFakeKnowledge()
	k.docs["d1"] = KnowledgeDoc{ID: "d1", Title: "deploy notes", Content: "run make release"}
	e := NewExecutor(ExecutorOptions{Terminal: newFakeTerminal(), Knowledge: k, Config: freeConfig()})

	res := e.Execute(context.Background(), mkCall("c1", "get_knowledge_doc", `{"id":"d1"}`))
	if !res.Success || !strings.Contains(res.Output, "# deploy notes") || !strings.Contains(res.Output, "run make release") {
		t.Errorf("res = %+v", res)
	}

	res = e.Execute(context.Background(), mkCall("c2", "get_knowledge_doc", `{"id":"missing"}`))
	if res.Success {
		t.Errorf("missing doc res = %+v", res)
	}
}

// --- ask_user / wait ---

func TestAskUser(t *testing.T) {
	e := NewExecutor(ExecutorOptions{
		Terminal: newFakeTerminal(),
		Config:   freeConfig(),
		Hooks: RunHooks{AwaitUserReply: func(context.Context, time.Duration) (string, bool) {
			return "use the staging db", true
		}},
	})
	res := e.Execute(context.Background(), mkCall("c1", "ask_user", `{"question":"which database?"}`))
	if !res.Success || res.Output != "user replied: use the staging db" {
		t.Errorf("res = %+v", res)
	}
}

func TestAskUserTimeoutFallsBackToDefault(t *testing.T) {
	e := NewExecutor(ExecutorOptions{
		Terminal: newFakeTerminal(),
		Config:   freeConfig(),
		Hooks: RunHooks{AwaitUserReply: func(context.Context, time.Duration) (string, bool) {
			return "", false
		}},
	})
	res := e.Execute(context.Background(), mkCall("c1", "ask_user", `{"question":"proceed?","default":"yes"}`))
	if !res.Success || !strings.Contains(res.Output, "using default: yes") {
		t.Errorf("res = %+v", res)
	}

	res = e.Execute(context.Background(), mkCall("c2", "ask_user", `{"question":"proceed?"}`))
	if res.Success || !strings.Contains(res.Error, "did not reply") {
		t.Errorf("no-default res = %+v", res)
	}
}

func TestAskUserWithoutChannel(t *testing.T) {
	e := newFreeExecutor(newFakeTerminal())
	res := e.Execute(context.Background(), mkCall("c1", "ask_user", `{"question":"ok?","default":"skip"}`))
	if !res.Success || !strings.Contains(res.Output, "using default: skip") {
		t.Errorf("res = %+v", res)
	}
	res = e.Execute(context.Background(), mkCall("c2", "ask_user", `{"question":"ok?"}`))
	if res.Success {
		t.Errorf("no channel, no default should fail: %+v", res)
	}
}

func TestWaitCompletes(t *testing.T) {
	e := newFreeExecutor(newFakeTerminal())
	res := e.Execute(context.Background(), mkCall("c1", "wait", `{"seconds":0.05}`))
	if !res.Success || !strings.HasPrefix(res.Output, "waited ") {
		t.Errorf("res = %+v", res)
	}

	if res := e.Execute(context.Background(), mkCall("c2", "wait", `{"seconds":0}`)); res.Success {
		t.Errorf("zero wait accepted: %+v", res)
	}
}

func TestWaitInterruptedByUserMessage(t *testing.T) {
	sig := make(chan struct{}, 1)
	sig <- struct{}{}
	e := NewExecutor(ExecutorOptions{
		Terminal: newFakeTerminal(),
		Config:   freeConfig(),
		Hooks:    RunHooks{UserMessageSignal: func() <-chan struct{} { return sig }},
	})
	res := e.Execute(context.Background(), mkCall("c1", "wait", `{"seconds":60}`))
	if !res.Success || !strings.Contains(res.Output, "wait interrupted") {
		t.Errorf("res = %+v", res)
	}
}

func TestWaitAbortedByContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := newFreeExecutor(newFakeTerminal())
	res := e.Execute(ctx, mkCall("c1", "wait", `{"seconds":60}`))
	if res.Success || !strings.Contains(res.Error, "wait aborted") {
		t.Errorf("res = %+v", res)
	}
}

// --- Plan tools ---

func planArgs(title string, steps ...string) string {
	type step struct {
		Title string `json:"title"`
	}
	var ss []step
	for _, s := range steps {
		ss = append(ss, step{Title: s})
	}
	b, _ := json.Marshal(map[string]any{"title": title, "steps": ss})
	return string(b)
}

func TestCreatePlan(t *testing.T) {
	e := newFreeExecutor(newFakeTerminal())
	res := e.Execute(context.Background(), mkCall("c1", "create_plan", planArgs("upgrade", "backup", "apply", "verify")))
	if !res.Success || !strings.Contains(res.Output, "(3 steps)") {
		t.Fatalf("res = %+v", res)
	}
	plan := e.Plan()
	if plan == nil || len(plan.Steps) != 3 || plan.Steps[0].Status != PlanStepPending {
		t.Errorf("plan = %+v", plan)
	}

	// A second plan while steps are open violates the single-plan rule.
	res = e.Execute(context.Background(), mkCall("c2", "create_plan", planArgs("other", "step")))
	if res.Success || !strings.Contains(res.Error, "already active") {
		t.Errorf("second plan res = %+v", res)
	}
}

func TestCreatePlanValidation(t *testing.T) {
	e := newFreeExecutor(newFakeTerminal())
	if res := e.Execute(context.Background(), mkCall("c1", "create_plan", planArgs("", "a"))); res.Success {
		t.Errorf("empty title accepted")
	}
	if res := e.Execute(context.Background(), mkCall("c2", "create_plan", planArgs("t"))); res.Success {
		t.Errorf("zero steps accepted")
	}
	steps := make([]string, maxPlanSteps+1)
	for i := range steps {
		steps[i] = fmt.Sprintf("s%d", i)
	}
	res := e.Execute(context.Background(), mkCall("c3", "create_plan", planArgs("too big", steps...)))
	if res.Success || !strings.Contains(res.Error, "maximum is 10") {
		t.Errorf("oversize plan res = %+v", res)
	}
}

func TestUpdatePlan(t *testing.T) {
	e := newFreeExecutor(newFakeTerminal())
	e.Execute(context.Background(), mkCall("c1", "create_plan", planArgs("task", "first", "second")))

	res := e.Execute(context.Background(), mkCall("c2", "update_plan", `{"step_index":0,"status":"in_progress"}`))
	if !res.Success {
		t.Fatalf("res = %+v", res)
	}
	if plan := e.Plan(); plan.Steps[0].Status != PlanStepInProgress || plan.Steps[0].StartedAt == 0 {
		t.Errorf("step 0 = %+v", plan.Steps[0])
	}

	res = e.Execute(context.Background(), mkCall("c3", "update_plan", `{"step_index":0,"status":"completed","result":"done in 2s"}`))
	if !res.Success {
		t.Fatalf("res = %+v", res)
	}
	if plan := e.Plan(); plan.Steps[0].Result != "done in 2s" || plan.Steps[0].CompletedAt == 0 {
		t.Errorf("step 0 = %+v", plan.Steps[0])
	}

	res = e.Execute(context.Background(), mkCall("c4", "update_plan", `{"step_index":7,"status":"completed"}`))
	if res.Success || !strings.Contains(res.Error, "out of range") {
		t.Errorf("oob res = %+v", res)
	}

	res = e.Execute(context.Background(), mkCall("c5", "update_plan", `{"step_index":1,"status":"paused"}`))
	if res.Success || !strings.Contains(res.Error, "invalid status") {
		t.Errorf("bad status res = %+v", res)
	}
}

func TestUpdatePlanWithoutPlan(t *testing.T) {
	e := newFreeExecutor(newFakeTerminal())
	res := e.Execute(context.Background(), mkCall("c1", "update_plan", `{"step_index":0,"status":"completed"}`))
	if res.Success || !strings.Contains(res.Error, "no active plan") {
		t.Errorf("res = %+v", res)
	}
}

func TestClearPlan(t *testing.T) {
	e := newFreeExecutor(newFakeTerminal())
	if res := e.Execute(context.Background(), mkCall("c1", "clear_plan", `{}`)); !res.Success {
		t.Errorf("clear without plan should be a no-op success: %+v", res)
	}

	e.Execute(context.Background(), mkCall("c2", "create_plan", planArgs("task", "only step")))
	res := e.Execute(context.Background(), mkCall("c3", "clear_plan", `{}`))
	if !res.Success || !strings.Contains(res.Output, "plan archived: task") {
		t.Errorf("res = %+v", res)
	}
	if e.Plan() != nil {
		t.Errorf("plan still active after clear")
	}

	// Clearing frees the slot for a new plan.
	if res := e.Execute(context.Background(), mkCall("c4", "create_plan", planArgs("next", "a"))); !res.Success {
		t.Errorf("new plan after clear failed: %+v", res)
	}
}

// --- MCP passthrough ---

func TestCallMCP(t *testing.T) {
	m := &fakeMCP{initialized: true, tools: []MCPToolInfo{{Server: "files", Name: "list_dir"}}, result: "3 entries"}
	e := NewExecutor(ExecutorOptions{Terminal: newFakeTerminal(), MCP: m, Config: freeConfig()})
	e.SetMCPTools(m.tools)

	res := e.Execute(context.Background(), mkCall("c1", "mcp__files__list_dir", `{"path":"/srv"}`))
	if !res.Success || res.Output != "3 entries" {
		t.Errorf("res = %+v", res)
	}
	if len(m.calls) != 1 || m.calls[0] != "files/list_dir" {
		t.Errorf("calls = %v", m.calls)
	}

	res = e.Execute(context.Background(), mkCall("c2", "mcp__ghost__anything", `{}`))
	if res.Success || !strings.Contains(res.Error, "unknown MCP server") {
		t.Errorf("unknown server res = %+v", res)
	}

	m.err = errors.New("server crashed")
	res = e.Execute(context.Background(), mkCall("c3", "mcp__files__list_dir", `{}`))
	if res.Success || !strings.Contains(res.Error, "mcp call failed") {
		t.Errorf("error res = %+v", res)
	}
}

func TestCallMCPNotInitialized(t *testing.T) {
	e := newFreeExecutor(newFakeTerminal())
	res := e.Execute(context.Background(), mkCall("c1", "mcp__files__list_dir", `{}`))
	if res.Success || res.Error != ErrMCPNotInitialized.Error() {
		t.Errorf("nil client res = %+v", res)
	}

	e = NewExecutor(ExecutorOptions{Terminal: newFakeTerminal(), MCP: &fakeMCP{initialized: false}, Config: freeConfig()})
	res = e.Execute(context.Background(), mkCall("c2", "mcp__files__list_dir", `{}`))
	if res.Success || res.Error != ErrMCPNotInitialized.Error() {
		t.Errorf("uninitialized client res = %+v", res)
	}
}
