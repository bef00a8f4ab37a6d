package termpilot

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Transport is the consumed contract over a live terminal session (local
// PTY or SSH channel). Implementations live outside the engine; tests use
// an in-memory fake.
type Transport interface {
	// Write sends raw bytes to the terminal's stdin.
	Write(data string) error
	// OnData subscribes to terminal output. The returned func
	// unsubscribes; it must be safe to call more than once.
	OnData(fn func(chunk string)) (unsubscribe func())
	// HasInstance reports whether the underlying session is alive.
	HasInstance() bool
}

// CommandRunner executes a command over a side channel invisible to the
// interactive stream. The SSH variant uses it for exit-code queries.
type CommandRunner interface {
	Run(ctx context.Context, cmd string) (string, error)
}

// TerminalStatus is the check_terminal_status answer.
type TerminalStatus struct {
	Busy   bool   `json:"busy"`
	Reason string `json:"reason"`
}

// CaptureResult is the ExecuteCapture outcome.
type CaptureResult struct {
	Output   string `json:"output"`
	Duration int64  `json:"duration_ms"`
	// TimedOut is set when no shell prompt was seen before the deadline.
	// Output still carries everything captured so far.
	TimedOut bool `json:"timed_out,omitempty"`
}

// Terminal is the uniform surface the tool executor drives. Two variants
// exist: local-PTY-backed and SSH-backed. Only one run may ExecuteCapture
// on a given terminal at a time; concurrent commands on the same terminal
// are not supported by contract.
type Terminal interface {
	Write(data string) error
	Subscribe(fn func(data string)) (unsubscribe func())
	ExecuteCapture(ctx context.Context, cmd string, timeout time.Duration) (CaptureResult, error)
	Status(ctx context.Context) TerminalStatus
	LastExitCode(ctx context.Context) (int, bool)
	HasInstance() bool
	Type() TerminalType
}

// TerminalProvider resolves a pty_id to a live Terminal. The engine
// consumes it; the UI layer owns terminal lifecycles.
type TerminalProvider interface {
	Terminal(ptyID string) (Terminal, bool)
}

// promptQuietWindow is how long output must stay quiet after a prompt
// before a capture is considered complete.
const promptQuietWindow = 300 * time.Millisecond

// shellPromptPatterns is the closed set of prompt shapes capture
// completion recognizes, matched against the trimmed tail line.
var shellPromptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[$#%>]\s*$`),
	regexp.MustCompile(`❯\s*$`),
	regexp.MustCompile(`\w+@[\w.-]+:[^$#\n]*[$#]\s*$`),
	regexp.MustCompile(`\(\S+\)\s*[$#]\s*$`),
	regexp.MustCompile(`(?i)^(mysql|psql|redis[^>]*|sftp)>\s*$`),
}

// endsWithPrompt reports whether the buffer tail looks like a shell
// prompt awaiting input.
func endsWithPrompt(output string) bool {
	lines := lastLines(output, 1)
	if len(lines) == 0 {
		return false
	}
	tail := strings.TrimRight(lines[0], " ")
	if tail == "" {
		return false
	}
	for _, re := range shellPromptPatterns {
		if re.MatchString(lines[0]) {
			return true
		}
	}
	return false
}

// baseTerminal implements capture and status inference shared by both
// variants. Output flows through a bounded tail buffer used for prompt
// and busy detection.
type baseTerminal struct {
	transport Transport
	termType  TerminalType

	mu           sync.Mutex
	tail         strings.Builder // bounded; trimmed when oversized
	lastDataAt   time.Time
	lastExitCode int
	hasExitCode  bool
	unsub        func()
}

// tailBufferMax bounds the internal tail buffer (bytes). Only the tail
// matters for prompt detection.
const tailBufferMax = 16 * 1024

func newBaseTerminal(t Transport, typ TerminalType) *baseTerminal {
	b := &baseTerminal{transport: t, termType: typ}
	b.unsub = t.OnData(b.onData)
	return b
}

func (b *baseTerminal) onData(chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tail.WriteString(chunk)
	if b.tail.Len() > tailBufferMax {
		s := b.tail.String()
		b.tail.Reset()
		b.tail.WriteString(s[len(s)-tailBufferMax/2:])
	}
	b.lastDataAt = time.Now()
}

func (b *baseTerminal) Write(data string) error { return b.transport.Write(data) }

func (b *baseTerminal) Subscribe(fn func(string)) func() { return b.transport.OnData(fn) }

func (b *baseTerminal) HasInstance() bool { return b.transport.HasInstance() }

func (b *baseTerminal) Type() TerminalType { return b.termType }

// Status infers busy/idle from the tail buffer: a prompt at the tail
// means idle; recent output without a prompt means busy.
func (b *baseTerminal) Status(_ context.Context) TerminalStatus {
	b.mu.Lock()
	tail := b.tail.String()
	last := b.lastDataAt
	b.mu.Unlock()

	if endsWithPrompt(tail) {
		return TerminalStatus{Busy: false, Reason: "shell prompt visible"}
	}
	if !last.IsZero() && time.Since(last) < 2*time.Second {
		return TerminalStatus{Busy: true, Reason: "output still arriving"}
	}
	if b.termType == TerminalSSH {
		return TerminalStatus{Busy: false, Reason: "state inferred from last output"}
	}
	return TerminalStatus{Busy: true, Reason: "no prompt detected, command may be foregrounded"}
}

// ExecuteCapture runs cmd and captures output until a shell prompt has
// been visible with no new output for 300 ms, or until timeout. It always
// returns within timeout + the quiet window.
func (b *baseTerminal) ExecuteCapture(ctx context.Context, cmd string, timeout time.Duration) (CaptureResult, error) {
	if !b.transport.HasInstance() {
		return CaptureResult{}, fmt.Errorf("terminal has no live session")
	}

	start := time.Now()
	var mu sync.Mutex
	var out strings.Builder
	lastData := start

	unsub := b.transport.OnData(func(chunk string) {
		mu.Lock()
		out.WriteString(chunk)
		lastData = time.Now()
		mu.Unlock()
	})
	defer unsub()

	if err := b.transport.Write(cmd + "\n"); err != nil {
		return CaptureResult{}, fmt.Errorf("write command: %w", err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			output := out.String()
			mu.Unlock()
			return CaptureResult{Output: output, Duration: time.Since(start).Milliseconds(), TimedOut: true}, ctx.Err()
		case <-deadline.C:
			mu.Lock()
			output := out.String()
			mu.Unlock()
			return CaptureResult{Output: output, Duration: time.Since(start).Milliseconds(), TimedOut: true}, nil
		case <-tick.C:
			mu.Lock()
			output := out.String()
			quiet := time.Since(lastData)
			mu.Unlock()
			if quiet >= promptQuietWindow && endsWithPrompt(output) {
				return CaptureResult{Output: output, Duration: time.Since(start).Milliseconds()}, nil
			}
		}
	}
}

// --- Local PTY variant ---

// localTerminal queries the exit code by echoing it into the user-visible
// terminal. The visible "echo $? # …" line is a documented limitation of
// the local transport, not a defect: a PTY has no side channel.
type localTerminal struct {
	*baseTerminal
	seq int
}

// NewLocalTerminal wraps a local PTY transport.
func NewLocalTerminal(t Transport) Terminal {
	return &localTerminal{baseTerminal: newBaseTerminal(t, TerminalLocal)}
}

var reExitCodeLine = regexp.MustCompile(`(?m)^(\d{1,3})\s*$`)

func (l *localTerminal) LastExitCode(ctx context.Context) (int, bool) {
	l.mu.Lock()
	l.seq++
	marker := fmt.Sprintf("tp-ec-%d", l.seq)
	l.mu.Unlock()

	res, err := l.ExecuteCapture(ctx, fmt.Sprintf("echo $? # %s", marker), 3*time.Second)
	if err != nil || res.TimedOut {
		return 0, false
	}
	// The echoed command line contains the marker; the result is the
	// first bare integer line after it.
	idx := strings.Index(res.Output, marker)
	if idx < 0 {
		return 0, false
	}
	if m := reExitCodeLine.FindStringSubmatch(res.Output[idx:]); m != nil {
		code, err := strconv.Atoi(m[1])
		if err == nil {
			return code, true
		}
	}
	return 0, false
}

// --- SSH variant ---

// sshTerminal queries the exit code over a side channel so the
// interactive stream stays clean.
type sshTerminal struct {
	*baseTerminal
	side CommandRunner
}

// NewSSHTerminal wraps an SSH channel transport. side may be nil when the
// connection has no exec side channel; LastExitCode then reports unknown.
func NewSSHTerminal(t Transport, side CommandRunner) Terminal {
	return &sshTerminal{baseTerminal: newBaseTerminal(t, TerminalSSH), side: side}
}

func (s *sshTerminal) LastExitCode(ctx context.Context) (int, bool) {
	if s.side == nil {
		return 0, false
	}
	out, err := s.side.Run(ctx, "echo $?")
	if err != nil {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, false
	}
	return code, true
}

// controlKeySequences maps allowed send_control_key names to the raw
// bytes written to the terminal.
var controlKeySequences = map[string]string{
	"ctrl+c": "\x03",
	"ctrl+d": "\x04",
	"ctrl+z": "\x1a",
	"ctrl+l": "\x0c",
	"ctrl+u": "\x15",
	"q":      "q",
	"enter":  "\r",
	"esc":    "\x1b",
	"tab":    "\t",
	"up":     "\x1b[A",
	"down":   "\x1b[B",
	"left":   "\x1b[D",
	"right":  "\x1b[C",
}
