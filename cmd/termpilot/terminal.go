package main

import (
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/evanharso/termpilot"
)

// localTransport runs a shell on a PTY and fans its output out to
// subscribers. It implements the engine's Transport contract.
type localTransport struct {
	cmd *exec.Cmd
	pty *os.File

	mu     sync.Mutex
	subs   map[int]func(string)
	nextID int
	closed bool
}

// newLocalTransport starts shell on a fresh PTY.
func newLocalTransport(shell string) (*localTransport, error) {
	cmd := exec.Command(shell)
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	t := &localTransport{cmd: cmd, pty: f, subs: map[int]func(string){}}
	go t.readLoop()
	return t, nil
}

func (t *localTransport) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.pty.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			t.mu.Lock()
			subs := make([]func(string), 0, len(t.subs))
			for _, fn := range t.subs {
				subs = append(subs, fn)
			}
			t.mu.Unlock()
			for _, fn := range subs {
				fn(chunk)
			}
		}
		if err != nil {
			t.mu.Lock()
			t.closed = true
			t.mu.Unlock()
			return
		}
	}
}

func (t *localTransport) Write(data string) error {
	_, err := t.pty.WriteString(data)
	return err
}

func (t *localTransport) OnData(fn func(chunk string)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

func (t *localTransport) HasInstance() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *localTransport) Close() error {
	t.pty.Close()
	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
		t.cmd.Wait()
	}
	return nil
}

var _ termpilot.Transport = (*localTransport)(nil)

// staticTerminals resolves pty ids from a fixed map. The CLI owns exactly
// one terminal.
type staticTerminals map[string]termpilot.Terminal

func (s staticTerminals) Terminal(ptyID string) (termpilot.Terminal, bool) {
	t, ok := s[ptyID]
	return t, ok
}
