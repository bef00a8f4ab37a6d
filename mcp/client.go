package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/evanharso/termpilot"
)

// ServerConfig describes how to launch one MCP server process.
type ServerConfig struct {
	// Name is the alias used in mcp__name__tool catalog entries.
	Name string
	// Command is the executable to spawn.
	Command string
	// Args are passed to the command.
	Args []string
	// Env entries (KEY=VALUE) are appended to the process environment.
	Env []string
}

// Client connects to one or more MCP servers over stdio and implements
// the engine's MCPClient contract. Create with NewClient, add servers
// with AddServer, and Close when done.
type Client struct {
	logger *slog.Logger

	mu      sync.Mutex
	conns   map[string]*conn
	started bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for connection lifecycle events.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates an MCP client with no server connections.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		logger: slog.New(slog.DiscardHandler),
		conns:  map[string]*conn{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddServer spawns the server process and performs the MCP initialize
// handshake. The server becomes available for ListTools and CallTool
// once this returns.
func (c *Client) AddServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp: server name is required")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), cfg.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("mcp: start %s: %w", cfg.Command, err)
	}

	cn := newConn(stdout, stdin)
	cn.cmd = cmd
	if err := cn.initialize(ctx); err != nil {
		cn.close()
		return fmt.Errorf("mcp: initialize %s: %w", cfg.Name, err)
	}

	c.mu.Lock()
	if old := c.conns[cfg.Name]; old != nil {
		old.close()
	}
	c.conns[cfg.Name] = cn
	c.started = true
	c.mu.Unlock()

	c.logger.Info("mcp server connected", "server", cfg.Name, "command", cfg.Command)
	return nil
}

// IsInitialized reports whether at least one server completed its handshake.
func (c *Client) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && len(c.conns) > 0
}

// ListTools enumerates tools across all connected servers. A server that
// fails to answer is skipped with a log entry rather than failing the
// whole listing.
func (c *Client) ListTools(ctx context.Context) ([]termpilot.MCPToolInfo, error) {
	c.mu.Lock()
	conns := make(map[string]*conn, len(c.conns))
	for name, cn := range c.conns {
		conns[name] = cn
	}
	c.mu.Unlock()

	var out []termpilot.MCPToolInfo
	for name, cn := range conns {
		raw, err := cn.call(ctx, "tools/list", nil)
		if err != nil {
			c.logger.Warn("mcp tools/list failed", "server", name, "error", err)
			continue
		}
		var result toolsListResult
		if err := json.Unmarshal(raw, &result); err != nil {
			c.logger.Warn("mcp tools/list decode failed", "server", name, "error", err)
			continue
		}
		for _, t := range result.Tools {
			out = append(out, termpilot.MCPToolInfo{
				Server:      name,
				Name:        t.Name,
				Description: t.Description,
				Schema:      t.InputSchema,
			})
		}
	}
	return out, nil
}

// CallTool invokes tool on the named server and returns the joined text
// content of the result. A result flagged isError comes back as a Go error
// carrying the server's message.
func (c *Client) CallTool(ctx context.Context, server, tool string, args json.RawMessage) (string, error) {
	c.mu.Lock()
	cn := c.conns[server]
	c.mu.Unlock()
	if cn == nil {
		return "", fmt.Errorf("mcp: unknown server: %s", server)
	}

	raw, err := cn.call(ctx, "tools/call", toolCallParams{Name: tool, Arguments: args})
	if err != nil {
		return "", err
	}
	var result toolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("mcp: decode tools/call result: %w", err)
	}
	text := result.joinText()
	if result.IsError {
		return "", fmt.Errorf("mcp: %s/%s: %s", server, tool, text)
	}
	return text, nil
}

// Close shuts down all server connections and their processes.
func (c *Client) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = map[string]*conn{}
	c.mu.Unlock()

	for name, cn := range conns {
		cn.close()
		c.logger.Info("mcp server disconnected", "server", name)
	}
	return nil
}

var _ termpilot.MCPClient = (*Client)(nil)

// conn is a single JSON-RPC connection to an MCP server. A reader
// goroutine demultiplexes responses to waiting callers by request id.
type conn struct {
	writer io.WriteCloser
	cmd    *exec.Cmd

	writeMu sync.Mutex // serializes writes

	mu      sync.Mutex
	nextID  int
	pending map[string]chan response
	closed  bool
}

// newConn starts the reader loop over r and returns a conn writing to w.
// Exposed internally so tests can drive a connection over in-memory pipes.
func newConn(r io.Reader, w io.WriteCloser) *conn {
	cn := &conn{
		writer:  w,
		nextID:  1,
		pending: map[string]chan response{},
	}
	go cn.readLoop(r)
	return cn
}

// initialize performs the MCP handshake: initialize request followed by
// the notifications/initialized notification.
func (cn *conn) initialize(ctx context.Context) error {
	raw, err := cn.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    struct{}{},
		ClientInfo:      clientInfo{Name: "termpilot", Version: "1.0.0"},
	})
	if err != nil {
		return err
	}
	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	return cn.notify("notifications/initialized", nil)
}

// call sends a request and blocks until its response arrives or ctx is done.
func (cn *conn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return nil, fmt.Errorf("mcp: connection closed")
	}
	id := strconv.Itoa(cn.nextID)
	cn.nextID++
	ch := make(chan response, 1)
	cn.pending[id] = ch
	cn.mu.Unlock()

	defer func() {
		cn.mu.Lock()
		delete(cn.pending, id)
		cn.mu.Unlock()
	}()

	err := cn.write(request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(id),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("mcp: connection closed")
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// notify sends a notification (no ID, no response expected).
func (cn *conn) notify(method string, params any) error {
	return cn.write(request{JSONRPC: "2.0", Method: method, Params: params})
}

func (cn *conn) write(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("mcp: marshal request: %w", err)
	}
	data = append(data, '\n')

	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	if _, err := cn.writer.Write(data); err != nil {
		return fmt.Errorf("mcp: write request: %w", err)
	}
	return nil
}

// readLoop reads newline-delimited JSON responses and routes them to the
// pending caller by id. Server-initiated requests and notifications are
// ignored; this client does not expose capabilities.
func (cn *conn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20) // 10MB max message

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		if len(resp.ID) == 0 || string(resp.ID) == "null" {
			continue
		}

		id, err := strconv.Unquote(string(resp.ID))
		if err != nil {
			// Numeric ids arrive unquoted.
			id = string(resp.ID)
		}

		cn.mu.Lock()
		ch := cn.pending[id]
		cn.mu.Unlock()
		if ch != nil {
			ch <- resp
		}
	}

	cn.teardown()
}

// teardown fails all pending calls after the read side ends.
func (cn *conn) teardown() {
	cn.mu.Lock()
	cn.closed = true
	for id, ch := range cn.pending {
		close(ch)
		delete(cn.pending, id)
	}
	cn.mu.Unlock()
}

func (cn *conn) close() {
	cn.writer.Close()
	if cn.cmd != nil && cn.cmd.Process != nil {
		cn.cmd.Process.Kill()
		cn.cmd.Wait()
	}
	cn.teardown()
}
