package termpilot

import "context"

// HostInfo describes one host the orchestrator can target.
type HostInfo struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Address      string       `json:"address,omitempty"`
	TerminalType TerminalType `json:"terminal_type"`
	Connected    bool         `json:"connected"`
	Tags         []string     `json:"tags,omitempty"`
}

// HostProvider is the consumed contract for host inventory and terminal
// lifecycle. The UI layer owns actual connections; the orchestrator only
// requests them.
type HostProvider interface {
	// ListHosts enumerates known hosts.
	ListHosts(ctx context.Context) ([]HostInfo, error)
	// ConnectTerminal opens a terminal on a host and returns its pty id,
	// resolvable through the engine's TerminalProvider.
	ConnectTerminal(ctx context.Context, hostID string) (ptyID string, err error)
	// CloseTerminal releases a terminal previously opened here.
	CloseTerminal(ctx context.Context, ptyID string) error
}
