package termpilot

import (
	"context"
	"encoding/json"
	"strings"
)

// MCPToolInfo describes one tool exposed by an MCP server.
type MCPToolInfo struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// MCPClient is the consumed MCP contract. The mcp package ships a stdio
// JSON-RPC implementation; a nil client means mcp__ tools surface
// ErrMCPNotInitialized.
type MCPClient interface {
	// IsInitialized reports whether the client completed its handshake.
	IsInitialized() bool
	// ListTools enumerates tools across connected servers.
	ListTools(ctx context.Context) ([]MCPToolInfo, error)
	// CallTool invokes tool on server and returns the text result.
	CallTool(ctx context.Context, server, tool string, args json.RawMessage) (string, error)
}

// mcpToolPrefix marks MCP passthrough tools in the catalog.
const mcpToolPrefix = "mcp__"

// MCPToolName builds the catalog name for a server tool.
func MCPToolName(server, tool string) string {
	return mcpToolPrefix + server + "__" + tool
}

// ParseMCPToolName splits an mcp__server__tool catalog name. ok is false
// for names not following the convention.
func ParseMCPToolName(name string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(name, mcpToolPrefix)
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, "__")
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}
