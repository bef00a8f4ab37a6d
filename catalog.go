package termpilot

import "encoding/json"

// Catalog is the fixed tool set exposed to the model, plus any MCP tools
// installed via SetMCPTools. Knowledge tools are listed only when a store
// is wired so the model is not tempted by dead tools.
func (e *Executor) Catalog() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(builtinTools)+len(e.mcpTools))
	for _, d := range builtinTools {
		switch d.Name {
		case "remember_info", "search_knowledge", "get_knowledge_doc":
			if e.knowledge == nil || !e.knowledge.IsEnabled() {
				continue
			}
		}
		defs = append(defs, d)
	}
	for _, t := range e.mcpTools {
		schema := t.Schema
		if len(schema) == 0 {
			schema = objSchema(`{}`)
		}
		defs = append(defs, ToolDefinition{
			Name:        MCPToolName(t.Server, t.Name),
			Description: t.Description,
			Parameters:  schema,
		})
	}
	return defs
}

func objSchema(props string, required ...string) json.RawMessage {
	s := map[string]any{"type": "object"}
	var p map[string]any
	if err := json.Unmarshal([]byte(props), &p); err == nil && len(p) > 0 {
		s["properties"] = p
	}
	if len(required) > 0 {
		s["required"] = required
	}
	out, _ := json.Marshal(s)
	return out
}

var builtinTools = []ToolDefinition{
	{
		Name: "execute_command",
		Description: "Execute a shell command in the user's terminal and capture its output. " +
			"Interactive full-screen programs are blocked; follow-style commands are auto-terminated after a short window.",
		Parameters: objSchema(`{
			"command": {"type": "string", "description": "The shell command to run"},
			"is_long_running": {"type": "boolean", "description": "Set for builds, downloads, migrations that need a long timeout"}
		}`, "command"),
	},
	{
		Name:        "check_terminal_status",
		Description: "Check whether the terminal is idle or still running a command.",
		Parameters:  objSchema(`{}`),
	},
	{
		Name:        "get_terminal_context",
		Description: "Read the most recent terminal output lines without running anything.",
		Parameters: objSchema(`{
			"max_lines": {"type": "integer", "description": "How many trailing lines to return (default 200)"}
		}`),
	},
	{
		Name:        "send_control_key",
		Description: "Send a control key to the terminal. Allowed: ctrl+c, ctrl+d, ctrl+z, ctrl+l, ctrl+u, q, enter, esc, tab, up, down, left, right.",
		Parameters: objSchema(`{
			"key": {"type": "string", "description": "Key name, e.g. ctrl+c"}
		}`, "key"),
	},
	{
		Name:        "send_input",
		Description: "Type a line of text into the terminal (for prompts, passwords, REPLs). Max 1000 characters; for file content use write_file.",
		Parameters: objSchema(`{
			"text": {"type": "string", "description": "Text to type; a newline is appended"}
		}`, "text"),
	},
	{
		Name:        "read_file",
		Description: "Read a file or list a directory. Files over 500 KB must be read via info_only, a line range, max_lines, or tail_lines.",
		Parameters: objSchema(`{
			"path": {"type": "string"},
			"info_only": {"type": "boolean", "description": "Return metadata only"},
			"start_line": {"type": "integer", "description": "1-based inclusive range start"},
			"end_line": {"type": "integer", "description": "1-based inclusive range end"},
			"max_lines": {"type": "integer", "description": "Read only the first N lines"},
			"tail_lines": {"type": "integer", "description": "Read only the last N lines"}
		}`, "path"),
	},
	{
		Name: "write_file",
		Description: "Create or edit a file. Modes: overwrite, create (fails if exists), append, insert (at insert_at_line), " +
			"replace_lines (start_line..end_line), regex_replace (pattern/replacement, scope first|all). " +
			"SSH terminals support only overwrite, create, append.",
		Parameters: objSchema(`{
			"path": {"type": "string"},
			"content": {"type": "string"},
			"mode": {"type": "string", "enum": ["overwrite", "create", "append", "insert", "replace_lines", "regex_replace"]},
			"insert_at_line": {"type": "integer"},
			"start_line": {"type": "integer"},
			"end_line": {"type": "integer"},
			"pattern": {"type": "string"},
			"replacement": {"type": "string"},
			"scope": {"type": "string", "enum": ["first", "all"]}
		}`, "path"),
	},
	{
		Name:        "remember_info",
		Description: "Save a durable fact about this host (paths, service layout, credentials location, quirks) to long-term memory. Do not save transient state.",
		Parameters: objSchema(`{
			"content": {"type": "string", "description": "The fact to remember"},
			"tags": {"type": "array", "items": {"type": "string"}}
		}`, "content"),
	},
	{
		Name:        "search_knowledge",
		Description: "Search the knowledge base and saved memories.",
		Parameters: objSchema(`{
			"query": {"type": "string"},
			"limit": {"type": "integer", "description": "Max results (default 5)"}
		}`, "query"),
	},
	{
		Name:        "get_knowledge_doc",
		Description: "Fetch a full knowledge document by id (ids come from search_knowledge).",
		Parameters: objSchema(`{
			"id": {"type": "string"}
		}`, "id"),
	},
	{
		Name:        "ask_user",
		Description: "Ask the user a question and wait up to five minutes for a reply. Provide a default when one makes sense.",
		Parameters: objSchema(`{
			"question": {"type": "string"},
			"default": {"type": "string", "description": "Used if the user does not reply in time"},
			"timeout_ms": {"type": "integer", "description": "Reply timeout, max 300000"}
		}`, "question"),
	},
	{
		Name:        "wait",
		Description: "Pause for a number of seconds (service startup, DNS propagation). Interrupted early if the user sends a message.",
		Parameters: objSchema(`{
			"seconds": {"type": "number"},
			"reason": {"type": "string"}
		}`, "seconds"),
	},
	{
		Name:        "create_plan",
		Description: "Create a step-by-step plan for a multi-stage task (max 10 steps). Only one plan can be active at a time.",
		Parameters: objSchema(`{
			"title": {"type": "string"},
			"steps": {"type": "array", "items": {"type": "object", "properties": {"title": {"type": "string"}, "description": {"type": "string"}}, "required": ["title"]}}
		}`, "title", "steps"),
	},
	{
		Name:        "update_plan",
		Description: "Update one plan step's status (pending, in_progress, completed, failed, skipped) and optionally record its result.",
		Parameters: objSchema(`{
			"step_index": {"type": "integer", "description": "0-based index into the plan steps"},
			"status": {"type": "string", "enum": ["pending", "in_progress", "completed", "failed", "skipped"]},
			"result": {"type": "string"}
		}`, "step_index", "status"),
	},
	{
		Name:        "clear_plan",
		Description: "Archive the current plan so a new one can be created.",
		Parameters:  objSchema(`{}`),
	},
}
