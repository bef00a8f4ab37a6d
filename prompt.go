package termpilot

import (
	"fmt"
	"strings"
)

// HostProfile is what the prompt builder knows about the target host.
type HostProfile struct {
	Name           string   `json:"name,omitempty"`
	OS             string   `json:"os,omitempty"`
	Shell          string   `json:"shell,omitempty"`
	InstalledTools []string `json:"installed_tools,omitempty"`
	Notes          string   `json:"notes,omitempty"`
}

// PromptOptions collects everything the system prompt is assembled from.
// Knowledge snippets and memories arrive pre-fetched as text; the builder
// stays a pure function.
type PromptOptions struct {
	Context           AgentContext
	Profile           *HostProfile
	Persona           string
	KnowledgeSnippets []string
	Memories          []string
	Config            AgentConfig
	Worker            *WorkerOptions
}

// BuildSystemPrompt assembles the system prompt from context, host
// profile, persona, knowledge snippets, memories, and execution mode.
func BuildSystemPrompt(opts PromptOptions) string {
	var b strings.Builder

	if opts.Persona != "" {
		b.WriteString(opts.Persona)
		b.WriteString("\n\n")
	} else {
		b.WriteString("You are a terminal automation agent. You complete the user's task by driving a real terminal through the provided tools.\n\n")
	}

	if opts.Worker != nil && opts.Worker.IsWorker {
		b.WriteString("You are running as a WORKER agent dispatched by an orchestrator. ")
		b.WriteString("Focus only on the assigned task on this terminal. Report a concise, factual result; the orchestrator aggregates across hosts.\n\n")
	}

	b.WriteString("## Environment\n")
	fmt.Fprintf(&b, "- OS: %s\n", orUnknown(opts.Context.SystemInfo.OS))
	fmt.Fprintf(&b, "- Shell: %s\n", orUnknown(opts.Context.SystemInfo.Shell))
	fmt.Fprintf(&b, "- Terminal type: %s\n", opts.Context.TerminalType)
	if opts.Context.HostID != "" {
		fmt.Fprintf(&b, "- Host: %s\n", opts.Context.HostID)
	}

	if p := opts.Profile; p != nil {
		b.WriteString("\n## Host profile\n")
		if p.Name != "" {
			fmt.Fprintf(&b, "- Name: %s\n", p.Name)
		}
		if p.OS != "" {
			fmt.Fprintf(&b, "- OS: %s\n", p.OS)
		}
		if len(p.InstalledTools) > 0 {
			fmt.Fprintf(&b, "- Installed tools: %s\n", strings.Join(p.InstalledTools, ", "))
		}
		if p.Notes != "" {
			fmt.Fprintf(&b, "- Notes: %s\n", p.Notes)
		}
	}

	switch opts.Config.ExecutionMode {
	case ModeStrict:
		b.WriteString("\nEvery command requires user confirmation before it runs. Prefer small, reviewable steps.\n")
	case ModeFree:
		b.WriteString("\nCommands execute without confirmation. Be conservative: prefer read-only inspection before mutating anything.\n")
	default:
		b.WriteString("\nDangerous commands require user confirmation; routine commands run automatically.\n")
	}

	if len(opts.Memories) > 0 {
		b.WriteString("\n## Remembered facts about this host\n")
		for _, m := range opts.Memories {
			fmt.Fprintf(&b, "- %s\n", m)
		}
	}

	if len(opts.KnowledgeSnippets) > 0 {
		b.WriteString("\n## Relevant knowledge\n")
		for _, s := range opts.KnowledgeSnippets {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	if opts.Context.DocumentContext != "" {
		b.WriteString("\n## Reference document\n")
		b.WriteString(opts.Context.DocumentContext)
		b.WriteString("\n")
	}

	if n := len(opts.Context.PreviousFailedAgents); n > 0 {
		b.WriteString("\n## Previous failed attempts\n")
		for i, f := range opts.Context.PreviousFailedAgents {
			fmt.Fprintf(&b, "%d. task: %s — failed: %s\n", i+1, f.Task, f.Reason)
		}
		b.WriteString("Avoid repeating the same approach.\n")
	}

	if opts.Context.TerminalOutput != "" {
		b.WriteString("\n## Current terminal snapshot\n```\n")
		b.WriteString(strings.Join(lastLines(opts.Context.TerminalOutput, 40), "\n"))
		b.WriteString("\n```\n")
	}

	b.WriteString("\n## Rules\n")
	b.WriteString("- Use execute_command for shell work; never assume output you did not observe.\n")
	b.WriteString("- Use write_file for file edits instead of interactive editors.\n")
	b.WriteString("- Keep the plan updated as steps complete.\n")
	b.WriteString("- When the task is done, reply with a final answer and no tool calls.\n")

	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
