// Package termpilot is an AI-driven terminal automation engine. A user
// expresses a task in natural language; the engine drives a language model
// through a tool-calling loop, executes terminal operations (local PTY or
// SSH) on the user's behalf, and returns a final answer.
//
// The core surface is the Engine, which owns per-task agent runs:
//
//	eng := termpilot.NewEngine(provider,
//		termpilot.WithTerminals(terms),
//		termpilot.WithKnowledge(store),
//		termpilot.WithLogger(logger))
//	runID, _ := eng.Run(ctx, termpilot.RunRequest{
//		Task:    "check disk usage and clean up old logs",
//		Context: agentCtx,
//	}, callbacks)
//
// Runs are actor-like: external callers interact only through Engine
// methods (Abort, AddUserMessage, ConfirmToolCall, UpdateConfig), which
// post commands into the run's mailbox. Observers attach per-run callbacks
// and receive ordered Step events.
//
// The Orchestrator is a meta-agent whose own tool-calling loop allocates
// terminals across hosts, fans a task out to per-host worker runs in
// parallel, and aggregates their results.
//
// The model client, PTY/SSH transports, knowledge store, and MCP client
// are consumed contracts: termpilot defines the interfaces and ships
// reference implementations under provider/, knowledge/, and mcp/.
package termpilot
