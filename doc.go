// Package agents is a framework for building autonomous LLM-driven agents.
//
// The core is a deterministic runner that, given an Agent and an input,
// drives a bounded multi-step loop: the model proposes text, tool calls, or
// transfers to peer agents; the runner dispatches tool calls in parallel,
// integrates results back into the conversation, and decides when to stop.
//
//	answer := agents.New("assistant", model,
//	    agents.WithInstructions("You are a helpful assistant."),
//	    agents.WithTools(searchTool))
//	result, err := agents.Run(ctx, answer, agents.Text("what's new?"))
//
// Around the runner sit pluggable collaborators: Session storage
// (session/inmem, session/sqlite, session/postgres), guardrails with
// tripwire semantics, an approval broker for human-gated tools, MCP tool
// servers (mcp package), and tracing (observer package, OpenTelemetry).
//
// RunStream exposes the same state machine as an ordered event feed;
// RaceAgents runs several agents and keeps the first to finish.
package agents
