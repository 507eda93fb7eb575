package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolExecutor runs a tool call and returns a JSON-serialisable value, a
// *Background handle to defer the result past the current step, or an error.
type ToolExecutor func(ctx context.Context, rctx *RunContext, args json.RawMessage) (any, error)

// toolKind discriminates the dispatch behaviour of a Tool.
type toolKind int

const (
	// toolFunction is a user-supplied executor.
	toolFunction toolKind = iota
	// toolHandoff is synthesised from an agent's transfer list; executing it
	// is reserved: it instructs the runner to switch the current agent.
	toolHandoff
	// toolRemote proxies to an external tool server (MCP).
	toolRemote
)

// Tool is an agent capability: a description, an input schema, and an
// executor. A subset of tools are handoff tools synthesised by the runner;
// their execution semantics are reserved.
type Tool struct {
	name        string
	description string
	params      json.RawMessage
	compiled    *jsonschema.Schema

	kind    toolKind
	execute ToolExecutor
	target  *Handoff // handoff tools only

	requiresApproval bool
	approvalPolicy   func(ctx context.Context, args json.RawMessage) bool
	enabled          func(rctx *RunContext) bool
	timeout          time.Duration // 0 = unbounded
	maxFailures      int           // consecutive failures before the run fails; 0 = unlimited
}

// ToolOption configures a Tool at construction time.
type ToolOption func(*Tool)

// WithApproval marks the tool as requiring human approval before execution.
func WithApproval() ToolOption {
	return func(t *Tool) { t.requiresApproval = true }
}

// WithApprovalPolicy gates the tool dynamically: the policy is consulted per
// call with the call args; returning true requires approval for that call.
func WithApprovalPolicy(p func(ctx context.Context, args json.RawMessage) bool) ToolOption {
	return func(t *Tool) { t.approvalPolicy = p }
}

// WithEnabled sets a predicate deciding per run whether the tool appears in
// the catalogue. Disabled tools are filtered at catalogue time, never at
// dispatch time.
func WithEnabled(pred func(rctx *RunContext) bool) ToolOption {
	return func(t *Tool) { t.enabled = pred }
}

// Disabled removes the tool from every catalogue. Useful for staged rollout.
func Disabled() ToolOption {
	return func(t *Tool) { t.enabled = func(*RunContext) bool { return false } }
}

// WithToolTimeout bounds a single execution of the tool. Zero (default)
// means unbounded.
func WithToolTimeout(d time.Duration) ToolOption {
	return func(t *Tool) { t.timeout = d }
}

// WithMaxConsecutiveFailures fails the run with a ToolExecutionError once
// the tool has failed n times in a row. Zero (default) means unlimited.
func WithMaxConsecutiveFailures(n int) ToolOption {
	return func(t *Tool) { t.maxFailures = n }
}

// NewFunctionTool creates a tool backed by a user executor. params is a JSON
// Schema for the call arguments; nil means the tool takes no arguments.
// Panics if params is not a valid JSON Schema (programming error).
func NewFunctionTool(name, description string, params json.RawMessage, fn ToolExecutor, opts ...ToolOption) *Tool {
	return newTool(toolFunction, name, description, params, fn, opts...)
}

// NewRemoteTool creates a tool that proxies to an external tool server.
// The schema arrives from the server and is compiled for local validation;
// a schema that does not compile is kept uncompiled (the server validates).
func NewRemoteTool(name, description string, params json.RawMessage, fn ToolExecutor, opts ...ToolOption) *Tool {
	t := &Tool{
		name:        name,
		description: description,
		params:      params,
		kind:        toolRemote,
		execute:     fn,
	}
	if len(t.params) == 0 {
		t.params = emptyObjectSchema
	}
	// Best effort: remote schemas are not under our control.
	t.compiled, _ = compileSchema(name, t.params)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func newTool(kind toolKind, name, description string, params json.RawMessage, fn ToolExecutor, opts ...ToolOption) *Tool {
	t := &Tool{
		name:        name,
		description: description,
		params:      params,
		kind:        kind,
		execute:     fn,
	}
	if len(t.params) == 0 {
		t.params = emptyObjectSchema
	}
	compiled, err := compileSchema(name, t.params)
	if err != nil {
		panic(fmt.Sprintf("agents: tool %q: invalid parameter schema: %v", name, err))
	}
	t.compiled = compiled
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the tool's catalogue name.
func (t *Tool) Name() string { return t.name }

// Description returns the tool's catalogue description.
func (t *Tool) Description() string { return t.description }

// Definition returns the catalogue entry handed to the model.
func (t *Tool) Definition() ToolDefinition {
	return ToolDefinition{Name: t.name, Description: t.description, Parameters: t.params}
}

// isEnabled reports whether the tool appears in the catalogue for this run.
func (t *Tool) isEnabled(rctx *RunContext) bool {
	if t.enabled == nil {
		return true
	}
	return t.enabled(rctx)
}

// needsApproval reports whether this call must wait for a decision.
func (t *Tool) needsApproval(ctx context.Context, args json.RawMessage) bool {
	if t.approvalPolicy != nil {
		return t.approvalPolicy(ctx, args)
	}
	return t.requiresApproval
}
