package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// InstructionsFunc resolves an agent's system prompt from the run context.
type InstructionsFunc func(ctx context.Context, rctx *RunContext) (string, error)

// AgentHooks are optional lifecycle callbacks. Nil fields are skipped.
type AgentHooks struct {
	// OnStart fires when the agent becomes current (run start or handoff).
	OnStart func(ctx context.Context, rctx *RunContext, agent *Agent)
	// OnEnd fires when the agent produces the run's final output.
	OnEnd func(ctx context.Context, rctx *RunContext, agent *Agent, result *RunResult)
	// OnHandoff fires on the receiving agent when a transfer resolves.
	OnHandoff func(ctx context.Context, rctx *RunContext, from, to *Agent)
}

// Agent is a named configuration bundle the runner can drive: a prompt
// source, a model, tools, transfer targets, guardrails, and limits.
// Agents are treated as read-only after construction and may be shared
// across concurrent runs.
type Agent struct {
	name               string
	instructions       string
	instructionsFn     InstructionsFunc
	handoffDescription string
	model              Model
	tools              []*Tool
	handoffs           []Handoff
	inputGuardrails    []Guardrail
	outputGuardrails   []Guardrail
	outputSchema       *OutputSchema
	maxSteps           int
	settings           *ModelSettings
	shouldFinish       func(rctx *RunContext, resp ModelResponse) bool
	hooks              AgentHooks

	// handoffTools are synthesised once at construction, one per target.
	handoffTools []*Tool
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithInstructions sets a literal system prompt.
func WithInstructions(s string) AgentOption {
	return func(a *Agent) { a.instructions = s }
}

// WithInstructionsFunc sets a dynamic system prompt resolved per model call.
// Takes precedence over WithInstructions.
func WithInstructionsFunc(f InstructionsFunc) AgentOption {
	return func(a *Agent) { a.instructionsFn = f }
}

// WithHandoffDescription sets the description used when this agent is a
// transfer target of a peer.
func WithHandoffDescription(s string) AgentOption {
	return func(a *Agent) { a.handoffDescription = s }
}

// WithTools adds tools to the agent.
func WithTools(tools ...*Tool) AgentOption {
	return func(a *Agent) { a.tools = append(a.tools, tools...) }
}

// WithHandoffs adds transfer targets. Targets are agent values, never names,
// so an unresolved handoff cannot be expressed.
func WithHandoffs(targets ...*Agent) AgentOption {
	return func(a *Agent) {
		for _, t := range targets {
			a.handoffs = append(a.handoffs, Handoff{Target: t})
		}
	}
}

// WithFilteredHandoff adds a transfer target whose view of the conversation
// is rewritten by filter on activation.
func WithFilteredHandoff(target *Agent, filter HandoffInputFilter) AgentOption {
	return func(a *Agent) {
		a.handoffs = append(a.handoffs, Handoff{Target: target, InputFilter: filter})
	}
}

// WithInputGuardrails adds guardrails run over the latest user utterance
// before the agent's first model call.
func WithInputGuardrails(gs ...Guardrail) AgentOption {
	return func(a *Agent) { a.inputGuardrails = append(a.inputGuardrails, gs...) }
}

// WithOutputGuardrails adds guardrails run over candidate final messages.
func WithOutputGuardrails(gs ...Guardrail) AgentOption {
	return func(a *Agent) { a.outputGuardrails = append(a.outputGuardrails, gs...) }
}

// WithOutputSchema requires the agent's final output to validate against
// the schema.
func WithOutputSchema(s *OutputSchema) AgentOption {
	return func(a *Agent) { a.outputSchema = s }
}

// WithMaxSteps caps the steps this agent may execute while current.
// Exceeding the cap forces a finish with FinishReason "length".
func WithMaxSteps(n int) AgentOption {
	return func(a *Agent) { a.maxSteps = n }
}

// WithModelSettings sets per-agent generation parameters.
func WithModelSettings(s *ModelSettings) AgentOption {
	return func(a *Agent) { a.settings = s }
}

// WithShouldFinish installs a predicate consulted after every model
// response; returning true finishes the run with the response text.
func WithShouldFinish(f func(rctx *RunContext, resp ModelResponse) bool) AgentOption {
	return func(a *Agent) { a.shouldFinish = f }
}

// WithHooks installs lifecycle callbacks.
func WithHooks(h AgentHooks) AgentOption {
	return func(a *Agent) { a.hooks = h }
}

// New creates an Agent with the given name and model.
func New(name string, model Model, opts ...AgentOption) *Agent {
	a := &Agent{name: name, model: model}
	for _, opt := range opts {
		opt(a)
	}
	for _, h := range a.handoffs {
		a.handoffTools = append(a.handoffTools, synthesizeHandoffTool(h))
	}
	return a
}

// Name returns the agent's identifier.
func (a *Agent) Name() string { return a.name }

// HandoffDescription returns the description peers use for this agent's
// transfer tool.
func (a *Agent) HandoffDescription() string { return a.handoffDescription }

// resolveInstructions returns the system prompt for the current model call.
func (a *Agent) resolveInstructions(ctx context.Context, rctx *RunContext) (string, error) {
	if a.instructionsFn != nil {
		return a.instructionsFn(ctx, rctx)
	}
	return a.instructions, nil
}

// agentToolParams is the input schema for agent-as-tool adaptors.
var agentToolParams = json.RawMessage(`{"type":"object","properties":{"input":{"type":"string","description":"Task for the agent, in natural language"}},"required":["input"]}`)

// AsTool converts the agent into a Tool whose executor runs the agent on
// the call input and returns its final output. The nested run shares the
// caller's context value and runtime but has its own budgets and history.
func (a *Agent) AsTool(name, description string) *Tool {
	if name == "" {
		name = "agent_" + strings.TrimPrefix(HandoffToolName(a.name), handoffToolPrefix)
	}
	if description == "" {
		description = a.handoffDescription
	}
	return NewFunctionTool(name, description, agentToolParams, func(ctx context.Context, rctx *RunContext, args json.RawMessage) (any, error) {
		var params struct {
			Input string `json:"input"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, fmt.Errorf("invalid agent call args: %w", err)
		}
		var opts []RunOption
		if rctx != nil {
			opts = append(opts, WithContextValue(rctx.Context), WithRuntime(rctx.runtime))
		}
		result, err := Run(ctx, a, Text(params.Input), opts...)
		if err != nil {
			return nil, err
		}
		if rctx != nil {
			rctx.addUsage(result.Usage)
		}
		return result.FinalOutput, nil
	})
}
