package agents

import "fmt"

// RunPhase names the loop phase in which a terminal failure occurred.
type RunPhase string

const (
	PhaseInputGuardrail  RunPhase = "input-guardrail"
	PhaseOutputGuardrail RunPhase = "output-guardrail"
	PhaseGeneration      RunPhase = "generation"
	PhaseDispatch        RunPhase = "dispatch"
	PhaseTransfer        RunPhase = "transfer"
)

// MaxTurnsError reports that the run exhausted its model-invocation budget.
type MaxTurnsError struct {
	Limit int
	Agent string
	Turns int
}

func (e *MaxTurnsError) Error() string {
	return fmt.Sprintf("max turns exceeded: %d model calls (limit %d, agent %q)", e.Turns, e.Limit, e.Agent)
}

// TripwireError reports that a guardrail rejected content and ended the run.
type TripwireError struct {
	Guardrail string
	Phase     RunPhase
	Agent     string
	Message   string
}

func (e *TripwireError) Error() string {
	return fmt.Sprintf("guardrail %q tripped (%s, agent %q): %s", e.Guardrail, e.Phase, e.Agent, e.Message)
}

// ToolExecutionError reports that a tool exceeded its consecutive-failure budget.
type ToolExecutionError struct {
	Tool     string
	Agent    string
	Failures int
	Last     string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed %d consecutive times (agent %q): %s", e.Tool, e.Failures, e.Agent, e.Last)
}

// HandoffError reports that a transfer could not be resolved.
type HandoffError struct {
	From   string
	To     string
	Reason string
}

func (e *HandoffError) Error() string {
	return fmt.Sprintf("handoff from %q to %q failed: %s", e.From, e.To, e.Reason)
}

// ApprovalRequiredError reports that a gated tool was called with no approval
// handler configured and no pre-supplied decision. The pending records remain
// in the broker for an out-of-band Submit.
type ApprovalRequiredError struct {
	Agent   string
	Records []ApprovalRecord
}

func (e *ApprovalRequiredError) Error() string {
	if len(e.Records) == 1 {
		return fmt.Sprintf("approval required for tool %q (token %s), no handler configured", e.Records[0].ToolName, e.Records[0].Token)
	}
	return fmt.Sprintf("approval required for %d tool calls, no handler configured", len(e.Records))
}

// StructuredOutputError reports that the final output failed schema validation
// after all retries.
type StructuredOutputError struct {
	Schema   string
	Agent    string
	Attempts int
	Cause    error
}

func (e *StructuredOutputError) Error() string {
	return fmt.Sprintf("structured output invalid after %d attempts (schema %q, agent %q): %v", e.Attempts, e.Schema, e.Agent, e.Cause)
}

func (e *StructuredOutputError) Unwrap() error { return e.Cause }

// CancelledError reports that the run was cancelled externally.
type CancelledError struct {
	Agent string
	Phase RunPhase
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("run cancelled (%s, agent %q)", e.Phase, e.Agent)
}
