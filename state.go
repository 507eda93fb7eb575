package agents

import (
	"context"
	"encoding/json"
	"log/slog"
)

// RunContext is the per-run mutable state. It is owned by the runner for
// the duration of the run; tool executors and guardrails receive it for
// read access and for the user context value. The core neither locks nor
// snapshots the user Context value — mutation from tools is the user's
// responsibility.
type RunContext struct {
	// Context is the user-supplied context value, opaque to the core.
	Context any

	runID   string
	runtime *Runtime
	tracer  Tracer
	logger  *slog.Logger
	ctx     context.Context

	agent *Agent
	input Input

	// items is the canonical append-only run log. Filters rewrite the view
	// in messages, never this log.
	items []RunItem
	// messages is the working conversation view handed to the model
	// (system prompt excluded).
	messages []ChatMessage
	// newMessages are the messages generated this run, for session append.
	newMessages []ChatMessage
	// integratedMessages is how many newMessages belong to fully completed
	// steps; on failure only these are persisted.
	integratedMessages int

	steps       int // steps executed by the current agent
	turns       int // model invocations across the whole run
	usage       Usage
	stepResults []StepResult
	finalParsed json.RawMessage

	handoffChain     []string
	warnings         []string
	pendingApprovals []ApprovalRecord
	background       []*pendingBackground
	consecFails      map[string]int
	decisions        map[string]ApprovalDecision

	catalogue map[string]*Tool

	ch chan<- StreamEvent // nil in blocking mode
}

// pendingBackground tracks one deferred tool result awaiting its value.
type pendingBackground struct {
	itemIndex int
	toolName  string
	callID    string
	bg        *Background
}

// RunID returns the unique, time-sortable run identifier.
func (rctx *RunContext) RunID() string { return rctx.runID }

// CurrentAgent returns the agent currently driving the run.
func (rctx *RunContext) CurrentAgent() *Agent { return rctx.agent }

// Turns returns the number of model invocations so far.
func (rctx *RunContext) Turns() int { return rctx.turns }

// Steps returns the current agent's step count.
func (rctx *RunContext) Steps() int { return rctx.steps }

// Usage returns the tokens consumed so far.
func (rctx *RunContext) Usage() Usage { return rctx.usage }

// Items returns a copy of the run log so far.
func (rctx *RunContext) Items() []RunItem {
	out := make([]RunItem, len(rctx.items))
	copy(out, rctx.items)
	return out
}

func (rctx *RunContext) appendItem(item RunItem) {
	rctx.items = append(rctx.items, item)
}

func (rctx *RunContext) lastItem() *RunItem {
	if len(rctx.items) == 0 {
		return nil
	}
	return &rctx.items[len(rctx.items)-1]
}

func (rctx *RunContext) addUsage(u Usage) {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	rctx.usage.Add(u)
}

func (rctx *RunContext) addWarning(msg string) {
	rctx.warnings = append(rctx.warnings, msg)
	rctx.logger.Warn(msg, "run_id", rctx.runID, "agent", rctx.agent.Name())
}

// emit delivers a streaming event in order. No-op in blocking mode; bails
// out when the consumer abandoned the stream. Items are snapshotted so a
// consumer never aliases log entries the runner may still amend (deferred
// background results).
func (rctx *RunContext) emit(ev StreamEvent) {
	if rctx.ch == nil {
		return
	}
	if ev.Step == 0 {
		ev.Step = rctx.steps
	}
	if ev.Item != nil {
		item := *ev.Item
		if item.Result != nil {
			payload := *item.Result
			item.Result = &payload
		}
		ev.Item = &item
	}
	select {
	case rctx.ch <- ev:
	case <-rctx.ctx.Done():
	}
}

// --- Run options ---

type runOptions struct {
	runtime           *Runtime
	session           Session
	summarization     Summarization
	contextValue      any
	maxTurns          int
	tracer            Tracer
	tracerSet         bool
	logger            *slog.Logger
	decisions         map[string]ApprovalDecision
	structuredRetries int
	retriesSet        bool
	extraTools        []*Tool
}

// RunOption configures a single run.
type RunOption func(*runOptions)

// WithSession binds a session: prior history is prefixed to the prompt and
// the run's new messages are appended on completion.
func WithSession(s Session) RunOption {
	return func(o *runOptions) { o.session = s }
}

// WithSummarization configures collapsing of old session history before it
// is prefixed to the run.
func WithSummarization(s Summarization) RunOption {
	return func(o *runOptions) { o.summarization = s }
}

// WithContextValue attaches a user context value, exposed to tools,
// guardrails, and dynamic instructions via RunContext.Context.
func WithContextValue(v any) RunOption {
	return func(o *runOptions) { o.contextValue = v }
}

// WithMaxTurns caps model invocations for this run. Exceeding the cap fails
// the run with a MaxTurnsError.
func WithMaxTurns(n int) RunOption {
	return func(o *runOptions) { o.maxTurns = n }
}

// WithTracer overrides the runtime tracer for this run.
func WithTracer(t Tracer) RunOption {
	return func(o *runOptions) { o.tracer = t; o.tracerSet = true }
}

// WithLogger overrides the runtime logger for this run.
func WithLogger(l *slog.Logger) RunOption {
	return func(o *runOptions) { o.logger = l }
}

// WithRuntime runs against a private Runtime instead of the runner's.
// Used for test isolation and per-tenant brokers.
func WithRuntime(rt *Runtime) RunOption {
	return func(o *runOptions) { o.runtime = rt }
}

// WithApprovalDecision pre-supplies a decision for any call equivalent to
// {toolName, args}: such calls skip the broker entirely.
func WithApprovalDecision(toolName string, args json.RawMessage, d ApprovalDecision) RunOption {
	return func(o *runOptions) {
		if o.decisions == nil {
			o.decisions = make(map[string]ApprovalDecision)
		}
		o.decisions[approvalKey(toolName, args)] = d
	}
}

// WithStructuredOutputRetries sets how many corrective re-generations are
// attempted after a schema validation failure.
func WithStructuredOutputRetries(n int) RunOption {
	return func(o *runOptions) { o.structuredRetries = n; o.retriesSet = true }
}

// WithExtraTools attaches tools to the catalogue for this run on top of the
// agent's own, e.g. tools discovered from attached MCP servers.
func WithExtraTools(tools ...*Tool) RunOption {
	return func(o *runOptions) { o.extraTools = append(o.extraTools, tools...) }
}

// buildRunOptions resolves options against runtime defaults.
func buildRunOptions(rt *Runtime, opts []RunOption) *runOptions {
	o := &runOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.runtime == nil {
		o.runtime = rt
	}
	cfg := o.runtime.config
	if o.maxTurns <= 0 {
		o.maxTurns = cfg.MaxTurns
	}
	if !o.retriesSet {
		o.structuredRetries = cfg.StructuredOutputRetries
	}
	if !o.tracerSet {
		o.tracer = o.runtime.tracer
	}
	if o.logger == nil {
		o.logger = o.runtime.logger
	}
	if o.summarization.SummarizeAfter == 0 && cfg.SummarizeAfter > 0 {
		o.summarization = Summarization{
			SummarizeAfter: cfg.SummarizeAfter,
			KeepRecent:     cfg.KeepRecentMessages,
		}
	}
	return o
}
