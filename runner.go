package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Runner drives agents through the step/turn loop. A Runner is cheap and
// safe for concurrent use; all mutable state lives in the per-run
// RunContext. Runs on the same Runner share its Runtime (approval broker,
// tracer, logger, config).
type Runner struct {
	rt *Runtime
}

// NewRunner creates a Runner on the given runtime. A nil runtime uses the
// process-wide default.
func NewRunner(rt *Runtime) *Runner {
	if rt == nil {
		rt = DefaultRuntime()
	}
	return &Runner{rt: rt}
}

// Run drives agent over input until it produces a final output, exhausts a
// budget, trips a guardrail, or is cancelled. On terminal failure the
// returned result still carries the partial state (items, steps, usage,
// pending approvals) alongside the error.
func (r *Runner) Run(ctx context.Context, agent *Agent, input Input, opts ...RunOption) (*RunResult, error) {
	return r.run(ctx, agent, input, opts, nil)
}

// RunStream exposes the same state machine as an ordered event feed for a
// single consumer. Abandoning the stream (Close) cancels the in-flight
// model call and pending tool executions and detaches background handles.
func (r *Runner) RunStream(ctx context.Context, agent *Agent, input Input, opts ...RunOption) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := newStream(cancel)
	go func() {
		result, err := r.run(ctx, agent, input, opts, s.events)
		close(s.events)
		s.finish(result, err)
		cancel()
	}()
	return s
}

// Run drives agent on the process-wide default runtime.
func Run(ctx context.Context, agent *Agent, input Input, opts ...RunOption) (*RunResult, error) {
	return NewRunner(nil).Run(ctx, agent, input, opts...)
}

// RunStream streams a run on the process-wide default runtime.
func RunStream(ctx context.Context, agent *Agent, input Input, opts ...RunOption) *Stream {
	return NewRunner(nil).RunStream(ctx, agent, input, opts...)
}

// run binds the run state and executes the loop. ch is nil in blocking mode.
func (r *Runner) run(ctx context.Context, agent *Agent, input Input, opts []RunOption, ch chan<- StreamEvent) (*RunResult, error) {
	if agent == nil {
		return nil, fmt.Errorf("agents: nil agent")
	}
	o := buildRunOptions(r.rt, opts)
	rctx := &RunContext{
		Context:     o.contextValue,
		runID:       NewID(),
		runtime:     o.runtime,
		tracer:      o.tracer,
		logger:      o.logger,
		agent:       agent,
		input:       input,
		consecFails: make(map[string]int),
		decisions:   o.decisions,
		ch:          ch,
	}

	ctx, rootSpan := startSpan(ctx, rctx.tracer, "agent.run",
		StringAttr("agent", agent.Name()),
		StringAttr("run_id", rctx.runID))
	defer endSpan(rootSpan)
	rctx.ctx = ctx

	if o.session != nil {
		prior, err := loadSessionHistory(ctx, rctx, o.session, o.summarization)
		if err != nil {
			spanError(rootSpan, err)
			return rctx.buildResult("", ""), err
		}
		rctx.messages = append(rctx.messages, prior...)
	}

	for _, m := range input.messages {
		msg := m
		rctx.messages = append(rctx.messages, msg)
		rctx.newMessages = append(rctx.newMessages, msg)
		rctx.appendItem(RunItem{Kind: ItemMessage, Agent: agent.Name(), Message: &msg})
	}
	rctx.integratedMessages = len(rctx.newMessages)
	rctx.handoffChain = append(rctx.handoffChain, agent.Name())
	rctx.emit(StreamEvent{Kind: EventAgentUpdated, Agent: agent.Name()})

	result, runErr := r.loop(ctx, rctx, o)

	if o.session != nil {
		msgs := rctx.newMessages
		if runErr != nil {
			// Partial steps are discarded; only fully integrated steps persist.
			msgs = msgs[:rctx.integratedMessages]
		}
		if werr := writeSessionHistory(ctx, rctx, o.session, msgs); werr != nil {
			if runErr == nil {
				runErr = werr
			} else {
				rctx.addWarning(fmt.Sprintf("session write failed: %v", werr))
			}
			result = rctx.buildResult(result.FinalOutput, result.FinishReason)
		}
	}

	if runErr != nil {
		spanError(rootSpan, runErr)
		rctx.logger.Error("run failed", "run_id", rctx.runID, "agent", rctx.agent.Name(), "error", runErr)
		rctx.emit(StreamEvent{Kind: EventError, Agent: rctx.agent.Name(), Err: runErr})
		return result, runErr
	}

	if rctx.agent.hooks.OnEnd != nil {
		rctx.agent.hooks.OnEnd(ctx, rctx, rctx.agent, result)
	}
	rctx.logger.Info("run completed",
		"run_id", rctx.runID,
		"agent", rctx.agent.Name(),
		"turns", rctx.turns,
		"tokens.input", result.Usage.InputTokens,
		"tokens.output", result.Usage.OutputTokens)
	rctx.emit(StreamEvent{Kind: EventFinish, Agent: rctx.agent.Name(), Result: result})
	return result, nil
}

// loop is the step/turn state machine shared by blocking and streaming runs.
func (r *Runner) loop(ctx context.Context, rctx *RunContext, o *runOptions) (*RunResult, error) {
	needsActivation := true
	retriesUsed := 0
	var lastAssistantText string

	for {
		if ctx.Err() != nil {
			return rctx.buildResult("", ""), &CancelledError{Agent: rctx.agent.Name(), Phase: PhaseGeneration}
		}
		cur := rctx.agent

		// Input guardrails gate the agent's first model call, once per
		// activation (run start and every handoff).
		if needsActivation {
			if cur.hooks.OnStart != nil {
				cur.hooks.OnStart(ctx, rctx, cur)
			}
			if err := runGuardrails(ctx, rctx, "in", cur.inputGuardrails, rctx.input.lastUserText()); err != nil {
				return rctx.buildResult("", ""), err
			}
			needsActivation = false
		}

		// Step budget: exhausting it forces a finish, not a failure.
		if cur.maxSteps > 0 && rctx.steps >= cur.maxSteps {
			rctx.logger.Warn("step budget reached, forcing finish",
				"run_id", rctx.runID, "agent", cur.Name(), "steps", rctx.steps)
			return r.finish(ctx, rctx, lastAssistantText, "length", nil)
		}

		defs := rctx.buildCatalogue(o)
		system, err := cur.resolveInstructions(ctx, rctx)
		if err != nil {
			return rctx.buildResult("", ""), fmt.Errorf("resolve instructions (agent %q): %w", cur.Name(), err)
		}

		stepCtx, stepSpan := startSpan(ctx, rctx.tracer, "agent.step",
			StringAttr("agent", cur.Name()),
			IntAttr("step", rctx.steps),
			IntAttr("turn", rctx.turns))

		req := ModelRequest{
			System:         system,
			Messages:       rctx.messages,
			Tools:          defs,
			Settings:       cur.settings,
			ResponseSchema: cur.outputSchema,
		}
		resp, err := rctx.generate(stepCtx, cur, req)
		if err != nil {
			spanError(stepSpan, err)
			endSpan(stepSpan)
			if ctx.Err() != nil {
				return rctx.buildResult("", ""), &CancelledError{Agent: cur.Name(), Phase: PhaseGeneration}
			}
			return rctx.buildResult("", ""), fmt.Errorf("generation failed (agent %q, turn %d): %w", cur.Name(), rctx.turns, err)
		}

		if resp.Reasoning != "" {
			rctx.appendItem(RunItem{Kind: ItemReasoning, Step: rctx.steps, Agent: cur.Name(), Reasoning: resp.Reasoning})
		}

		if cur.shouldFinish != nil && cur.shouldFinish(rctx, resp) {
			endSpan(stepSpan)
			return r.finish(ctx, rctx, resp.Text, "stop", &resp)
		}

		// Partition the response: a transfer wins over ordinary tool calls.
		var handoffCall *ToolCall
		extra := 0
		for i := range resp.ToolCalls {
			t := rctx.catalogue[resp.ToolCalls[i].Name]
			if t != nil && t.kind == toolHandoff {
				if handoffCall == nil {
					handoffCall = &resp.ToolCalls[i]
				} else {
					extra++
				}
			} else {
				extra++
			}
		}

		// Turn budget: a hard cap on model invocations. A response that
		// would continue the loop once the last turn is spent fails here,
		// before any of its calls are dispatched.
		if (handoffCall != nil || len(resp.ToolCalls) > 0) && rctx.turns >= o.maxTurns {
			endSpan(stepSpan)
			return rctx.buildResult("", ""), &MaxTurnsError{Limit: o.maxTurns, Agent: cur.Name(), Turns: rctx.turns}
		}

		if handoffCall != nil {
			if extra > 0 {
				rctx.addWarning(fmt.Sprintf("discarded %d tool calls accompanying transfer %s", extra, handoffCall.Name))
			}
			if err := rctx.performHandoff(stepCtx, *handoffCall, resp); err != nil {
				endSpan(stepSpan)
				return rctx.buildResult("", ""), err
			}
			endSpan(stepSpan)
			needsActivation = true
			continue
		}

		if len(resp.ToolCalls) > 0 {
			// Tool calls take precedence over accompanying text; the text is
			// retained in history but does not terminate the run.
			rctx.appendAssistant(resp)
			if resp.Text != "" {
				lastAssistantText = resp.Text
			}
			derr := dispatchBatch(stepCtx, rctx, resp.ToolCalls)
			rctx.closeStep(stepSpan)
			if derr != nil {
				if ctx.Err() != nil {
					return rctx.buildResult("", ""), &CancelledError{Agent: cur.Name(), Phase: PhaseDispatch}
				}
				return rctx.buildResult("", ""), derr
			}
			continue
		}

		// Text only: candidate final message.
		final := resp.Text
		lastAssistantText = final
		if cur.outputSchema != nil {
			parsed, verr := cur.outputSchema.Validate(final)
			if verr != nil {
				// A corrective retry needs another model call; the turn
				// budget still binds.
				if retriesUsed < o.structuredRetries && rctx.turns >= o.maxTurns {
					endSpan(stepSpan)
					return rctx.buildResult("", ""), &MaxTurnsError{Limit: o.maxTurns, Agent: cur.Name(), Turns: rctx.turns}
				}
				if retriesUsed < o.structuredRetries {
					retriesUsed++
					rctx.appendAssistant(resp)
					corrective := UserMessage(fmt.Sprintf(
						"Your response did not match the required %s format: %v. Reply again with only valid JSON matching the schema.",
						cur.outputSchema.Name, verr))
					rctx.messages = append(rctx.messages, corrective)
					rctx.newMessages = append(rctx.newMessages, corrective)
					msg := corrective
					rctx.appendItem(RunItem{Kind: ItemMessage, Step: rctx.steps, Agent: cur.Name(), Message: &msg})
					rctx.closeStep(stepSpan)
					continue
				}
				endSpan(stepSpan)
				return rctx.buildResult("", ""), &StructuredOutputError{
					Schema:   cur.outputSchema.Name,
					Agent:    cur.Name(),
					Attempts: retriesUsed + 1,
					Cause:    verr,
				}
			}
			rctx.finalParsed = parsed
		}

		endSpan(stepSpan)
		return r.finish(ctx, rctx, final, "stop", &resp)
	}
}

// finish applies output guardrails, integrates the final message, joins
// outstanding background handles, and assembles the result. resp is nil on
// a forced (step-budget) finish, where the last assistant message stands.
func (r *Runner) finish(ctx context.Context, rctx *RunContext, final, reason string, resp *ModelResponse) (*RunResult, error) {
	if err := runGuardrails(ctx, rctx, "out", rctx.agent.outputGuardrails, final); err != nil {
		return rctx.buildResult("", ""), err
	}
	if resp != nil {
		rctx.appendAssistant(*resp)
		rctx.closeStep(nil)
	}

	// Join phase: every deferred result materialises before the run is done.
	joinBackgrounds(ctx, rctx)
	if ctx.Err() != nil {
		return rctx.buildResult("", ""), &CancelledError{Agent: rctx.agent.Name(), Phase: PhaseDispatch}
	}
	return rctx.buildResult(final, reason), nil
}

// generate performs one model invocation, counting the turn and recording
// the step result. In streaming mode, raw deltas are forwarded to the
// consumer tagged with the current step and agent.
func (rctx *RunContext) generate(ctx context.Context, cur *Agent, req ModelRequest) (ModelResponse, error) {
	gctx, span := startSpan(ctx, rctx.tracer, "llm.generate",
		StringAttr("model", cur.model.Name()),
		IntAttr("turn", rctx.turns+1))
	defer endSpan(span)

	rctx.turns++
	start := time.Now()

	var resp ModelResponse
	var err error
	if rctx.ch != nil {
		mid := make(chan StreamEvent, 64)
		forwarded := make(chan struct{})
		go func() {
			defer close(forwarded)
			for ev := range mid {
				ev.Kind = EventRawModelDelta
				ev.Agent = cur.Name()
				rctx.emit(ev)
			}
		}()
		resp, err = cur.model.GenerateStream(gctx, req, mid)
		close(mid)
		<-forwarded
	} else {
		resp, err = cur.model.Generate(gctx, req)
	}
	if err != nil {
		spanError(span, err)
		return resp, err
	}

	usage := resp.Usage
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	rctx.usage.Add(usage)
	rctx.stepResults = append(rctx.stepResults, StepResult{
		Agent:      cur.Name(),
		Turn:       rctx.turns,
		Usage:      usage,
		DurationMS: time.Since(start).Milliseconds(),
		ToolCalls:  resp.ToolCalls,
	})
	if span != nil {
		span.SetAttr(
			IntAttr("tokens.input", usage.InputTokens),
			IntAttr("tokens.output", usage.OutputTokens),
			IntAttr("tool_calls", len(resp.ToolCalls)))
	}
	return resp, nil
}

// appendAssistant integrates a model response message into the log, the
// working view, and the session batch.
func (rctx *RunContext) appendAssistant(resp ModelResponse) {
	m := ChatMessage{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls}
	rctx.messages = append(rctx.messages, m)
	rctx.newMessages = append(rctx.newMessages, m)
	msg := m
	rctx.appendItem(RunItem{Kind: ItemMessage, Step: rctx.steps, Agent: rctx.agent.Name(), Message: &msg})
	rctx.emit(StreamEvent{Kind: EventMessageOutput, Agent: rctx.agent.Name(), Item: rctx.lastItem()})
}

// closeStep advances the step counter, marks the integration point for
// session writes, and emits the step-finish event.
func (rctx *RunContext) closeStep(span Span) {
	rctx.emit(StreamEvent{Kind: EventStepFinish, Agent: rctx.agent.Name(), Step: rctx.steps})
	rctx.steps++
	rctx.integratedMessages = len(rctx.newMessages)
	endSpan(span)
}

// buildCatalogue assembles the active tool set for the next model call:
// the agent's enabled tools, one synthesised transfer tool per handoff
// target, and externally attached tools. Disabled tools are filtered here,
// never at dispatch time.
func (rctx *RunContext) buildCatalogue(o *runOptions) []ToolDefinition {
	rctx.catalogue = make(map[string]*Tool)
	var defs []ToolDefinition
	add := func(t *Tool) {
		if !t.isEnabled(rctx) {
			return
		}
		if _, dup := rctx.catalogue[t.name]; dup {
			return
		}
		rctx.catalogue[t.name] = t
		defs = append(defs, t.Definition())
	}
	for _, t := range rctx.agent.tools {
		add(t)
	}
	for _, t := range rctx.agent.handoffTools {
		add(t)
	}
	for _, t := range o.extraTools {
		add(t)
	}
	return defs
}

// performHandoff resolves a transfer: records the call and resolution,
// swaps the current agent, resets the per-agent step counter, and rewrites
// the new agent's view through the target's input filter. The turn counter
// is preserved; the canonical log keeps every item.
func (rctx *RunContext) performHandoff(ctx context.Context, tc ToolCall, resp ModelResponse) error {
	tool := rctx.catalogue[tc.Name]
	if tool == nil || tool.target == nil || tool.target.Target == nil {
		return &HandoffError{From: rctx.agent.Name(), To: tc.Name, Reason: "transfer target not resolved"}
	}
	h := tool.target
	from := rctx.agent
	to := h.Target
	reason := handoffReason(tc.Args)

	hctx, span := startSpan(ctx, rctx.tracer, "agent.handoff",
		StringAttr("from", from.Name()),
		StringAttr("to", to.Name()))
	defer endSpan(span)

	// The view before transfer artefacts is what input filters operate on.
	viewBase := rctx.messages

	assistant := ChatMessage{Role: "assistant", Content: resp.Text, ToolCalls: []ToolCall{tc}}
	toolMsg := ToolResultMessage(tc.ID, "transferred to "+to.Name())
	rctx.messages = append(rctx.messages, assistant, toolMsg)
	rctx.newMessages = append(rctx.newMessages, assistant, toolMsg)

	rctx.appendItem(RunItem{
		Kind:    ItemHandoffCall,
		Step:    rctx.steps,
		Agent:   from.Name(),
		Handoff: &HandoffPayload{From: from.Name(), To: to.Name(), Reason: reason},
	})
	rctx.appendItem(RunItem{
		Kind:    ItemHandoffResult,
		Step:    rctx.steps,
		Agent:   from.Name(),
		Handoff: &HandoffPayload{From: from.Name(), To: to.Name()},
	})
	rctx.emit(StreamEvent{Kind: EventTransfer, Agent: from.Name(), Item: rctx.lastItem()})

	rctx.agent = to
	rctx.steps = 0
	rctx.handoffChain = append(rctx.handoffChain, to.Name())
	rctx.integratedMessages = len(rctx.newMessages)

	if h.InputFilter != nil {
		rctx.messages = h.InputFilter(viewBase)
	}
	if to.hooks.OnHandoff != nil {
		to.hooks.OnHandoff(hctx, rctx, from, to)
	}
	rctx.logger.Info("handoff resolved", "run_id", rctx.runID, "from", from.Name(), "to", to.Name(), "reason", reason)
	rctx.emit(StreamEvent{Kind: EventAgentUpdated, Agent: to.Name()})
	return nil
}

// buildResult assembles a RunResult from the current state. Used for both
// successful finishes and the partial state attached to terminal failures.
func (rctx *RunContext) buildResult(final, reason string) *RunResult {
	var parsed json.RawMessage
	if reason != "" {
		parsed = rctx.finalParsed
	}
	return &RunResult{
		FinalOutput:      final,
		FinalParsed:      parsed,
		NewItems:         rctx.Items(),
		Steps:            rctx.stepResults,
		Usage:            rctx.usage,
		HandoffChain:     append([]string(nil), rctx.handoffChain...),
		Warnings:         append([]string(nil), rctx.warnings...),
		PendingApprovals: append([]ApprovalRecord(nil), rctx.pendingApprovals...),
		LastAgent:        rctx.agent.Name(),
		FinishReason:     reason,
	}
}
