package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// maxParallelDispatch caps the number of concurrent tool call goroutines to
// avoid overwhelming external services with unbounded parallelism.
const maxParallelDispatch = 10

// backgroundPendingMarker is the tool-result content the model sees for a
// deferred result before its value materialises.
const backgroundPendingMarker = "in progress"

// dispatchOutcome is the result of executing (or refusing) one tool call.
type dispatchOutcome struct {
	payload  ToolResultPayload
	bg       *Background
	pending  *ApprovalRecord // set when no handler is configured for a gated call
	duration time.Duration
	isError  bool
}

// indexedOutcome pairs an outcome with its position in the original call
// slice, allowing channel-based collection in order.
type indexedOutcome struct {
	idx     int
	outcome dispatchOutcome
}

// dispatchBatch executes one model response's tool calls. All calls run
// concurrently through a bounded worker pool; results are integrated into
// the run log in the order of the calls in the response, regardless of
// completion order. Returns a terminal error for consecutive-failure budget
// exhaustion or an unapprovable gated call; ordinary tool failures become
// result items and the loop continues.
func dispatchBatch(ctx context.Context, rctx *RunContext, calls []ToolCall) error {
	for _, tc := range calls {
		call := tc
		rctx.appendItem(RunItem{
			Kind:     ItemToolCall,
			Step:     rctx.steps,
			Agent:    rctx.agent.Name(),
			ToolCall: &call,
		})
		rctx.emit(StreamEvent{Kind: EventToolCall, Agent: rctx.agent.Name(), Item: rctx.lastItem()})
	}

	outcomes := collectOutcomes(ctx, rctx, calls)

	var pendingRecords []ApprovalRecord
	for i, tc := range calls {
		o := outcomes[i]

		if o.isError {
			rctx.consecFails[tc.Name]++
		} else {
			rctx.consecFails[tc.Name] = 0
		}

		payload := o.payload
		rctx.appendItem(RunItem{
			Kind:   ItemToolResult,
			Step:   rctx.steps,
			Agent:  rctx.agent.Name(),
			Result: &payload,
		})
		item := rctx.lastItem()
		rctx.emit(StreamEvent{Kind: EventToolResult, Agent: rctx.agent.Name(), Item: item})

		msg := toolResultContent(payload)
		rctx.messages = append(rctx.messages, ToolResultMessage(tc.ID, msg))
		rctx.newMessages = append(rctx.newMessages, ToolResultMessage(tc.ID, msg))

		if o.bg != nil {
			rctx.background = append(rctx.background, &pendingBackground{
				itemIndex: len(rctx.items) - 1,
				toolName:  tc.Name,
				callID:    tc.ID,
				bg:        o.bg,
			})
		}
		if o.pending != nil {
			pendingRecords = append(pendingRecords, *o.pending)
		}

		if tool := rctx.catalogue[tc.Name]; tool != nil && tool.maxFailures > 0 &&
			rctx.consecFails[tc.Name] >= tool.maxFailures {
			return &ToolExecutionError{
				Tool:     tc.Name,
				Agent:    rctx.agent.Name(),
				Failures: rctx.consecFails[tc.Name],
				Last:     payload.Error,
			}
		}
	}

	if len(pendingRecords) > 0 {
		rctx.pendingApprovals = append(rctx.pendingApprovals, pendingRecords...)
		return &ApprovalRequiredError{Agent: rctx.agent.Name(), Records: pendingRecords}
	}
	return nil
}

// collectOutcomes runs the calls through a fixed worker pool and returns
// outcomes in input order. Single calls run inline (no goroutine). The
// collection loop is context-aware: cancellation mid-batch yields context
// errors for the calls still in flight.
func collectOutcomes(ctx context.Context, rctx *RunContext, calls []ToolCall) []dispatchOutcome {
	if len(calls) == 1 {
		return []dispatchOutcome{executeCall(ctx, rctx, calls[0])}
	}

	type workItem struct {
		idx int
		tc  ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)

	resultCh := make(chan indexedOutcome, len(calls))
	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedOutcome{w.idx, ctxErrOutcome(w.tc, ctx.Err())}
					continue
				}
				resultCh <- indexedOutcome{w.idx, executeCall(ctx, rctx, w.tc)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	outcomes := make([]dispatchOutcome, len(calls))
	seen := make([]bool, len(calls))
collect:
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				break collect
			}
			outcomes[r.idx] = r.outcome
			seen[r.idx] = true
		case <-ctx.Done():
			for i := range outcomes {
				if !seen[i] {
					outcomes[i] = ctxErrOutcome(calls[i], ctx.Err())
				}
			}
			return outcomes
		}
	}
	for i := range outcomes {
		if !seen[i] {
			outcomes[i] = failureOutcome(calls[i], "result not received")
		}
	}
	return outcomes
}

// executeCall resolves, gates, and runs one tool call.
func executeCall(ctx context.Context, rctx *RunContext, tc ToolCall) dispatchOutcome {
	tool := rctx.catalogue[tc.Name]
	if tool == nil {
		return failureOutcome(tc, "unknown tool: "+tc.Name)
	}

	args := tc.Args
	if err := validateArgs(tool.compiled, args); err != nil {
		return failureOutcome(tc, fmt.Sprintf("invalid arguments: %v", err))
	}

	// Gate: resolve the approval decision before executing. Unrelated calls
	// in the batch keep running in their own workers.
	if tool.needsApproval(ctx, args) {
		broker := rctx.runtime.broker
		decision, ok := rctx.presuppliedDecision(tc.Name, args)
		if !ok {
			rec := broker.Allocate(tc.Name, args)
			rctx.emit(StreamEvent{Kind: EventApprovalRequired, Agent: rctx.agent.Name(), Approval: &rec})
			if !broker.HasHandler() {
				o := failureOutcome(tc, fmt.Sprintf("approval pending (token %s)", rec.Token))
				o.pending = &rec
				return o
			}
			var err error
			decision, err = broker.Await(ctx, rec.Token)
			if err != nil {
				return failureOutcome(tc, "approval await: "+err.Error())
			}
		}
		if !decision.Approved {
			reason := decision.Reason
			if reason == "" {
				reason = "no reason given"
			}
			return failureOutcome(tc, "approval rejected: "+reason)
		}
		if len(decision.ModifiedArgs) > 0 {
			args = decision.ModifiedArgs
		}
	}

	tctx := ctx
	if tool.timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, tool.timeout)
		defer cancel()
	}

	tctx, span := startSpan(tctx, rctx.tracer, "tool."+tc.Name,
		StringAttr("agent", rctx.agent.Name()),
		StringAttr("call_id", tc.ID))
	defer endSpan(span)

	start := time.Now()
	value, err := safeExecute(tctx, rctx, tool, args)
	duration := time.Since(start)

	if err != nil {
		spanError(span, err)
		o := failureOutcome(tc, fmt.Sprintf("tool %s: %v", tc.Name, err))
		o.duration = duration
		return o
	}

	if bg, ok := value.(*Background); ok {
		return dispatchOutcome{
			payload:  ToolResultPayload{CallID: tc.ID, ToolName: tc.Name, Pending: true},
			bg:       bg,
			duration: duration,
		}
	}

	raw, err := json.Marshal(value)
	if err != nil {
		spanError(span, err)
		o := failureOutcome(tc, fmt.Sprintf("tool %s: result not serialisable: %v", tc.Name, err))
		o.duration = duration
		return o
	}
	return dispatchOutcome{
		payload:  ToolResultPayload{CallID: tc.ID, ToolName: tc.Name, Value: raw},
		duration: duration,
	}
}

// safeExecute wraps an executor with panic recovery so a panicking tool
// becomes a failure result instead of crashing the run.
func safeExecute(ctx context.Context, rctx *RunContext, tool *Tool, args json.RawMessage) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			value, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return tool.execute(ctx, rctx, args)
}

// presuppliedDecision looks up a decision supplied via run options for an
// equivalent {toolName, args} call.
func (rctx *RunContext) presuppliedDecision(toolName string, args json.RawMessage) (ApprovalDecision, bool) {
	if rctx.decisions == nil {
		return ApprovalDecision{}, false
	}
	d, ok := rctx.decisions[approvalKey(toolName, args)]
	return d, ok
}

func failureOutcome(tc ToolCall, msg string) dispatchOutcome {
	return dispatchOutcome{
		payload: ToolResultPayload{CallID: tc.ID, ToolName: tc.Name, Error: msg},
		isError: true,
	}
}

func ctxErrOutcome(tc ToolCall, err error) dispatchOutcome {
	return failureOutcome(tc, err.Error())
}

// toolResultContent renders a result payload as the tool message the model
// sees on the next turn.
func toolResultContent(p ToolResultPayload) string {
	switch {
	case p.Pending:
		return backgroundPendingMarker
	case p.Error != "":
		return "error: " + p.Error
	default:
		return string(p.Value)
	}
}

// joinBackgrounds awaits every outstanding background handle and amends its
// result item in place. Failures become run warnings; they do not change
// the final output. On cancellation the remaining handles are detached.
func joinBackgrounds(ctx context.Context, rctx *RunContext) {
	for _, pb := range rctx.background {
		value, err := pb.bg.Await(ctx)
		item := &rctx.items[pb.itemIndex]
		item.Result.Pending = false
		if ctx.Err() != nil {
			item.Result.Error = "detached: " + ctx.Err().Error()
			rctx.addWarning(fmt.Sprintf("background tool %s detached: %v", pb.toolName, ctx.Err()))
			continue
		}
		if err != nil {
			item.Result.Error = err.Error()
			rctx.addWarning(fmt.Sprintf("background tool %s failed: %v", pb.toolName, err))
			continue
		}
		raw, merr := json.Marshal(value)
		if merr != nil {
			item.Result.Error = "result not serialisable: " + merr.Error()
			rctx.addWarning(fmt.Sprintf("background tool %s: %v", pb.toolName, merr))
			continue
		}
		item.Result.Value = raw
		rctx.emit(StreamEvent{Kind: EventToolResult, Agent: rctx.agent.Name(), Item: item})
	}
	rctx.background = nil
}
