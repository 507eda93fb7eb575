package agents

import (
	"context"
	"sync"
)

// EventKind identifies the kind of streaming event. The set is closed.
type EventKind string

const (
	// EventRawModelDelta carries an incremental text or tool-call fragment
	// from the model.
	EventRawModelDelta EventKind = "raw-model-delta"
	// EventMessageOutput carries a completed assistant message.
	EventMessageOutput EventKind = "message-output"
	// EventToolCall signals a tool is about to be dispatched.
	EventToolCall EventKind = "tool-call"
	// EventToolResult carries the result of a completed tool call.
	EventToolResult EventKind = "tool-result"
	// EventTransfer signals the conversation moved to a peer agent.
	EventTransfer EventKind = "transfer"
	// EventApprovalRequired signals a gated call is awaiting a decision.
	EventApprovalRequired EventKind = "approval-required"
	// EventStepFinish closes one generate→integrate traversal.
	EventStepFinish EventKind = "step-finish"
	// EventGuardrail carries a guardrail check outcome.
	EventGuardrail EventKind = "guardrail"
	// EventAgentUpdated signals the current agent changed.
	EventAgentUpdated EventKind = "agent-updated"
	// EventFinish is the terminal success event carrying the run result.
	EventFinish EventKind = "finish"
	// EventError is the terminal failure event.
	EventError EventKind = "error"
)

// StreamEvent is a typed event emitted during a streamed run. Events are
// totally ordered per run; all events of step N precede those of step N+1.
type StreamEvent struct {
	Kind     EventKind       `json:"kind"`
	Step     int             `json:"step"`
	Agent    string          `json:"agent,omitempty"`
	Delta    string          `json:"delta,omitempty"`
	Item     *RunItem        `json:"item,omitempty"`
	Approval *ApprovalRecord `json:"approval,omitempty"`
	Result   *RunResult      `json:"-"`
	Err      error           `json:"-"`
}

// Stream is the event feed of a streamed run, consumable by a single
// reader. Use either Events or Text, not both.
type Stream struct {
	events chan StreamEvent
	cancel context.CancelFunc

	done   chan struct{}
	result *RunResult
	err    error

	textOnce sync.Once
	text     chan string
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		events: make(chan StreamEvent, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Events returns the ordered event channel. The channel is closed after the
// terminal finish or error event.
func (s *Stream) Events() <-chan StreamEvent { return s.events }

// Text returns a derived text-only stream: the non-empty raw model deltas of
// every model call in the run, in order. Deltas are not limited to the final
// assistant message; text streamed alongside tool calls is included. It
// consumes the event feed, so do not read Events concurrently.
func (s *Stream) Text() <-chan string {
	s.textOnce.Do(func() {
		s.text = make(chan string, 64)
		go func() {
			defer close(s.text)
			for ev := range s.events {
				if ev.Kind == EventRawModelDelta && ev.Delta != "" {
					s.text <- ev.Delta
				}
			}
		}()
	})
	return s.text
}

// Close abandons the stream: the in-flight model call and pending tool
// executions are cancelled, background handles are detached, and their
// results discarded. Idempotent.
func (s *Stream) Close() { s.cancel() }

// Wait blocks until the run reaches a terminal state or ctx is cancelled,
// then returns the run's result. Safe to call after consuming events.
func (s *Stream) Wait(ctx context.Context) (*RunResult, error) {
	select {
	case <-s.done:
		return s.result, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finish records the terminal outcome. Writes happen before done closes.
func (s *Stream) finish(result *RunResult, err error) {
	s.result = result
	s.err = err
	close(s.done)
}
