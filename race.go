package agents

import (
	"context"
	"errors"
	"fmt"
)

// RaceResult is the outcome of racing several agents over the same input.
type RaceResult struct {
	// Winner is the first agent to complete successfully.
	Winner *Agent
	// Result is the winner's run result.
	Result *RunResult
}

// RaceAgents runs every agent concurrently over the same input; the first
// successful completion wins and the losers are cancelled. When every run
// fails, the last error is returned. Runs on the process-wide default
// runtime unless WithRuntime is supplied.
func RaceAgents(ctx context.Context, contenders []*Agent, input Input, opts ...RunOption) (*RaceResult, error) {
	return NewRunner(nil).RaceAgents(ctx, contenders, input, opts...)
}

// RaceAgents runs every agent concurrently on this runner's runtime; see
// the package-level RaceAgents.
func (r *Runner) RaceAgents(ctx context.Context, contenders []*Agent, input Input, opts ...RunOption) (*RaceResult, error) {
	if len(contenders) == 0 {
		return nil, fmt.Errorf("agents: no agents to race")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type raceOutcome struct {
		idx    int
		result *RunResult
		err    error
	}
	outcomes := make(chan raceOutcome, len(contenders))
	for i, a := range contenders {
		go func(idx int, a *Agent) {
			result, err := r.Run(ctx, a, input, opts...)
			outcomes <- raceOutcome{idx: idx, result: result, err: err}
		}(i, a)
	}

	var lastErr error
	for range contenders {
		select {
		case o := <-outcomes:
			if o.err == nil {
				// First success wins; cancelling ctx stops the rest.
				cancel()
				return &RaceResult{Winner: contenders[o.idx], Result: o.result}, nil
			}
			lastErr = o.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("agents: all racing agents failed: %w", lastErr)
}

// IsCancelled reports whether err is a run cancellation, either the typed
// CancelledError or a bare context error.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
