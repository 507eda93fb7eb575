package agents

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBackgroundResultJoinedBeforeDone(t *testing.T) {
	release := make(chan struct{})
	kicker := NewFunctionTool("kickoff", "starts background work", nil,
		func(_ context.Context, _ *RunContext, _ json.RawMessage) (any, error) {
			return GoBackground(func() (any, error) {
				<-release
				return "resolved-value", nil
			}), nil
		})
	model := newMockModel(
		toolResp(call("1", "kickoff")),
		textResp("kicked off, summarising"),
	)
	agent := New("a", model, WithTools(kicker))

	done := make(chan struct{})
	var result *RunResult
	var runErr error
	go func() {
		defer close(done)
		result, runErr = Run(context.Background(), agent, Text("kick it off and summarise"))
	}()

	// The second turn happens while the background work is still pending;
	// the run must not complete until the value materialises.
	select {
	case <-done:
		t.Fatal("run completed before the background value materialised")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after background resolution")
	}
	if runErr != nil {
		t.Fatal(runErr)
	}

	results := findItems(result.NewItems, ItemToolResult)
	if len(results) != 1 {
		t.Fatalf("tool results = %d", len(results))
	}
	if results[0].Result.Pending {
		t.Error("background result still pending after Done")
	}
	if string(results[0].Result.Value) != `"resolved-value"` {
		t.Errorf("background value = %s", results[0].Result.Value)
	}
	if result.FinalOutput != "kicked off, summarising" {
		t.Errorf("FinalOutput = %q", result.FinalOutput)
	}
}

func TestBackgroundTurnProceedsWithoutWaiting(t *testing.T) {
	// The model's second turn sees an in-progress marker, not the value.
	release := make(chan struct{})
	kicker := NewFunctionTool("kickoff", "background", nil,
		func(_ context.Context, _ *RunContext, _ json.RawMessage) (any, error) {
			return GoBackground(func() (any, error) {
				<-release
				return "late", nil
			}), nil
		})
	model := newMockModel(
		toolResp(call("1", "kickoff")),
		textResp("noted"),
	)
	agent := New("a", model, WithTools(kicker))

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(release)
	}()
	if _, err := Run(context.Background(), agent, Text("go")); err != nil {
		t.Fatal(err)
	}
	second := model.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "in progress") {
		t.Errorf("second turn saw %+v, want an in-progress marker", last)
	}
}

func TestBackgroundFailureBecomesWarning(t *testing.T) {
	kicker := NewFunctionTool("kickoff", "background", nil,
		func(_ context.Context, _ *RunContext, _ json.RawMessage) (any, error) {
			return GoBackground(func() (any, error) {
				return nil, errors.New("upstream exploded")
			}), nil
		})
	model := newMockModel(
		toolResp(call("1", "kickoff")),
		textResp("all good"),
	)
	agent := New("a", model, WithTools(kicker))

	result, err := Run(context.Background(), agent, Text("go"))
	if err != nil {
		t.Fatal(err)
	}
	// The late failure does not retroactively change the output.
	if result.FinalOutput != "all good" {
		t.Errorf("FinalOutput = %q", result.FinalOutput)
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "upstream exploded") {
		t.Errorf("warnings = %v", result.Warnings)
	}
	results := findItems(result.NewItems, ItemToolResult)
	if results[0].Result.Error == "" {
		t.Error("failed background result has no error recorded")
	}
}

func TestGoBackgroundPanicRecovered(t *testing.T) {
	b := GoBackground(func() (any, error) {
		panic("whoops")
	})
	_, err := b.Await(context.Background())
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Errorf("err = %v, want recovered panic", err)
	}
}
