package agents

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestHandoffToolName(t *testing.T) {
	cases := map[string]string{
		"Billing":       "transfer_to_billing",
		"Order Support": "transfer_to_order_support",
		"FAQ-bot v2":    "transfer_to_faq_bot_v2",
		"refunds":       "transfer_to_refunds",
	}
	for in, want := range cases {
		if got := HandoffToolName(in); got != want {
			t.Errorf("HandoffToolName(%q) = %q, want %q", in, got, want)
		}
	}
}

func transferCall(id, toolName, reason string) ToolCall {
	args, _ := json.Marshal(map[string]string{"reason": reason})
	return ToolCall{ID: id, Name: toolName, Args: args}
}

func TestHandoffSwitchesAgent(t *testing.T) {
	specialistModel := newMockModel(textResp("specialist answer"))
	specialist := New("Specialist", specialistModel,
		WithHandoffDescription("Handles the hard questions."))

	coordModel := newMockModel(toolResp(transferCall("1", "transfer_to_specialist", "needs expertise")))
	coordinator := New("Coordinator", coordModel, WithHandoffs(specialist))

	result, err := Run(context.Background(), coordinator, Text("help me"))
	if err != nil {
		t.Fatal(err)
	}
	if result.FinalOutput != "specialist answer" {
		t.Errorf("FinalOutput = %q", result.FinalOutput)
	}
	if result.LastAgent != "Specialist" {
		t.Errorf("LastAgent = %q", result.LastAgent)
	}
	wantChain := []string{"Coordinator", "Specialist"}
	if len(result.HandoffChain) != 2 || result.HandoffChain[0] != wantChain[0] || result.HandoffChain[1] != wantChain[1] {
		t.Errorf("HandoffChain = %v, want %v", result.HandoffChain, wantChain)
	}
	// Both transfer items are in the log with the reason on the call.
	calls := findItems(result.NewItems, ItemHandoffCall)
	resolved := findItems(result.NewItems, ItemHandoffResult)
	if len(calls) != 1 || len(resolved) != 1 {
		t.Fatalf("handoff items = %d/%d", len(calls), len(resolved))
	}
	if calls[0].Handoff.Reason != "needs expertise" {
		t.Errorf("reason = %q", calls[0].Handoff.Reason)
	}
	// The transfer counted a turn: coordinator call + specialist call.
	if got := len(result.Steps); got != 2 {
		t.Errorf("turns = %d, want 2", got)
	}
}

func TestHandoffCatalogueExposesTransferTool(t *testing.T) {
	specialist := New("Specialist", newMockModel(textResp("x")),
		WithHandoffDescription("Handles escalations."))
	model := newMockModel(textResp("no transfer needed"))
	coordinator := New("Coordinator", model, WithHandoffs(specialist))

	if _, err := Run(context.Background(), coordinator, Text("hi")); err != nil {
		t.Fatal(err)
	}
	var def *ToolDefinition
	for i, d := range model.request(0).Tools {
		if d.Name == "transfer_to_specialist" {
			def = &model.request(0).Tools[i]
		}
	}
	if def == nil {
		t.Fatal("transfer tool missing from catalogue")
	}
	if def.Description != "Handles escalations." {
		t.Errorf("description = %q", def.Description)
	}
}

func TestHandoffKeepLastFilter(t *testing.T) {
	specialistModel := newMockModel(textResp("here to help"))
	specialist := New("Specialist", specialistModel)

	coordModel := newMockModel(toolResp(transferCall("1", "transfer_to_specialist", "")))
	coordinator := New("Coordinator", coordModel,
		WithFilteredHandoff(specialist, KeepLastMessages(1)))

	result, err := Run(context.Background(), coordinator, Messages(
		UserMessage("hello"),
		UserMessage("ignore"),
		UserMessage("now help"),
	))
	if err != nil {
		t.Fatal(err)
	}
	// The specialist's first model call sees exactly one user message.
	seen := specialistModel.request(0).Messages
	if len(seen) != 1 || seen[0].Role != "user" || seen[0].Content != "now help" {
		t.Errorf("specialist view = %+v, want exactly [user:\"now help\"]", seen)
	}
	// The canonical log still contains all three inputs.
	var users []string
	for _, it := range findItems(result.NewItems, ItemMessage) {
		if it.Message.Role == "user" {
			users = append(users, it.Message.Content)
		}
	}
	if len(users) != 3 {
		t.Errorf("canonical user messages = %v, want all three", users)
	}
}

func TestHandoffStepCounterResetsTurnsPreserved(t *testing.T) {
	specialistModel := newMockModel(
		toolResp(call("1", "greet")),
		textResp("done"),
	)
	specialist := New("Specialist", specialistModel,
		WithTools(staticTool("greet", "hi")),
		WithMaxSteps(2))

	coordModel := newMockModel(toolResp(transferCall("1", "transfer_to_specialist", "")))
	// The coordinator's own step budget would not fit the specialist's work.
	coordinator := New("Coordinator", coordModel,
		WithHandoffs(specialist), WithMaxSteps(1))

	result, err := Run(context.Background(), coordinator, Text("go"), WithMaxTurns(10))
	if err != nil {
		t.Fatal(err)
	}
	if result.FinalOutput != "done" {
		t.Errorf("FinalOutput = %q", result.FinalOutput)
	}
	// Three model invocations total: coordinator, specialist tool round,
	// specialist finish.
	if got := len(result.Steps); got != 3 {
		t.Errorf("turns = %d, want 3", got)
	}
}

func TestHandoffWinsOverOrdinaryToolCalls(t *testing.T) {
	specialistModel := newMockModel(textResp("took over"))
	specialist := New("Specialist", specialistModel)

	executed := false
	side := NewFunctionTool("side", "side effect", nil,
		func(_ context.Context, _ *RunContext, _ json.RawMessage) (any, error) {
			executed = true
			return "ran", nil
		})
	coordModel := newMockModel(toolResp(
		call("1", "side"),
		transferCall("2", "transfer_to_specialist", ""),
	))
	coordinator := New("Coordinator", coordModel, WithTools(side), WithHandoffs(specialist))

	result, err := Run(context.Background(), coordinator, Text("go"))
	if err != nil {
		t.Fatal(err)
	}
	if executed {
		t.Error("tool call accompanying a transfer was dispatched")
	}
	if result.FinalOutput != "took over" {
		t.Errorf("FinalOutput = %q", result.FinalOutput)
	}
	if len(result.Warnings) == 0 || !strings.Contains(result.Warnings[0], "discarded") {
		t.Errorf("warnings = %v, want a discard warning", result.Warnings)
	}
}

func TestRemoveToolMessagesFilter(t *testing.T) {
	history := []ChatMessage{
		UserMessage("q"),
		{Role: "assistant", ToolCalls: []ToolCall{call("1", "t")}},
		ToolResultMessage("1", "result"),
		{Role: "assistant", Content: "answer", ToolCalls: []ToolCall{call("2", "t")}},
	}
	got := RemoveToolMessages(history)
	if len(got) != 2 {
		t.Fatalf("filtered = %+v", got)
	}
	if got[0].Content != "q" || got[1].Content != "answer" || got[1].ToolCalls != nil {
		t.Errorf("filtered = %+v", got)
	}
}

func TestRemoveHandoffMessagesFilter(t *testing.T) {
	history := []ChatMessage{
		UserMessage("q"),
		{Role: "assistant", ToolCalls: []ToolCall{transferCall("1", "transfer_to_b", "")}},
		ToolResultMessage("1", "transferred to b"),
		{Role: "assistant", ToolCalls: []ToolCall{call("2", "search")}},
		ToolResultMessage("2", "found"),
	}
	got := RemoveHandoffMessages(history)
	if len(got) != 3 {
		t.Fatalf("filtered = %+v", got)
	}
	for _, m := range got {
		for _, tc := range m.ToolCalls {
			if strings.HasPrefix(tc.Name, "transfer_to_") {
				t.Errorf("transfer artefact survived: %+v", m)
			}
		}
	}
}

func TestChainFilters(t *testing.T) {
	history := []ChatMessage{
		UserMessage("one"),
		{Role: "assistant", ToolCalls: []ToolCall{call("1", "t")}},
		ToolResultMessage("1", "r"),
		UserMessage("two"),
	}
	f := ChainFilters(RemoveToolMessages, KeepLastMessages(1))
	got := f(history)
	if len(got) != 1 || got[0].Content != "two" {
		t.Errorf("chained filter = %+v", got)
	}
}
