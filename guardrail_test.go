package agents

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestInputGuardrailTripwireBlocksModel(t *testing.T) {
	model := newMockModel(textResp("should never be produced"))
	agent := New("a", model, WithInputGuardrails(
		KeywordGuardrail("no-secrets", "SECRET"),
	))

	_, err := Run(context.Background(), agent, Text("tell me the SECRET"))
	var trip *TripwireError
	if !errors.As(err, &trip) {
		t.Fatalf("err = %v, want TripwireError", err)
	}
	if trip.Guardrail != "no-secrets" {
		t.Errorf("guardrail = %q", trip.Guardrail)
	}
	if trip.Phase != PhaseInputGuardrail {
		t.Errorf("phase = %q", trip.Phase)
	}
	// Zero model invocations.
	if model.callCount() != 0 {
		t.Errorf("model calls = %d, want 0", model.callCount())
	}
}

func TestOutputGuardrailTripwire(t *testing.T) {
	model := newMockModel(textResp("here is the PASSWORD"))
	agent := New("a", model, WithOutputGuardrails(
		KeywordGuardrail("no-leaks", "password"),
	))

	_, err := Run(context.Background(), agent, Text("hi"))
	var trip *TripwireError
	if !errors.As(err, &trip) {
		t.Fatalf("err = %v, want TripwireError", err)
	}
	if trip.Phase != PhaseOutputGuardrail {
		t.Errorf("phase = %q", trip.Phase)
	}
	if model.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", model.callCount())
	}
}

func TestOutputGuardrailsSkippedAfterInputTripwire(t *testing.T) {
	outputRan := false
	model := newMockModel(textResp("x"))
	agent := New("a", model,
		WithInputGuardrails(KeywordGuardrail("block", "bad")),
		WithOutputGuardrails(Guardrail{
			Name: "observer",
			Validate: func(context.Context, *RunContext, string) (GuardrailResult, error) {
				outputRan = true
				return GuardrailResult{Passed: true}, nil
			},
		}))

	_, err := Run(context.Background(), agent, Text("bad input"))
	if err == nil {
		t.Fatal("expected tripwire")
	}
	if outputRan {
		t.Error("output guardrail ran after input tripwire")
	}
}

func TestGuardrailsRunConcurrently(t *testing.T) {
	// Both guardrails must be in flight at once; each waits for the other
	// to start before passing.
	const n = 2
	started := make(chan struct{}, n)
	barrier := make(chan struct{})
	mk := func(name string) Guardrail {
		return Guardrail{
			Name: name,
			Validate: func(ctx context.Context, _ *RunContext, _ string) (GuardrailResult, error) {
				started <- struct{}{}
				select {
				case <-barrier:
					return GuardrailResult{Passed: true}, nil
				case <-ctx.Done():
					return GuardrailResult{}, ctx.Err()
				}
			},
		}
	}
	model := newMockModel(textResp("fine"))
	agent := New("a", model, WithInputGuardrails(mk("g1"), mk("g2")))

	done := make(chan error, 1)
	go func() {
		_, err := Run(context.Background(), agent, Text("hi"))
		done <- err
	}()
	for i := 0; i < n; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("guardrails serialised")
		}
	}
	close(barrier)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestGuardrailChecksRecordedInHistory(t *testing.T) {
	model := newMockModel(textResp("fine"))
	agent := New("a", model,
		WithInputGuardrails(KeywordGuardrail("in-check", "zzz")),
		WithOutputGuardrails(LengthGuardrail("out-check", 1000)))

	result, err := Run(context.Background(), agent, Text("hi"))
	if err != nil {
		t.Fatal(err)
	}
	checks := findItems(result.NewItems, ItemGuardrail)
	if len(checks) != 2 {
		t.Fatalf("guardrail items = %d, want 2", len(checks))
	}
	if checks[0].Guardrail.Phase != "in" || !checks[0].Guardrail.Passed {
		t.Errorf("input check = %+v", checks[0].Guardrail)
	}
	if checks[1].Guardrail.Phase != "out" || checks[1].Guardrail.Name != "out-check" {
		t.Errorf("output check = %+v", checks[1].Guardrail)
	}
}

func TestGuardrailErrorFailsClosed(t *testing.T) {
	model := newMockModel(textResp("x"))
	agent := New("a", model, WithInputGuardrails(Guardrail{
		Name: "broken",
		Validate: func(context.Context, *RunContext, string) (GuardrailResult, error) {
			return GuardrailResult{}, fmt.Errorf("validator backend down")
		},
	}))

	_, err := Run(context.Background(), agent, Text("hi"))
	var trip *TripwireError
	if !errors.As(err, &trip) {
		t.Fatalf("err = %v, want TripwireError", err)
	}
	if model.callCount() != 0 {
		t.Errorf("model calls = %d, want 0", model.callCount())
	}
}

func TestKeywordGuardrailNormalisesObfuscation(t *testing.T) {
	g := KeywordGuardrail("kw", "secret")
	// Zero-width characters split the keyword; fullwidth letters disguise it.
	cases := []string{
		"se\u200bcret plans",
		"ＳＥＣＲＥＴ stuff",
	}
	for _, content := range cases {
		res, err := g.Validate(context.Background(), nil, content)
		if err != nil {
			t.Fatal(err)
		}
		if res.Passed {
			t.Errorf("obfuscated %q slipped through", content)
		}
	}
	if res, _ := g.Validate(context.Background(), nil, "nothing to see"); !res.Passed {
		t.Error("clean content blocked")
	}
}

func TestLengthGuardrail(t *testing.T) {
	g := LengthGuardrail("len", 5)
	if res, _ := g.Validate(context.Background(), nil, "short"); !res.Passed {
		t.Error("content at the limit blocked")
	}
	if res, _ := g.Validate(context.Background(), nil, "toolong"); res.Passed {
		t.Error("over-limit content passed")
	}
}

func TestInputGuardrailsRunPerActivation(t *testing.T) {
	// The second agent's guardrail runs on activation after the transfer.
	var checked []string
	mk := func(name string) Guardrail {
		return Guardrail{
			Name: name,
			Validate: func(context.Context, *RunContext, string) (GuardrailResult, error) {
				checked = append(checked, name)
				return GuardrailResult{Passed: true}, nil
			},
		}
	}
	specialist := New("Specialist", newMockModel(textResp("done")),
		WithInputGuardrails(mk("spec-guard")))
	coordinator := New("Coordinator", newMockModel(toolResp(transferCall("1", "transfer_to_specialist", ""))),
		WithInputGuardrails(mk("coord-guard")),
		WithHandoffs(specialist))

	if _, err := Run(context.Background(), coordinator, Text("go")); err != nil {
		t.Fatal(err)
	}
	if len(checked) != 2 || checked[0] != "coord-guard" || checked[1] != "spec-guard" {
		t.Errorf("guardrails run = %v", checked)
	}
}
