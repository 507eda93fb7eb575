package agents

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// GuardrailResult is the outcome of one guardrail validation.
type GuardrailResult struct {
	Passed   bool
	Message  string
	Metadata map[string]any
}

// GuardrailFunc validates content in the context of a run. A guardrail may
// itself invoke a model; guardrails within a phase run concurrently and
// must not observe each other.
type GuardrailFunc func(ctx context.Context, rctx *RunContext, content string) (GuardrailResult, error)

// Guardrail is a named validator attached to an agent's input or output
// phase. A failed result is a tripwire: the run ends immediately.
type Guardrail struct {
	Name     string
	Validate GuardrailFunc
}

// guardrailOutcome pairs a guardrail with its result for ordered recording.
type guardrailOutcome struct {
	idx    int
	result GuardrailResult
	err    error
}

// runGuardrails executes all guardrails of one phase concurrently over
// content. Returns a *TripwireError on the first failed (or errored)
// validation; successful checks are recorded as guardrail items on rctx.
// phase is "in" or "out".
func runGuardrails(ctx context.Context, rctx *RunContext, phase string, guards []Guardrail, content string) error {
	if len(guards) == 0 {
		return nil
	}

	phaseName := PhaseInputGuardrail
	if phase == "out" {
		phaseName = PhaseOutputGuardrail
	}

	gctx, span := startSpan(ctx, rctx.tracer, "guardrail."+phase,
		StringAttr("agent", rctx.agent.Name()),
		IntAttr("count", len(guards)))
	defer endSpan(span)

	// The guardrails share one cancellable context, cancelled on return, so a
	// tripwire does not leave siblings running longer than needed.
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()

	outcomes := make(chan guardrailOutcome, len(guards))
	for i, g := range guards {
		go func(idx int, g Guardrail) {
			res, err := g.Validate(gctx, rctx, content)
			outcomes <- guardrailOutcome{idx: idx, result: res, err: err}
		}(i, g)
	}

	results := make([]GuardrailResult, len(guards))
	for range guards {
		var o guardrailOutcome
		select {
		case o = <-outcomes:
		case <-ctx.Done():
			return ctx.Err()
		}
		if o.err != nil {
			// A validator that cannot run is treated as a failed check:
			// guardrails fail closed.
			err := &TripwireError{
				Guardrail: guards[o.idx].Name,
				Phase:     phaseName,
				Agent:     rctx.agent.Name(),
				Message:   fmt.Sprintf("guardrail error: %v", o.err),
			}
			spanError(span, err)
			return err
		}
		if !o.result.Passed {
			err := &TripwireError{
				Guardrail: guards[o.idx].Name,
				Phase:     phaseName,
				Agent:     rctx.agent.Name(),
				Message:   o.result.Message,
			}
			spanError(span, err)
			return err
		}
		results[o.idx] = o.result
	}

	// All passed: record checks in declaration order.
	for i, g := range guards {
		rctx.appendItem(RunItem{
			Kind:  ItemGuardrail,
			Step:  rctx.steps,
			Agent: rctx.agent.Name(),
			Guardrail: &GuardrailPayload{
				Name:    g.Name,
				Phase:   phase,
				Passed:  true,
				Message: results[i].Message,
			},
		})
		rctx.emit(StreamEvent{Kind: EventGuardrail, Agent: rctx.agent.Name(), Item: rctx.lastItem()})
	}
	return nil
}

// --- Builtin guardrails ---

// zeroWidthChars are Unicode zero-width and invisible characters used for
// obfuscation, stripped before keyword matching.
var zeroWidthChars = strings.NewReplacer(
	"\u200b", "", // zero-width space
	"\u200c", "", // zero-width non-joiner
	"\u200d", "", // zero-width joiner
	"\ufeff", "", // zero-width no-break space (BOM)
	"\u2060", "", // word joiner
	"\u00ad", "", // soft hyphen
)

// KeywordGuardrail blocks content containing any of the given keywords.
// Matching is case-insensitive over NFKC-normalised text with zero-width
// characters stripped, so fullwidth and invisible-character obfuscation is
// caught.
func KeywordGuardrail(name string, keywords ...string) Guardrail {
	lower := make([]string, len(keywords))
	for i, k := range keywords {
		lower[i] = strings.ToLower(k)
	}
	return Guardrail{
		Name: name,
		Validate: func(_ context.Context, _ *RunContext, content string) (GuardrailResult, error) {
			cleaned := zeroWidthChars.Replace(content)
			cleaned = strings.ToLower(norm.NFKC.String(cleaned))
			for _, kw := range lower {
				if strings.Contains(cleaned, kw) {
					return GuardrailResult{Passed: false, Message: "content contains blocked keyword"}, nil
				}
			}
			return GuardrailResult{Passed: true}, nil
		},
	}
}

// LengthGuardrail blocks content longer than maxRunes.
func LengthGuardrail(name string, maxRunes int) Guardrail {
	return Guardrail{
		Name: name,
		Validate: func(_ context.Context, _ *RunContext, content string) (GuardrailResult, error) {
			if n := len([]rune(content)); n > maxRunes {
				return GuardrailResult{
					Passed:  false,
					Message: fmt.Sprintf("content length %d exceeds limit %d", n, maxRunes),
				}, nil
			}
			return GuardrailResult{Passed: true}, nil
		},
	}
}
