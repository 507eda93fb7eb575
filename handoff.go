package agents

import (
	"encoding/json"
	"strings"
)

// Handoff binds a transfer target to an optional view filter applied to the
// conversation the target sees on activation. The canonical run log always
// retains every item; the filter rewrites only the working view.
type Handoff struct {
	Target      *Agent
	InputFilter HandoffInputFilter
}

// HandoffInputFilter rewrites the conversation view handed to a transfer
// target. It must not mutate the input slice.
type HandoffInputFilter func(history []ChatMessage) []ChatMessage

// handoffToolPrefix prefixes every synthesised transfer tool name.
const handoffToolPrefix = "transfer_to_"

// HandoffToolName derives the transfer tool name for a target agent:
// lowercased, with every non-alphanumeric rune replaced by underscore.
func HandoffToolName(agentName string) string {
	var b strings.Builder
	b.WriteString(handoffToolPrefix)
	for _, r := range strings.ToLower(agentName) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// handoffParams is the input schema of every synthesised transfer tool.
var handoffParams = json.RawMessage(`{"type":"object","properties":{"reason":{"type":"string","description":"Why the conversation is being transferred"}}}`)

// synthesizeHandoffTool builds the reserved transfer tool for one target.
// Its executor never runs user code; the run loop recognises the handoff
// kind and switches the current agent instead of dispatching the call.
func synthesizeHandoffTool(h Handoff) *Tool {
	desc := h.Target.HandoffDescription()
	if desc == "" {
		desc = "Transfer the conversation to " + h.Target.Name() + "."
	}
	t := &Tool{
		name:        HandoffToolName(h.Target.Name()),
		description: desc,
		params:      handoffParams,
		kind:        toolHandoff,
	}
	t.compiled, _ = compileSchema(t.name, handoffParams)
	target := h
	t.target = &target
	return t
}

// handoffReason extracts the optional reason from transfer tool args.
func handoffReason(args json.RawMessage) string {
	var params struct {
		Reason string `json:"reason"`
	}
	if len(args) > 0 {
		_ = json.Unmarshal(args, &params)
	}
	return params.Reason
}

// --- Builtin input filters ---

// RemoveToolMessages drops tool traffic from the view: tool-result messages
// and the tool-call lists on assistant messages. Assistant messages that
// carried only tool calls disappear entirely.
func RemoveToolMessages(history []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		if m.Role == "tool" {
			continue
		}
		if len(m.ToolCalls) > 0 {
			if m.Content == "" {
				continue
			}
			m.ToolCalls = nil
		}
		out = append(out, m)
	}
	return out
}

// KeepLastMessages keeps only the final n messages of the view.
func KeepLastMessages(n int) HandoffInputFilter {
	return func(history []ChatMessage) []ChatMessage {
		if n <= 0 || len(history) <= n {
			out := make([]ChatMessage, len(history))
			copy(out, history)
			return out
		}
		out := make([]ChatMessage, n)
		copy(out, history[len(history)-n:])
		return out
	}
}

// RemoveHandoffMessages strips intermediate transfer artefacts: assistant
// tool calls to transfer tools and their paired tool results.
func RemoveHandoffMessages(history []ChatMessage) []ChatMessage {
	transferIDs := make(map[string]bool)
	for _, m := range history {
		for _, tc := range m.ToolCalls {
			if strings.HasPrefix(tc.Name, handoffToolPrefix) {
				transferIDs[tc.ID] = true
			}
		}
	}
	out := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		if m.Role == "tool" && transferIDs[m.ToolCallID] {
			continue
		}
		if len(m.ToolCalls) > 0 {
			var kept []ToolCall
			for _, tc := range m.ToolCalls {
				if !transferIDs[tc.ID] {
					kept = append(kept, tc)
				}
			}
			if len(kept) == 0 && m.Content == "" {
				continue
			}
			m.ToolCalls = kept
		}
		out = append(out, m)
	}
	return out
}

// ChainFilters composes filters left to right.
func ChainFilters(filters ...HandoffInputFilter) HandoffInputFilter {
	return func(history []ChatMessage) []ChatMessage {
		for _, f := range filters {
			history = f(history)
		}
		return history
	}
}
