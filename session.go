package agents

import (
	"context"
	"fmt"
	"strings"
)

// Session abstracts conversation persistence across runs. Implementations
// live in the session/ subpackages (inmem, sqlite, postgres) or are
// user-supplied.
type Session interface {
	// History returns the full stored conversation, oldest first.
	History(ctx context.Context) ([]ChatMessage, error)
	// Append stores a batch of messages at the end of the conversation.
	Append(ctx context.Context, msgs []ChatMessage) error
	// Clear removes all stored messages.
	Clear(ctx context.Context) error
	// Metadata returns the session's key-value metadata.
	Metadata(ctx context.Context) (map[string]string, error)
	// UpdateMetadata merges kv into the session's metadata.
	UpdateMetadata(ctx context.Context, kv map[string]string) error
}

// AtomicAppender is an optional Session capability. When AtomicAppend
// reports true, a failed Append leaves no partial batch behind. Backends
// that cannot guarantee this get compensating deletion via Trimmer.
type AtomicAppender interface {
	AtomicAppend() bool
}

// Trimmer is an optional Session capability used for compensating deletion:
// TrimLast removes the n most recently appended messages.
type Trimmer interface {
	TrimLast(ctx context.Context, n int) error
}

// Summarization configures collapsing of old session history into a single
// synthetic system message before it is prefixed to a run.
type Summarization struct {
	// SummarizeAfter triggers summarisation when history exceeds this many
	// messages. Zero disables summarisation.
	SummarizeAfter int
	// KeepRecent messages survive verbatim; older ones are collapsed.
	KeepRecent int
	// Summarizer generates the summary. Nil falls back to deterministic
	// extraction (a prefix of each collapsed message).
	Summarizer Model
	// ExtractRunes is the per-message rune budget for the deterministic
	// fallback. Zero means the default.
	ExtractRunes int
}

// defaultExtractRunes is the per-message rune budget when collapsing old
// history without a summariser model.
const defaultExtractRunes = 200

// loadSessionHistory reads prior history and applies summarisation.
func loadSessionHistory(ctx context.Context, rctx *RunContext, session Session, sum Summarization) ([]ChatMessage, error) {
	sctx, span := startSpan(ctx, rctx.tracer, "session.read")
	defer endSpan(span)

	history, err := session.History(sctx)
	if err != nil {
		spanError(span, err)
		return nil, fmt.Errorf("session read: %w", err)
	}
	if span != nil {
		span.SetAttr(IntAttr("messages", len(history)))
	}

	if sum.SummarizeAfter > 0 && len(history) > sum.SummarizeAfter {
		history = summarizeHistory(sctx, rctx, history, sum)
	}
	return history, nil
}

// summarizeHistory collapses messages older than KeepRecent into one
// synthetic system message. The summary comes from the summariser model
// when configured; a model failure degrades to deterministic extraction
// rather than failing the run.
func summarizeHistory(ctx context.Context, rctx *RunContext, history []ChatMessage, sum Summarization) []ChatMessage {
	keep := sum.KeepRecent
	if keep < 0 {
		keep = 0
	}
	if len(history) <= keep {
		return history
	}
	old := history[:len(history)-keep]
	recent := history[len(history)-keep:]

	var summary string
	if sum.Summarizer != nil {
		var b strings.Builder
		for _, m := range old {
			fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
		}
		resp, err := sum.Summarizer.Generate(ctx, ModelRequest{
			System: "Summarize the following conversation concisely. Preserve key facts, decisions, and open questions.",
			Messages: []ChatMessage{
				UserMessage(b.String()),
			},
		})
		if err == nil && resp.Text != "" {
			summary = resp.Text
			rctx.addUsage(resp.Usage)
		} else if err != nil {
			rctx.logger.Warn("session summarisation failed, using extraction", "error", err)
		}
	}
	if summary == "" {
		summary = extractSummary(old, sum.ExtractRunes)
	}

	out := make([]ChatMessage, 0, len(recent)+1)
	out = append(out, SystemMessage("Summary of earlier conversation:\n"+summary))
	out = append(out, recent...)
	return out
}

// extractSummary is the deterministic summarisation fallback: the first
// budget runes of each message, concatenated with role prefixes.
func extractSummary(msgs []ChatMessage, budget int) string {
	if budget <= 0 {
		budget = defaultExtractRunes
	}
	var b strings.Builder
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		content := m.Content
		if r := []rune(content); len(r) > budget {
			content = string(r[:budget]) + "…"
		}
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, content)
	}
	return b.String()
}

// writeSessionHistory appends the run's new messages. For backends that
// report non-atomic appends, messages go one at a time with compensating
// deletion on failure so the session never exposes a partial run.
func writeSessionHistory(ctx context.Context, rctx *RunContext, session Session, msgs []ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	sctx, span := startSpan(ctx, rctx.tracer, "session.append", IntAttr("messages", len(msgs)))
	defer endSpan(span)

	atomic := true
	if aa, ok := session.(AtomicAppender); ok {
		atomic = aa.AtomicAppend()
	}
	if atomic {
		if err := session.Append(sctx, msgs); err != nil {
			spanError(span, err)
			return fmt.Errorf("session append: %w", err)
		}
		return nil
	}

	for i, m := range msgs {
		if err := session.Append(sctx, []ChatMessage{m}); err != nil {
			spanError(span, err)
			if trimmer, ok := session.(Trimmer); ok && i > 0 {
				if terr := trimmer.TrimLast(sctx, i); terr != nil {
					rctx.addWarning(fmt.Sprintf("session compensation failed: %v", terr))
				}
			}
			return fmt.Errorf("session append: %w", err)
		}
	}
	return nil
}
