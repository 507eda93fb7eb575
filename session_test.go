package agents

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// memSession is a minimal in-package session for binder tests. atomicOK
// toggles the AtomicAppend report; failAfter > 0 makes Append fail once
// that many messages have landed.
type memSession struct {
	mu        sync.Mutex
	messages  []ChatMessage
	metadata  map[string]string
	atomicOK  bool
	failAfter int
	trimmed   int
}

func newMemSession(history ...ChatMessage) *memSession {
	return &memSession{messages: history, metadata: map[string]string{}, atomicOK: true}
}

func (s *memSession) History(context.Context) ([]ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

func (s *memSession) Append(_ context.Context, msgs []ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if s.failAfter > 0 && len(s.messages) >= s.failAfter {
			return errors.New("backend full")
		}
		s.messages = append(s.messages, m)
	}
	return nil
}

func (s *memSession) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	return nil
}

func (s *memSession) Metadata(context.Context) (map[string]string, error) {
	return s.metadata, nil
}

func (s *memSession) UpdateMetadata(_ context.Context, kv map[string]string) error {
	for k, v := range kv {
		s.metadata[k] = v
	}
	return nil
}

func (s *memSession) AtomicAppend() bool { return s.atomicOK }

func (s *memSession) TrimLast(_ context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.messages) {
		n = len(s.messages)
	}
	s.messages = s.messages[:len(s.messages)-n]
	s.trimmed += n
	return nil
}

func (s *memSession) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func TestSessionHistoryPrefixedToPrompt(t *testing.T) {
	session := newMemSession(
		UserMessage("earlier question"),
		AssistantMessage("earlier answer"),
	)
	model := newMockModel(textResp("with context"))
	agent := New("a", model)

	if _, err := Run(context.Background(), agent, Text("follow-up"), WithSession(session)); err != nil {
		t.Fatal(err)
	}
	msgs := model.request(0).Messages
	if len(msgs) != 3 {
		t.Fatalf("prompt messages = %d, want prior 2 + input", len(msgs))
	}
	if msgs[0].Content != "earlier question" || msgs[2].Content != "follow-up" {
		t.Errorf("prompt order = %+v", msgs)
	}
}

func TestSessionWriteOnCompletion(t *testing.T) {
	session := newMemSession()
	model := newMockModel(
		toolResp(call("1", "greet")),
		textResp("final"),
	)
	agent := New("a", model, WithTools(staticTool("greet", "hi")))

	if _, err := Run(context.Background(), agent, Text("go"), WithSession(session)); err != nil {
		t.Fatal(err)
	}
	// user, assistant tool round, tool result, final assistant.
	history, _ := session.History(context.Background())
	if len(history) != 4 {
		t.Fatalf("session messages = %d, want 4: %+v", len(history), history)
	}
	if history[0].Role != "user" || history[3].Content != "final" {
		t.Errorf("session contents = %+v", history)
	}
}

func TestSessionFailureKeepsOnlyIntegratedSteps(t *testing.T) {
	session := newMemSession()
	model := newMockModel(
		toolResp(call("1", "greet")),
		toolResp(call("2", "greet")),
	)
	agent := New("a", model, WithTools(staticTool("greet", "hi")))

	// Budget forces a failure after the second generation; only the fully
	// integrated first step (plus input) may persist.
	_, err := Run(context.Background(), agent, Text("go"), WithMaxTurns(2), WithSession(session))
	var maxErr *MaxTurnsError
	if !errors.As(err, &maxErr) {
		t.Fatalf("err = %v", err)
	}
	history, _ := session.History(context.Background())
	// user + assistant(tool call) + tool result from step one.
	if len(history) != 3 {
		t.Errorf("session messages = %d, want 3: %+v", len(history), history)
	}
}

func TestSessionCompensatingDeletionOnPartialAppend(t *testing.T) {
	session := newMemSession()
	session.atomicOK = false
	session.failAfter = 1 // first message lands, second append fails
	model := newMockModel(textResp("done"))
	agent := New("a", model)

	_, err := Run(context.Background(), agent, Text("go"), WithSession(session))
	if err == nil {
		t.Fatal("expected session write failure")
	}
	// The lone appended message was compensated away.
	if session.len() != 0 {
		t.Errorf("session messages = %d after compensation, want 0", session.len())
	}
	if session.trimmed != 1 {
		t.Errorf("trimmed = %d, want 1", session.trimmed)
	}
}

func TestSummarizationCollapsesOldHistory(t *testing.T) {
	session := newMemSession(
		UserMessage("one"),
		AssistantMessage("two"),
		UserMessage("three"),
		AssistantMessage("four"),
		UserMessage("five"),
	)
	model := newMockModel(textResp("ok"))
	agent := New("a", model)

	_, err := Run(context.Background(), agent, Text("now"),
		WithSession(session),
		WithSummarization(Summarization{SummarizeAfter: 3, KeepRecent: 2}))
	if err != nil {
		t.Fatal(err)
	}
	msgs := model.request(0).Messages
	// summary + 2 recent + input.
	if len(msgs) != 4 {
		t.Fatalf("prompt messages = %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "Summary of earlier conversation") {
		t.Errorf("summary message = %+v", msgs[0])
	}
	// Deterministic extraction keeps a prefix of each collapsed message.
	for _, want := range []string{"one", "two", "three"} {
		if !strings.Contains(msgs[0].Content, want) {
			t.Errorf("summary missing %q: %s", want, msgs[0].Content)
		}
	}
	if msgs[1].Content != "four" || msgs[2].Content != "five" {
		t.Errorf("recent messages = %+v", msgs[1:3])
	}
}

func TestSummarizationUsesModelWhenConfigured(t *testing.T) {
	session := newMemSession(
		UserMessage("alpha"),
		AssistantMessage("beta"),
		UserMessage("gamma"),
	)
	summarizer := newMockModel(textResp("condensed history"))
	model := newMockModel(textResp("ok"))
	agent := New("a", model)

	_, err := Run(context.Background(), agent, Text("now"),
		WithSession(session),
		WithSummarization(Summarization{SummarizeAfter: 2, KeepRecent: 1, Summarizer: summarizer}))
	if err != nil {
		t.Fatal(err)
	}
	msgs := model.request(0).Messages
	if !strings.Contains(msgs[0].Content, "condensed history") {
		t.Errorf("summary = %q, want the model summary", msgs[0].Content)
	}
	if summarizer.callCount() != 1 {
		t.Errorf("summarizer calls = %d", summarizer.callCount())
	}
}

func TestExtractSummaryTruncatesPerMessage(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := extractSummary([]ChatMessage{UserMessage(long)}, 10)
	if strings.Contains(got, strings.Repeat("x", 11)) {
		t.Errorf("extraction not truncated: %q", got)
	}
	if !strings.Contains(got, "[user]") {
		t.Errorf("extraction missing role prefix: %q", got)
	}
}
