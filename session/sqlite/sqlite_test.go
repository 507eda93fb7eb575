package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	agents "github.com/Manoj-tawk/tawk-agents-sdk"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "sessions.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAppendAndHistoryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	session := store.Session("thread-1")

	batch := []agents.ChatMessage{
		agents.UserMessage("what's 2+2"),
		{Role: "assistant", ToolCalls: []agents.ToolCall{
			{ID: "1", Name: "calc", Args: json.RawMessage(`{"expr":"2+2"}`)},
		}},
		agents.ToolResultMessage("1", "4"),
		agents.AssistantMessage("it is 4"),
	}
	if err := session.Append(ctx, batch); err != nil {
		t.Fatal(err)
	}

	history, err := session.History(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 4 {
		t.Fatalf("history = %d messages", len(history))
	}
	if history[1].ToolCalls[0].Name != "calc" {
		t.Errorf("tool calls did not round-trip: %+v", history[1])
	}
	if history[2].ToolCallID != "1" {
		t.Errorf("tool_call_id did not round-trip: %+v", history[2])
	}
	if history[3].Content != "it is 4" {
		t.Errorf("history = %+v", history)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a := store.Session("a")
	b := store.Session("b")

	_ = a.Append(ctx, []agents.ChatMessage{agents.UserMessage("for a")})
	_ = b.Append(ctx, []agents.ChatMessage{agents.UserMessage("for b")})

	ha, _ := a.History(ctx)
	if len(ha) != 1 || ha[0].Content != "for a" {
		t.Errorf("session a history = %+v", ha)
	}
	if err := a.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	hb, _ := b.History(ctx)
	if len(hb) != 1 {
		t.Errorf("clearing a affected b: %+v", hb)
	}
}

func TestTrimLastRemovesNewest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	s := store.Session("t")
	_ = s.Append(ctx, []agents.ChatMessage{
		agents.UserMessage("one"),
		agents.UserMessage("two"),
		agents.UserMessage("three"),
	})
	if err := s.TrimLast(ctx, 2); err != nil {
		t.Fatal(err)
	}
	history, _ := s.History(ctx)
	if len(history) != 1 || history[0].Content != "one" {
		t.Errorf("history after trim = %+v", history)
	}
}

func TestMetadataUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	s := store.Session("t")

	if err := s.UpdateMetadata(ctx, map[string]string{"topic": "old"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateMetadata(ctx, map[string]string{"topic": "new", "lang": "en"}); err != nil {
		t.Fatal(err)
	}
	md, err := s.Metadata(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if md["topic"] != "new" || md["lang"] != "en" {
		t.Errorf("metadata = %v", md)
	}
}

func TestAppendSequencingAcrossBatches(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	s := store.Session("t")

	_ = s.Append(ctx, []agents.ChatMessage{agents.UserMessage("first")})
	_ = s.Append(ctx, []agents.ChatMessage{agents.UserMessage("second")})
	history, _ := s.History(ctx)
	if len(history) != 2 || history[0].Content != "first" || history[1].Content != "second" {
		t.Errorf("history = %+v", history)
	}
}
