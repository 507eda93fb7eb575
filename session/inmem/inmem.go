// Package inmem implements agents.Session in process memory.
// Intended for tests and single-process deployments; nothing survives a
// restart.
package inmem

import (
	"context"
	"sync"

	agents "github.com/Manoj-tawk/tawk-agents-sdk"
)

// Session is an in-memory conversation store, safe for concurrent use.
type Session struct {
	mu       sync.Mutex
	messages []agents.ChatMessage
	metadata map[string]string
}

var (
	_ agents.Session        = (*Session)(nil)
	_ agents.AtomicAppender = (*Session)(nil)
	_ agents.Trimmer        = (*Session)(nil)
)

// New creates an empty session.
func New() *Session {
	return &Session{metadata: make(map[string]string)}
}

// History returns a copy of the stored conversation, oldest first.
func (s *Session) History(_ context.Context) ([]agents.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agents.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

// Append stores a batch of messages. The whole batch lands under one lock,
// so appends are atomic.
func (s *Session) Append(_ context.Context, msgs []agents.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
	return nil
}

// AtomicAppend reports that batches land all-or-nothing.
func (s *Session) AtomicAppend() bool { return true }

// TrimLast removes the n most recently appended messages.
func (s *Session) TrimLast(_ context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.messages) {
		n = len(s.messages)
	}
	s.messages = s.messages[:len(s.messages)-n]
	return nil
}

// Clear removes all stored messages.
func (s *Session) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	return nil
}

// Metadata returns a copy of the session metadata.
func (s *Session) Metadata(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out, nil
}

// UpdateMetadata merges kv into the session metadata.
func (s *Session) UpdateMetadata(_ context.Context, kv map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range kv {
		s.metadata[k] = v
	}
	return nil
}

// Len returns the number of stored messages.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}
