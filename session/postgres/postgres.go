// Package postgres implements agents.Session using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	agents "github.com/Manoj-tawk/tawk-agents-sdk"
)

// Store opens sessions backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS session_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls JSONB,
			tool_call_id TEXT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_messages_session
			ON session_messages(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS session_metadata (
			session_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (session_id, key)
		)`,
	}
	for _, q := range ddl {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("postgres: create table: %w", err)
		}
	}
	return nil
}

// Session returns a handle to the conversation identified by id.
func (s *Store) Session(id string) *Session {
	return &Session{store: s, id: id}
}

// Session implements agents.Session for one conversation id.
type Session struct {
	store *Store
	id    string
}

var (
	_ agents.Session        = (*Session)(nil)
	_ agents.AtomicAppender = (*Session)(nil)
	_ agents.Trimmer        = (*Session)(nil)
)

// History returns the stored conversation, oldest first.
func (s *Session) History(ctx context.Context) ([]agents.ChatMessage, error) {
	rows, err := s.store.pool.Query(ctx,
		`SELECT role, content, tool_calls, tool_call_id
		 FROM session_messages WHERE session_id = $1 ORDER BY seq ASC`, s.id)
	if err != nil {
		return nil, fmt.Errorf("postgres: load history: %w", err)
	}
	defer rows.Close()

	var out []agents.ChatMessage
	for rows.Next() {
		var m agents.ChatMessage
		var toolCalls []byte
		var toolCallID *string
		if err := rows.Scan(&m.Role, &m.Content, &toolCalls, &toolCallID); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("postgres: decode tool calls: %w", err)
			}
		}
		if toolCallID != nil {
			m.ToolCallID = *toolCallID
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load history: %w", err)
	}
	return out, nil
}

// Append stores a batch of messages inside one transaction.
func (s *Session) Append(ctx context.Context, msgs []agents.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.store.pool, func(tx pgx.Tx) error {
		var seq int64
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM session_messages WHERE session_id = $1`, s.id).Scan(&seq); err != nil {
			return fmt.Errorf("postgres: next seq: %w", err)
		}
		now := time.Now().Unix()
		for _, m := range msgs {
			seq++
			var toolCalls []byte
			if len(m.ToolCalls) > 0 {
				data, err := json.Marshal(m.ToolCalls)
				if err != nil {
					return fmt.Errorf("postgres: encode tool calls: %w", err)
				}
				toolCalls = data
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO session_messages (id, session_id, seq, role, content, tool_calls, tool_call_id, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				agents.NewID(), s.id, seq, m.Role, m.Content, toolCalls, m.ToolCallID, now); err != nil {
				return fmt.Errorf("postgres: insert message: %w", err)
			}
		}
		return nil
	})
}

// AtomicAppend reports that batches land all-or-nothing.
func (s *Session) AtomicAppend() bool { return true }

// TrimLast removes the n most recently appended messages.
func (s *Session) TrimLast(ctx context.Context, n int) error {
	_, err := s.store.pool.Exec(ctx,
		`DELETE FROM session_messages WHERE id IN (
			SELECT id FROM session_messages WHERE session_id = $1
			ORDER BY seq DESC LIMIT $2)`, s.id, n)
	if err != nil {
		return fmt.Errorf("postgres: trim: %w", err)
	}
	return nil
}

// Clear removes all messages of this session.
func (s *Session) Clear(ctx context.Context) error {
	if _, err := s.store.pool.Exec(ctx,
		`DELETE FROM session_messages WHERE session_id = $1`, s.id); err != nil {
		return fmt.Errorf("postgres: clear: %w", err)
	}
	return nil
}

// Metadata returns the session's key-value metadata.
func (s *Session) Metadata(ctx context.Context) (map[string]string, error) {
	rows, err := s.store.pool.Query(ctx,
		`SELECT key, value FROM session_metadata WHERE session_id = $1`, s.id)
	if err != nil {
		return nil, fmt.Errorf("postgres: load metadata: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("postgres: scan metadata: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// UpdateMetadata merges kv into the session's metadata.
func (s *Session) UpdateMetadata(ctx context.Context, kv map[string]string) error {
	return pgx.BeginFunc(ctx, s.store.pool, func(tx pgx.Tx) error {
		for k, v := range kv {
			if _, err := tx.Exec(ctx,
				`INSERT INTO session_metadata (session_id, key, value) VALUES ($1, $2, $3)
				 ON CONFLICT (session_id, key) DO UPDATE SET value = EXCLUDED.value`,
				s.id, k, v); err != nil {
				return fmt.Errorf("postgres: upsert metadata: %w", err)
			}
		}
		return nil
	})
}
