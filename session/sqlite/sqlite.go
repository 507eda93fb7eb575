// Package sqlite implements agents.Session using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	agents "github.com/Manoj-tawk/tawk-agents-sdk"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs when it opens, loads a history, and appends messages;
// other operations do not log. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store opens sessions backed by a local SQLite file.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: session store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS session_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			created_at INTEGER NOT NULL
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
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Session returns a handle to the conversation identified by id. Sessions
// sharing a Store share its single connection.
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
	start := time.Now()
	rows, err := s.store.db.QueryContext(ctx,
		`SELECT role, content, tool_calls, tool_call_id
		 FROM session_messages WHERE session_id = ? ORDER BY seq ASC`, s.id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load history: %w", err)
	}
	defer rows.Close()

	var out []agents.ChatMessage
	for rows.Next() {
		var m agents.ChatMessage
		var toolCalls, toolCallID sql.NullString
		if err := rows.Scan(&m.Role, &m.Content, &toolCalls, &toolCallID); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("sqlite: decode tool calls: %w", err)
			}
		}
		m.ToolCallID = toolCallID.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: load history: %w", err)
	}
	s.store.logger.Debug("sqlite: history loaded", "session", s.id, "messages", len(out), "duration", time.Since(start))
	return out, nil
}

// Append stores a batch of messages inside one transaction, so the batch is
// atomic: either all messages become visible or none.
func (s *Session) Append(ctx context.Context, msgs []agents.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin append: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM session_messages WHERE session_id = ?`, s.id).Scan(&seq); err != nil {
		return fmt.Errorf("sqlite: next seq: %w", err)
	}

	now := time.Now().Unix()
	for _, m := range msgs {
		seq++
		var toolCalls any
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("sqlite: encode tool calls: %w", err)
			}
			toolCalls = string(data)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_messages (id, session_id, seq, role, content, tool_calls, tool_call_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			agents.NewID(), s.id, seq, m.Role, m.Content, toolCalls, m.ToolCallID, now); err != nil {
			return fmt.Errorf("sqlite: insert message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit append: %w", err)
	}
	s.store.logger.Debug("sqlite: messages appended", "session", s.id, "count", len(msgs))
	return nil
}

// AtomicAppend reports that batches land all-or-nothing.
func (s *Session) AtomicAppend() bool { return true }

// TrimLast removes the n most recently appended messages.
func (s *Session) TrimLast(ctx context.Context, n int) error {
	_, err := s.store.db.ExecContext(ctx,
		`DELETE FROM session_messages WHERE id IN (
			SELECT id FROM session_messages WHERE session_id = ?
			ORDER BY seq DESC LIMIT ?)`, s.id, n)
	if err != nil {
		return fmt.Errorf("sqlite: trim: %w", err)
	}
	return nil
}

// Clear removes all messages of this session.
func (s *Session) Clear(ctx context.Context) error {
	if _, err := s.store.db.ExecContext(ctx,
		`DELETE FROM session_messages WHERE session_id = ?`, s.id); err != nil {
		return fmt.Errorf("sqlite: clear: %w", err)
	}
	return nil
}

// Metadata returns the session's key-value metadata.
func (s *Session) Metadata(ctx context.Context) (map[string]string, error) {
	rows, err := s.store.db.QueryContext(ctx,
		`SELECT key, value FROM session_metadata WHERE session_id = ?`, s.id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load metadata: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("sqlite: scan metadata: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// UpdateMetadata merges kv into the session's metadata.
func (s *Session) UpdateMetadata(ctx context.Context, kv map[string]string) error {
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin metadata: %w", err)
	}
	defer tx.Rollback()
	for k, v := range kv {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_metadata (session_id, key, value) VALUES (?, ?, ?)
			 ON CONFLICT(session_id, key) DO UPDATE SET value = excluded.value`,
			s.id, k, v); err != nil {
			return fmt.Errorf("sqlite: upsert metadata: %w", err)
		}
	}
	return tx.Commit()
}
