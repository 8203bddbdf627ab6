// Package threadstore is the local SQLite-backed persistence layer for chat
// threads, their messages, and the documents the chat edits.
//
// Notes:
// - WAL is enabled to support concurrent reads while one session writes.
// - Message bodies are stored as JSON so the part structure survives verbatim.
package threadstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("missing db path")
	}
	p := filepath.Clean(strings.TrimSpace(path))
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type Thread struct {
	ThreadID   string `json:"thread_id"`
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`

	CreatedAtUnixMs     int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs     int64  `json:"updated_at_unix_ms"`
	LastMessageAtUnixMs int64  `json:"last_message_at_unix_ms"`
	LastMessagePreview  string `json:"last_message_preview"`
}

type Message struct {
	ID       int64  `json:"id"`
	ThreadID string `json:"thread_id"`

	MessageID string `json:"message_id"`
	Role      string `json:"role"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`

	TextContent string `json:"text_content"`
	MessageJSON string `json:"message_json"`
}

type Document struct {
	DocumentID      string `json:"document_id"`
	Title           string `json:"title"`
	Body            string `json:"body"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
}

// ErrDocumentNotFound is returned by GetDocument for an unknown document id.
var ErrDocumentNotFound = errors.New("document not found")

func (s *Store) CreateThread(ctx context.Context, t Thread) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	threadID := strings.TrimSpace(t.ThreadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}
	now := time.Now().UnixMilli()
	if t.CreatedAtUnixMs <= 0 {
		t.CreatedAtUnixMs = now
	}
	if t.UpdatedAtUnixMs <= 0 {
		t.UpdatedAtUnixMs = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chat_threads (thread_id, document_id, title, created_at_unix_ms, updated_at_unix_ms, last_message_at_unix_ms, last_message_preview)
VALUES (?, ?, ?, ?, ?, 0, '')
`, threadID, strings.TrimSpace(t.DocumentID), strings.TrimSpace(t.Title), t.CreatedAtUnixMs, t.UpdatedAtUnixMs)
	return err
}

func (s *Store) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("nil store")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread_id")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT thread_id, document_id, title, created_at_unix_ms, updated_at_unix_ms, last_message_at_unix_ms, last_message_preview
FROM chat_threads WHERE thread_id = ?
`, threadID)
	var t Thread
	if err := row.Scan(&t.ThreadID, &t.DocumentID, &t.Title, &t.CreatedAtUnixMs, &t.UpdatedAtUnixMs, &t.LastMessageAtUnixMs, &t.LastMessagePreview); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("thread not found")
		}
		return nil, err
	}
	return &t, nil
}

// ListThreads returns threads ordered by last update, newest first.
func (s *Store) ListThreads(ctx context.Context, limit int) ([]Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("nil store")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT thread_id, document_id, title, created_at_unix_ms, updated_at_unix_ms, last_message_at_unix_ms, last_message_preview
FROM chat_threads ORDER BY updated_at_unix_ms DESC, thread_id DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Thread, 0, limit)
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ThreadID, &t.DocumentID, &t.Title, &t.CreatedAtUnixMs, &t.UpdatedAtUnixMs, &t.LastMessageAtUnixMs, &t.LastMessagePreview); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AppendMessage inserts one message and refreshes the thread's preview.
// Appends are idempotent per (thread_id, message_id).
func (s *Store) AppendMessage(ctx context.Context, threadID string, m Message) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("nil store")
	}
	threadID = strings.TrimSpace(threadID)
	messageID := strings.TrimSpace(m.MessageID)
	role := strings.TrimSpace(m.Role)
	if threadID == "" || messageID == "" || role == "" {
		return 0, errors.New("missing thread_id/message_id/role")
	}
	if strings.TrimSpace(m.MessageJSON) == "" {
		return 0, errors.New("missing message_json")
	}
	now := time.Now().UnixMilli()
	if m.CreatedAtUnixMs <= 0 {
		m.CreatedAtUnixMs = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO chat_messages (thread_id, message_id, role, created_at_unix_ms, text_content, message_json)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(thread_id, message_id) DO NOTHING
`, threadID, messageID, role, m.CreatedAtUnixMs, m.TextContent, m.MessageJSON)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()

	preview := buildPreview(role, m.TextContent)
	if _, err := tx.ExecContext(ctx, `
UPDATE chat_threads
SET updated_at_unix_ms = ?, last_message_at_unix_ms = ?, last_message_preview = ?
WHERE thread_id = ?
`, now, m.CreatedAtUnixMs, preview, threadID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// ListMessages returns the thread's messages in append order.
func (s *Store) ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("nil store")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread_id")
	}
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, thread_id, message_id, role, created_at_unix_ms, text_content, message_json
FROM chat_messages WHERE thread_id = ? ORDER BY id ASC LIMIT ?
`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, 32)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.MessageID, &m.Role, &m.CreatedAtUnixMs, &m.TextContent, &m.MessageJSON); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_threads WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveDocument upserts the current body of a chat-edited document.
func (s *Store) SaveDocument(ctx context.Context, d Document) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	docID := strings.TrimSpace(d.DocumentID)
	if docID == "" {
		return errors.New("missing document_id")
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chat_documents (document_id, title, body, updated_at_unix_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(document_id) DO UPDATE SET title = excluded.title, body = excluded.body, updated_at_unix_ms = excluded.updated_at_unix_ms
`, docID, strings.TrimSpace(d.Title), d.Body, now)
	return err
}

func (s *Store) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("nil store")
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, errors.New("missing document_id")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT document_id, title, body, updated_at_unix_ms FROM chat_documents WHERE document_id = ?
`, documentID)
	var d Document
	if err := row.Scan(&d.DocumentID, &d.Title, &d.Body, &d.UpdatedAtUnixMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	return &d, nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS chat_threads (
  thread_id TEXT PRIMARY KEY,
  document_id TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  last_message_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  last_message_preview TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_chat_threads_updated ON chat_threads(updated_at_unix_ms DESC, thread_id DESC);

CREATE TABLE IF NOT EXISTS chat_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  thread_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  role TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  text_content TEXT NOT NULL DEFAULT '',
  message_json TEXT NOT NULL,
  UNIQUE(thread_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_thread ON chat_messages(thread_id, id ASC);

CREATE TABLE IF NOT EXISTS chat_documents (
  document_id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  body TEXT NOT NULL DEFAULT '',
  updated_at_unix_ms INTEGER NOT NULL
);
`)
	return err
}

func buildPreview(role string, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		switch strings.TrimSpace(role) {
		case "assistant":
			text = "(assistant)"
		case "tool":
			text = "(tool result)"
		default:
			text = "(message)"
		}
	}
	return truncateRunes(text, 160)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
