package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/quotevoice/internal/domain"
	"github.com/ashureev/quotevoice/internal/shared"
	_ "modernc.org/sqlite"
)

// DefaultListLimit caps ListConversations when limit is not positive.
const DefaultListLimit = 50

const (
	maxRetries = 3
	baseDelay  = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT,
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL,
		end_reason TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		tool_call_count INTEGER NOT NULL DEFAULT 0,
		event_count INTEGER NOT NULL DEFAULT 0,
		completion REAL NOT NULL DEFAULT 0,
		conversation_key TEXT NOT NULL,
		summary_key TEXT NOT NULL,
		extracted_key TEXT,
		audio_key TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_start ON conversations(start_time DESC);
	CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// UpsertConversation creates or replaces an index entry.
// Retries with exponential backoff on SQLITE_BUSY and locked errors.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, c *domain.ArchivedConversation) error {
	query := `
	INSERT INTO conversations (
		conversation_id, session_id, user_id, start_time, end_time, end_reason,
		message_count, tool_call_count, event_count, completion,
		conversation_key, summary_key, extracted_key, audio_key
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(conversation_id) DO UPDATE SET
		end_time = excluded.end_time,
		end_reason = excluded.end_reason,
		message_count = excluded.message_count,
		tool_call_count = excluded.tool_call_count,
		event_count = excluded.event_count,
		completion = excluded.completion,
		conversation_key = excluded.conversation_key,
		summary_key = excluded.summary_key,
		extracted_key = excluded.extracted_key,
		audio_key = excluded.audio_key`

	return withRetry(ctx, "upsert conversation", c.ConversationID, func() error {
		_, err := s.db.ExecContext(ctx, query,
			c.ConversationID, c.SessionID, nullString(c.UserID),
			c.StartTime.UnixMilli(), c.EndTime.UnixMilli(), c.EndReason,
			c.MessageCount, c.ToolCallCount, c.EventCount, c.Completion,
			c.Keys.Conversation, c.Keys.Summary,
			nullString(c.Keys.Extracted), nullString(c.Keys.Audio),
		)
		return err
	})
}

const selectColumns = `
	SELECT conversation_id, session_id, user_id, start_time, end_time, end_reason,
	       message_count, tool_call_count, event_count, completion,
	       conversation_key, summary_key, extracted_key, audio_key
	FROM conversations`

// GetConversation returns the entry for conversationID.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.ArchivedConversation, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE conversation_id = ?`, conversationID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return c, nil
}

// ListConversations returns up to limit entries ordered by start time,
// newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*domain.ArchivedConversation, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY start_time DESC, conversation_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	out := make([]*domain.ArchivedConversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*domain.ArchivedConversation, error) {
	var c domain.ArchivedConversation
	var userID, extractedKey, audioKey sql.NullString
	var start, end int64

	if err := row.Scan(
		&c.ConversationID, &c.SessionID, &userID, &start, &end, &c.EndReason,
		&c.MessageCount, &c.ToolCallCount, &c.EventCount, &c.Completion,
		&c.Keys.Conversation, &c.Keys.Summary, &extractedKey, &audioKey,
	); err != nil {
		return nil, err
	}

	c.UserID = userID.String
	c.StartTime = time.UnixMilli(start).UTC()
	c.EndTime = time.UnixMilli(end).UTC()
	c.Keys.Extracted = extractedKey.String
	c.Keys.Audio = audioKey.String
	return &c, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// withRetry runs op, retrying SQLite busy/locked failures with exponential
// backoff (100ms, 200ms).
func withRetry(ctx context.Context, what, id string, op func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("SQLite busy, retrying", "op", what, "id", id, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}

var _ Repository = (*SQLiteStore)(nil)
