// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_owner
			ON conversations(owner);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			content TEXT NOT NULL,
			citations TEXT NOT NULL DEFAULT '[]',
			context TEXT NOT NULL DEFAULT '[]',
			follow_up TEXT NOT NULL DEFAULT '[]',
			pending INTEGER NOT NULL DEFAULT 0,
			errors TEXT NOT NULL DEFAULT '[]',
			role TEXT NOT NULL,
			type TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateConversation inserts a new conversation
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, owner, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID, conv.Owner, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, owner, title, created_at, updated_at
		FROM conversations WHERE id = ?`

	var conv Conversation
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.Owner, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations returns all conversations for an owner, newest first
func (s *SQLiteStore) ListConversations(ctx context.Context, owner string) ([]*Conversation, error) {
	query := `
		SELECT id, owner, title, created_at, updated_at
		FROM conversations WHERE owner = ?
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.Owner, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}

// SaveMessage inserts a new message
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	citations, context_, followUp, errs, err := marshalMessageFields(msg)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO messages (
			id, conversation_id, content, citations, context, follow_up,
			pending, errors, role, type, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.Content, citations, context_, followUp,
		boolToInt(msg.Pending), errs, string(msg.Role), string(msg.Type), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.touchConversation(ctx, msg.ConversationID)
	return nil
}

// UpdateMessage replaces the mutable fields of an existing message.
// Identity, role, type and creation time never change after insert.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg *Message) error {
	citations, context_, followUp, errs, err := marshalMessageFields(msg)
	if err != nil {
		return err
	}

	query := `
		UPDATE messages
		SET content = ?, citations = ?, context = ?, follow_up = ?, pending = ?, errors = ?
		WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query,
		msg.Content, citations, context_, followUp, boolToInt(msg.Pending), errs, msg.ID)
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMessage retrieves a message by ID
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := messageSelect + ` WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// GetConversationMessages returns all messages of a conversation in creation order
func (s *SQLiteStore) GetConversationMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	query := messageSelect + ` WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Ping reports whether the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// touchConversation bumps a conversation's updated_at. Failures are logged
// only; message persistence must not fail on bookkeeping.
func (s *SQLiteStore) touchConversation(ctx context.Context, conversationID string) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now(), conversationID)
	if err != nil {
		s.logger.Warn("failed to touch conversation", "conversation_id", conversationID, "error", err)
	}
}

const messageSelect = `
	SELECT id, conversation_id, content, citations, context, follow_up,
	       pending, errors, role, type, created_at
	FROM messages`

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var citations, context_, followUp, errs string
	var pending int
	var role, typ string

	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Content,
		&citations, &context_, &followUp, &pending, &errs, &role, &typ, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}

	msg.Pending = pending != 0
	msg.Role = Role(role)
	msg.Type = MessageType(typ)

	if err := json.Unmarshal([]byte(citations), &msg.Citations); err != nil {
		return nil, fmt.Errorf("decoding citations: %w", err)
	}
	if err := json.Unmarshal([]byte(context_), &msg.Context); err != nil {
		return nil, fmt.Errorf("decoding context: %w", err)
	}
	if err := json.Unmarshal([]byte(followUp), &msg.FollowUp); err != nil {
		return nil, fmt.Errorf("decoding follow_up: %w", err)
	}
	if err := json.Unmarshal([]byte(errs), &msg.Errors); err != nil {
		return nil, fmt.Errorf("decoding errors: %w", err)
	}
	return &msg, nil
}

func marshalMessageFields(msg *Message) (citations, context_, followUp, errs string, err error) {
	b, err := json.Marshal(orEmpty(msg.Citations))
	if err != nil {
		return "", "", "", "", fmt.Errorf("encoding citations: %w", err)
	}
	citations = string(b)

	b, err = json.Marshal(orEmpty(msg.Context))
	if err != nil {
		return "", "", "", "", fmt.Errorf("encoding context: %w", err)
	}
	context_ = string(b)

	b, err = json.Marshal(orEmpty(msg.FollowUp))
	if err != nil {
		return "", "", "", "", fmt.Errorf("encoding follow_up: %w", err)
	}
	followUp = string(b)

	b, err = json.Marshal(orEmpty(msg.Errors))
	if err != nil {
		return "", "", "", "", fmt.Errorf("encoding errors: %w", err)
	}
	errs = string(b)
	return citations, context_, followUp, errs, nil
}

// orEmpty maps nil slices to empty ones so columns always hold valid JSON arrays
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
