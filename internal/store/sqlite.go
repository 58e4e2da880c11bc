// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is RFC3339 with nanoseconds. Message replay order depends on
// creation timestamps, so sub-second precision is kept.
const timeFormat = time.RFC3339Nano

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

	// Enable foreign keys (needed for ON DELETE CASCADE)
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
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			title         TEXT NOT NULL,
			model         TEXT NOT NULL,
			api_provider  TEXT NOT NULL,
			system_prompt TEXT NOT NULL DEFAULT '',
			max_tokens    INTEGER NOT NULL DEFAULT 4096,
			status        TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			last_activity TEXT NOT NULL,

			CHECK (status IN ('created', 'active', 'idle', 'error', 'closed'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			tool_name  TEXT,
			tool_id    TEXT,
			created_at TEXT NOT NULL,

			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
			CHECK (role IN ('user', 'assistant', 'tool', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON messages(session_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateSession inserts a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (id, user_id, title, model, api_provider, system_prompt,
			max_tokens, status, created_at, updated_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.UserID,
		session.Title,
		session.Model,
		session.APIProvider,
		session.SystemPrompt,
		session.MaxTokens,
		session.Status,
		session.CreatedAt.UTC().Format(timeFormat),
		session.UpdatedAt.UTC().Format(timeFormat),
		session.LastActivity.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "user_id", session.UserID)
	return nil
}

const sessionColumns = `id, user_id, title, model, api_provider, system_prompt,
	max_tokens, status, created_at, updated_at, last_activity`

// scanSession reads one session row from a row scanner.
func scanSession(scan func(dest ...any) error) (*Session, error) {
	var session Session
	var createdAt, updatedAt, lastActivity string

	err := scan(
		&session.ID,
		&session.UserID,
		&session.Title,
		&session.Model,
		&session.APIProvider,
		&session.SystemPrompt,
		&session.MaxTokens,
		&session.Status,
		&createdAt,
		&updatedAt,
		&lastActivity,
	)
	if err != nil {
		return nil, err
	}

	if session.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if session.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if session.LastActivity, err = time.Parse(timeFormat, lastActivity); err != nil {
		return nil, fmt.Errorf("parsing last_activity: %w", err)
	}

	return &session, nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	session, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	return session, nil
}

// UpdateSession applies the non-nil fields of update and returns the updated session.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, update SessionUpdate) (*Session, error) {
	setClauses := "updated_at = ?"
	args := []any{time.Now().UTC().Format(timeFormat)}

	if update.Title != nil {
		setClauses += ", title = ?"
		args = append(args, *update.Title)
	}
	if update.Status != nil {
		setClauses += ", status = ?"
		args = append(args, *update.Status)
	}
	if update.SystemPrompt != nil {
		setClauses += ", system_prompt = ?"
		args = append(args, *update.SystemPrompt)
	}
	if update.MaxTokens != nil {
		setClauses += ", max_tokens = ?"
		args = append(args, *update.MaxTokens)
	}

	args = append(args, id)
	result, err := s.db.ExecContext(ctx, "UPDATE sessions SET "+setClauses+" WHERE id = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking update result: %w", err)
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	return s.GetSession(ctx, id)
}

// UpdateSessionStatus sets a session's status and bumps its activity timestamps.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status string) error {
	now := time.Now().UTC().Format(timeFormat)
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ?, last_activity = ? WHERE id = ?`,
		status, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking status update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListSessions returns sessions for a user, newest first.
// An empty userID returns sessions for all users.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

// DeleteSession removes a session and, via the foreign key cascade, its messages.
// Deleting a nonexistent session is a no-op.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	if rows, err := result.RowsAffected(); err == nil && rows > 0 {
		s.logger.Debug("deleted session", "id", id)
	}
	return nil
}

// SaveMessage appends a message to a session's history.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, session_id, role, content, tool_name, tool_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.SessionID,
		msg.Role,
		msg.Content,
		nullIfEmpty(msg.ToolName),
		nullIfEmpty(msg.ToolID),
		msg.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	return nil
}

// ListMessages returns all messages for a session in creation order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	query := `
		SELECT id, session_id, role, content, tool_name, tool_id, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var toolName, toolID sql.NullString
		var createdAt string

		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&toolName, &toolID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		msg.ToolName = toolName.String
		msg.ToolID = toolID.String
		if msg.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}

// ClearMessages deletes all messages for a session.
func (s *SQLiteStore) ClearMessages(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}
	return nil
}

// ResetActiveSessions flips sessions stuck in "active" back to "idle".
// Returns the number of sessions recovered.
func (s *SQLiteStore) ResetActiveSessions(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(timeFormat)
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE status = ?`,
		StatusIdle, now, StatusActive,
	)
	if err != nil {
		return 0, fmt.Errorf("resetting active sessions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking reset result: %w", err)
	}

	if rows > 0 {
		s.logger.Info("recovered sessions left active by a previous run", "count", rows)
	}
	return int(rows), nil
}

// nullIfEmpty converts an empty string to a NULL-able value
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
