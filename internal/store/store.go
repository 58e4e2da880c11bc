// ABOUTME: Store interface and data types for desk-gateway persistence
// ABOUTME: Defines Session, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Session status constants. A session starts as "created", flips to
// "active" while a turn is running, rests at "idle" between turns, and
// lands on "error" when a turn fails. "closed" is terminal.
const (
	StatusCreated = "created"
	StatusActive  = "active"
	StatusIdle    = "idle"
	StatusError   = "error"
	StatusClosed  = "closed"
)

// Session represents a computer-use agent session
type Session struct {
	ID           string
	UserID       string
	Title        string
	Model        string
	APIProvider  string
	SystemPrompt string
	MaxTokens    int
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastActivity time.Time
}

// Message role constants
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Message represents a single message within a session for history/replay purposes
type Message struct {
	ID        string
	SessionID string
	Role      string // "user", "assistant", "tool", "system"
	Content   string
	ToolName  string // For tool messages: name of the tool being called
	ToolID    string // Links a tool call to its corresponding result
	CreatedAt time.Time
}

// SessionUpdate carries the mutable session fields for UpdateSession.
// Nil fields are left unchanged.
type SessionUpdate struct {
	Title        *string
	Status       *string
	SystemPrompt *string
	MaxTokens    *int
}

// Store defines the interface for session and message persistence
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, id string, update SessionUpdate) (*Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status string) error
	ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error)
	// DeleteSession removes a session and all of its messages. Deleting
	// a session that does not exist is not an error.
	DeleteSession(ctx context.Context, id string) error

	// Messages (for history/replay)
	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, sessionID string) ([]*Message, error)
	ClearMessages(ctx context.Context, sessionID string) error

	// ResetActiveSessions flips every "active" session back to "idle".
	// Run once at startup: a crash mid-turn leaves sessions stuck in
	// "active" with no live turn behind them.
	ResetActiveSessions(ctx context.Context) (int, error)

	// Close releases any resources held by the store
	Close() error
}
