// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session   // keyed by session ID
	messages map[string][]*Message // keyed by session ID, in insertion order

	// FailSaveMessage, when set, makes SaveMessage return this error.
	// Used to exercise persistence-failure paths in coordinator tests.
	FailSaveMessage error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
	}
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Make a copy to avoid external modification
	s := *session
	m.sessions[s.ID] = &s
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}

	s := *session
	return &s, nil
}

// UpdateSession applies the non-nil fields of update.
func (m *MockStore) UpdateSession(ctx context.Context, id string, update SessionUpdate) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}

	if update.Title != nil {
		session.Title = *update.Title
	}
	if update.Status != nil {
		session.Status = *update.Status
	}
	if update.SystemPrompt != nil {
		session.SystemPrompt = *update.SystemPrompt
	}
	if update.MaxTokens != nil {
		session.MaxTokens = *update.MaxTokens
	}
	session.UpdatedAt = time.Now().UTC()

	s := *session
	return &s, nil
}

// UpdateSessionStatus sets a session's status.
func (m *MockStore) UpdateSessionStatus(ctx context.Context, id string, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}

	session.Status = status
	now := time.Now().UTC()
	session.UpdatedAt = now
	session.LastActivity = now
	return nil
}

// ListSessions returns sessions for a user, newest first.
func (m *MockStore) ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var sessions []*Session
	for _, session := range m.sessions {
		if userID != "" && session.UserID != userID {
			continue
		}
		s := *session
		sessions = append(sessions, &s)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})

	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// DeleteSession removes a session and its messages. No-op for unknown IDs.
func (m *MockStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

// SaveMessage appends a message to a session's history.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailSaveMessage != nil {
		return m.FailSaveMessage
	}

	message := *msg
	m.messages[message.SessionID] = append(m.messages[message.SessionID], &message)
	return nil
}

// ListMessages returns all messages for a session in insertion order.
func (m *MockStore) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[sessionID]
	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		c := *msg
		result[i] = &c
	}
	return result, nil
}

// ClearMessages deletes all messages for a session.
func (m *MockStore) ClearMessages(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.messages, sessionID)
	return nil
}

// ResetActiveSessions flips "active" sessions back to "idle".
func (m *MockStore) ResetActiveSessions(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, session := range m.sessions {
		if session.Status == StatusActive {
			session.Status = StatusIdle
			session.UpdatedAt = time.Now().UTC()
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
