// ABOUTME: Tests for the in-memory MockStore
// ABOUTME: Verifies parity with SQLite semantics for the behaviors the coordinator relies on

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMockStore_SessionLifecycle(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	session := testSession("user-1")
	if err := m.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	got, err := m.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession() failed: %v", err)
	}
	if got.Status != StatusCreated {
		t.Errorf("Status = %q, want %q", got.Status, StatusCreated)
	}

	// Returned session is a copy; mutating it must not leak into the store
	got.Title = "mutated"
	again, err := m.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession() failed: %v", err)
	}
	if again.Title == "mutated" {
		t.Error("GetSession() returned a shared pointer, want a copy")
	}

	if err := m.UpdateSessionStatus(ctx, session.ID, StatusError); err != nil {
		t.Fatalf("UpdateSessionStatus() failed: %v", err)
	}
	if err := m.UpdateSessionStatus(ctx, "missing", StatusIdle); err != ErrNotFound {
		t.Errorf("UpdateSessionStatus() error = %v, want ErrNotFound", err)
	}
}

func TestMockStore_DeleteIsIdempotent(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	session := testSession("user-1")
	if err := m.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	if err := m.SaveMessage(ctx, &Message{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Role:      RoleUser,
		Content:   "hello",
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("SaveMessage() failed: %v", err)
	}

	if err := m.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("DeleteSession() failed: %v", err)
	}
	if err := m.DeleteSession(ctx, session.ID); err != nil {
		t.Errorf("second DeleteSession() failed: %v", err)
	}

	msgs, err := m.ListMessages(ctx, session.ID)
	if err != nil {
		t.Fatalf("ListMessages() failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("len(messages) = %d after delete, want 0", len(msgs))
	}
}

func TestMockStore_MessageOrder(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	session := testSession("user-1")
	if err := m.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	roles := []string{RoleUser, RoleTool, RoleAssistant}
	for _, role := range roles {
		if err := m.SaveMessage(ctx, &Message{
			ID:        uuid.New().String(),
			SessionID: session.ID,
			Role:      role,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("SaveMessage() failed: %v", err)
		}
	}

	msgs, err := m.ListMessages(ctx, session.ID)
	if err != nil {
		t.Fatalf("ListMessages() failed: %v", err)
	}
	for i, msg := range msgs {
		if msg.Role != roles[i] {
			t.Errorf("msgs[%d].Role = %q, want %q", i, msg.Role, roles[i])
		}
	}
}

func TestMockStore_ResetActiveSessions(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	active := testSession("user-1")
	active.Status = StatusActive
	if err := m.CreateSession(ctx, active); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	count, err := m.ResetActiveSessions(ctx)
	if err != nil {
		t.Fatalf("ResetActiveSessions() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	got, _ := m.GetSession(ctx, active.ID)
	if got.Status != StatusIdle {
		t.Errorf("Status = %q, want %q", got.Status, StatusIdle)
	}
}
