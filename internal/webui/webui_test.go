// ABOUTME: Tests for the embedded chat UI handler
// ABOUTME: Verifies session list, history rendering, and markdown conversion

package webui

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2389/desk-gateway/internal/auth"
	"github.com/2389/desk-gateway/internal/store"
)

func newTestHandler(t *testing.T) (*Handler, *store.MockStore) {
	t.Helper()
	st := store.NewMockStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, "http://localhost:6080/vnc.html", logger), st
}

func seedSession(t *testing.T, st *store.MockStore, id string) *store.Session {
	t.Helper()
	s := &store.Session{
		ID:           id,
		UserID:       auth.AnonymousUser,
		Title:        "Desktop task",
		Model:        "claude-sonnet-4-20250514",
		Status:       store.StatusIdle,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
	}
	if err := st.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("seeding session: %v", err)
	}
	return s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req = req.WithContext(auth.WithUser(req.Context(), auth.AnonymousUser))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIndex_ListsSessions(t *testing.T) {
	h, st := newTestHandler(t)
	seedSession(t, st, "sess-1")

	rec := get(t, h, "/ui/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "Desktop task") {
		t.Error("session title missing from index")
	}
	if !strings.Contains(body, "/ui/sessions/sess-1") {
		t.Error("session link missing from index")
	}
}

func TestIndex_Empty(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := get(t, h, "/ui/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "No sessions yet") {
		t.Error("empty state missing")
	}
}

func TestSession_RendersMarkdownHistory(t *testing.T) {
	h, st := newTestHandler(t)
	s := seedSession(t, st, "sess-1")

	ctx := context.Background()
	msgs := []*store.Message{
		{ID: "m1", SessionID: s.ID, Role: store.RoleUser, Content: "open **calculator**"},
		{ID: "m2", SessionID: s.ID, Role: store.RoleTool, Content: `{"action":"screenshot"}`, ToolName: "computer", ToolID: "t1"},
		{ID: "m3", SessionID: s.ID, Role: store.RoleAssistant, Content: "I opened the **calculator** for you."},
	}
	for _, m := range msgs {
		if err := st.SaveMessage(ctx, m); err != nil {
			t.Fatalf("seeding message: %v", err)
		}
	}

	rec := get(t, h, "/ui/sessions/sess-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()

	// Assistant markdown is converted, user text stays escaped
	if !strings.Contains(body, "<strong>calculator</strong>") {
		t.Error("assistant markdown not rendered")
	}
	if !strings.Contains(body, "open **calculator**") {
		t.Error("user message should be plain text")
	}
	// Tool bookkeeping stays out of the rendered transcript
	if strings.Contains(body, "screenshot") {
		t.Error("tool message leaked into transcript")
	}
	if !strings.Contains(body, "http://localhost:6080/vnc.html") {
		t.Error("vnc link missing")
	}
}

func TestSession_NotFound(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := get(t, h, "/ui/sessions/nonexistent")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStaticAssets(t *testing.T) {
	h, _ := newTestHandler(t)

	for _, path := range []string{"/ui/static/app.js", "/ui/static/style.css"} {
		rec := get(t, h, path)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}
