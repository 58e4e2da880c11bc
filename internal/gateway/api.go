// ABOUTME: HTTP API handlers for session CRUD, message history, and simple chat
// ABOUTME: Validates requests and translates between JSON bodies and the coordinator

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/desk-gateway/internal/auth"
	"github.com/2389/desk-gateway/internal/coordinator"
	"github.com/2389/desk-gateway/internal/fanout"
	"github.com/2389/desk-gateway/internal/store"
)

// CreateSessionRequest is the JSON request body for POST /api/v1/sessions.
type CreateSessionRequest struct {
	Title        string `json:"title,omitempty"`
	Model        string `json:"model,omitempty"`
	APIProvider  string `json:"api_provider,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
}

// UpdateSessionRequest is the JSON request body for PATCH /api/v1/sessions/{id}.
type UpdateSessionRequest struct {
	Title        *string `json:"title,omitempty"`
	Status       *string `json:"status,omitempty"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
	MaxTokens    *int    `json:"max_tokens,omitempty"`
}

// VNCInfo describes the desktop viewer connection for a session.
type VNCInfo struct {
	Display string `json:"display"`
	Port    int    `json:"port"`
	WebURL  string `json:"web_url"`
}

// SessionResponse is the JSON representation of a session.
type SessionResponse struct {
	ID           string   `json:"id"`
	UserID       string   `json:"user_id"`
	Title        string   `json:"title"`
	Model        string   `json:"model"`
	APIProvider  string   `json:"api_provider"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	MaxTokens    int      `json:"max_tokens"`
	Status       string   `json:"status"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
	LastActivity string   `json:"last_activity"`
	VNC          *VNCInfo `json:"vnc,omitempty"`
}

// MessageResponse is the JSON representation of a stored message.
type MessageResponse struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	ToolName  string `json:"tool_name,omitempty"`
	ToolID    string `json:"tool_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// AppendMessageRequest is the JSON request body for POST /api/v1/sessions/{id}/messages.
type AppendMessageRequest struct {
	Content  string `json:"content"`
	Role     string `json:"role"`
	ToolName string `json:"tool_name,omitempty"`
	ToolID   string `json:"tool_id,omitempty"`
}

// SimpleChatRequest is the JSON request body for POST /api/v1/simple/chat.
type SimpleChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// SimpleChatResponse is the synchronous chat result.
type SimpleChatResponse struct {
	SessionID    string   `json:"session_id"`
	Response     string   `json:"response"`
	Success      bool     `json:"success"`
	ActionsTaken []string `json:"actions_taken"`
	Error        string   `json:"error,omitempty"`
}

func (g *Gateway) sessionResponse(s *store.Session, withVNC bool) SessionResponse {
	resp := SessionResponse{
		ID:           s.ID,
		UserID:       s.UserID,
		Title:        s.Title,
		Model:        s.Model,
		APIProvider:  s.APIProvider,
		SystemPrompt: s.SystemPrompt,
		MaxTokens:    s.MaxTokens,
		Status:       s.Status,
		CreatedAt:    s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    s.UpdatedAt.Format(time.RFC3339),
		LastActivity: s.LastActivity.Format(time.RFC3339),
	}
	if withVNC && g.cfg.VNC.WebURL != "" {
		resp.VNC = &VNCInfo{
			Display: g.cfg.VNC.Display,
			Port:    g.cfg.VNC.Port,
			WebURL:  g.cfg.VNC.WebURL,
		}
	}
	return resp
}

func messageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      m.Role,
		Content:   m.Content,
		ToolName:  m.ToolName,
		ToolID:    m.ToolID,
		CreatedAt: m.CreatedAt.Format(time.RFC3339),
	}
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	userID, _ := auth.UserFromContext(r.Context())

	session, err := g.coordinator.CreateSession(r.Context(), coordinator.CreateParams{
		UserID:       userID,
		Title:        req.Title,
		Model:        req.Model,
		APIProvider:  req.APIProvider,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, g.sessionResponse(session, true))
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())

	sessions, err := g.store.ListSessions(r.Context(), userID, 100)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, g.sessionResponse(s, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": resp})
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := g.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g.sessionResponse(session, true))
}

func (g *Gateway) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req UpdateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Status != nil && !validStatus(*req.Status) {
		sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", *req.Status))
		return
	}

	session, err := g.store.UpdateSession(r.Context(), r.PathValue("id"), store.SessionUpdate{
		Title:        req.Title,
		Status:       req.Status,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g.sessionResponse(session, true))
}

func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := g.coordinator.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := g.store.GetSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	messages, err := g.store.ListMessages(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := make([]MessageResponse, 0, len(messages))
	for _, m := range messages {
		resp = append(resp, messageResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": resp})
}

// handleAppendMessage persists a message without triggering a turn. Turn
// execution happens over the stream or through the simple chat endpoint.
func (g *Gateway) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req AppendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}
	if !validRole(req.Role) {
		sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid role %q", req.Role))
		return
	}

	if _, err := g.store.GetSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	msg := &store.Message{
		ID:        uuid.New().String(),
		SessionID: id,
		Role:      req.Role,
		Content:   req.Content,
		CreatedAt: time.Now().UTC(),
	}
	if req.Role == store.RoleTool {
		msg.ToolName = req.ToolName
		msg.ToolID = req.ToolID
	}
	if err := g.store.SaveMessage(r.Context(), msg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse(msg))
}

func (g *Gateway) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	if err := g.coordinator.ClearHistory(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSimpleChat is the synchronous fallback path: one request, one
// full agent turn, one response. Tool activity during the turn is
// collected from the fan-out hub and reported as actions_taken.
func (g *Gateway) handleSimpleChat(w http.ResponseWriter, r *http.Request) {
	var req SimpleChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		sendJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		userID, _ := auth.UserFromContext(r.Context())
		session, err := g.coordinator.CreateSession(r.Context(), coordinator.CreateParams{UserID: userID})
		if err != nil {
			writeError(w, err)
			return
		}
		sessionID = session.ID
	}

	// Subscribe before the turn starts so no tool event is missed.
	sub := g.hub.Subscribe(sessionID)
	defer g.hub.Unsubscribe(sub)

	msg, err := g.coordinator.ProcessUserMessage(r.Context(), sessionID, req.Message)
	if err != nil {
		var execErr *coordinator.ExecutionError
		if errors.As(err, &execErr) {
			// The turn ran and failed; report it in the chat contract
			// rather than as a transport error.
			writeJSON(w, http.StatusOK, SimpleChatResponse{
				SessionID:    sessionID,
				Success:      false,
				ActionsTaken: collectActions(sub),
				Error:        execErr.Err.Error(),
			})
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SimpleChatResponse{
		SessionID:    sessionID,
		Response:     msg.Content,
		Success:      true,
		ActionsTaken: collectActions(sub),
	})
}

// collectActions drains buffered events and describes the tool calls.
func collectActions(sub *fanout.Subscription) []string {
	actions := []string{}
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return actions
			}
			if ev.Type == fanout.EventToolCall {
				actions = append(actions, describeToolCall(ev))
			}
		default:
			return actions
		}
	}
}

func describeToolCall(ev fanout.Event) string {
	if len(ev.Content) == 0 {
		return ev.ToolName
	}
	return fmt.Sprintf("%s: %s", ev.ToolName, string(ev.Content))
}

func validStatus(s string) bool {
	switch s {
	case store.StatusCreated, store.StatusActive, store.StatusIdle, store.StatusError, store.StatusClosed:
		return true
	}
	return false
}

func validRole(r string) bool {
	switch r {
	case store.RoleUser, store.RoleAssistant, store.RoleTool, store.RoleSystem:
		return true
	}
	return false
}
