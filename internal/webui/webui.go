// ABOUTME: Embedded browser chat client for talking to desktop agent sessions
// ABOUTME: Renders session list and history server-side, live turns go over WebSocket

package webui

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/yuin/goldmark"

	"github.com/2389/desk-gateway/internal/auth"
	"github.com/2389/desk-gateway/internal/store"
)

// Handler serves the embedded chat UI.
type Handler struct {
	store  store.Store
	vncURL string
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates the UI handler. vncURL, when set, is linked from the
// session page so the user can watch the desktop.
func New(st store.Store, vncURL string, logger *slog.Logger) *Handler {
	h := &Handler{
		store:  st,
		vncURL: vncURL,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ui/", h.handleIndex)
	mux.HandleFunc("GET /ui/sessions/{id}", h.handleSession)
	mux.Handle("GET /ui/static/", http.StripPrefix("/ui/", http.FileServerFS(staticFS)))
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type sessionItem struct {
	ID     string
	Title  string
	Status string
	Model  string
}

type indexData struct {
	Title    string
	Sessions []sessionItem
}

type messageView struct {
	Role     string
	Content  template.HTML
	ToolName string
}

type sessionData struct {
	Title    string
	Session  *store.Session
	Messages []messageView
	VNCURL   string
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())

	sessions, err := h.store.ListSessions(r.Context(), userID, 100)
	if err != nil {
		h.logger.Error("failed to list sessions for ui", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	data := indexData{Title: "Desk Gateway"}
	for _, s := range sessions {
		data.Sessions = append(data.Sessions, sessionItem{
			ID:     s.ID,
			Title:  s.Title,
			Status: s.Status,
			Model:  s.Model,
		})
	}
	h.render(w, "index.html", data)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	messages, err := h.store.ListMessages(r.Context(), session.ID)
	if err != nil {
		h.logger.Error("failed to list messages for ui", "session_id", session.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	data := sessionData{
		Title:   session.Title,
		Session: session,
		VNCURL:  h.vncURL,
	}
	for _, m := range messages {
		if m.Role == store.RoleTool {
			// Tool chatter clutters the transcript; the live view shows it
			continue
		}
		data.Messages = append(data.Messages, messageView{
			Role:     m.Role,
			Content:  h.renderContent(m),
			ToolName: m.ToolName,
		})
	}
	h.render(w, "session.html", data)
}

// renderContent converts assistant markdown to HTML; other roles are
// shown as escaped plain text.
func (h *Handler) renderContent(m *store.Message) template.HTML {
	if m.Role != store.RoleAssistant {
		return template.HTML(template.HTMLEscapeString(m.Content))
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(m.Content), &buf); err != nil {
		h.logger.Error("failed to convert markdown", "error", err)
		return template.HTML(template.HTMLEscapeString(m.Content))
	}
	return template.HTML(buf.String())
}

func (h *Handler) render(w http.ResponseWriter, name string, data any) {
	tmpl, err := template.ParseFS(templateFS, "templates/"+name)
	if err != nil {
		h.logger.Error("failed to parse template", "template", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		h.logger.Error("failed to render template", "template", name, "error", err)
	}
}
