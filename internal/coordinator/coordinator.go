// ABOUTME: Session coordinator owning per-session agent handles and turn execution
// ABOUTME: Enforces single-flight turns, persists messages, and fans out turn events

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/desk-gateway/internal/agent"
	"github.com/2389/desk-gateway/internal/fanout"
	"github.com/2389/desk-gateway/internal/store"
)

// ErrTurnInFlight indicates a turn is already running for the session.
// The external runtime is not safe for concurrent turns on one conversation.
var ErrTurnInFlight = errors.New("turn already in progress")

// ErrSessionClosed indicates the session has been closed and accepts no turns.
var ErrSessionClosed = errors.New("session is closed")

// ExecutionError wraps an upstream agent/provider failure for one turn.
// The session transitions to the error status but stays usable.
type ExecutionError struct {
	SessionID string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("agent turn failed for session %s: %v", e.SessionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// RuntimeConfig carries the gateway-level runtime settings merged into
// each session's agent configuration.
type RuntimeConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Provider     string
	MaxTokens    int
	SystemPrompt string
	TurnTimeout  time.Duration
}

// handle is the in-memory association between a session and its live
// runtime. Never persisted; rebuilt lazily after a restart.
type handle struct {
	sessionID string

	// mu guards runtime construction so concurrent first messages
	// create exactly one runtime instance.
	mu      sync.Mutex
	runtime agent.Runtime

	// inFlight is the single-flight turn claim.
	inFlight atomic.Bool
}

// Coordinator creates and reuses per-session agent handles, serializes
// turns per session, and relays runtime callbacks into the store and
// the event hub.
type Coordinator struct {
	store   store.Store
	hub     *fanout.Hub
	factory agent.Factory
	cfg     RuntimeConfig
	logger  *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

// New creates a Coordinator. The factory is invoked lazily, on the
// first message of each session.
func New(st store.Store, hub *fanout.Hub, factory agent.Factory, cfg RuntimeConfig, logger *slog.Logger) *Coordinator {
	if cfg.TurnTimeout == 0 {
		cfg.TurnTimeout = 5 * time.Minute
	}
	return &Coordinator{
		store:   st,
		hub:     hub,
		factory: factory,
		cfg:     cfg,
		logger:  logger,
		handles: make(map[string]*handle),
	}
}

// CreateParams are the caller-supplied fields for a new session.
type CreateParams struct {
	UserID       string
	Title        string
	Model        string
	APIProvider  string
	SystemPrompt string
	MaxTokens    int
}

// CreateSession inserts a new session with status "created". No runtime
// is instantiated until the first message arrives.
func (c *Coordinator) CreateSession(ctx context.Context, params CreateParams) (*store.Session, error) {
	id := uuid.New().String()

	title := params.Title
	if title == "" {
		title = "Session " + id[:8]
	}
	model := params.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	provider := params.APIProvider
	if provider == "" {
		provider = c.cfg.Provider
	}
	maxTokens := params.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}

	now := time.Now().UTC()
	session := &store.Session{
		ID:           id,
		UserID:       params.UserID,
		Title:        title,
		Model:        model,
		APIProvider:  provider,
		SystemPrompt: params.SystemPrompt,
		MaxTokens:    maxTokens,
		Status:       store.StatusCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActivity: now,
	}

	if err := c.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	c.logger.Info("session created", "session_id", id, "user_id", params.UserID, "model", model)
	return session, nil
}

// handleFor returns the live handle for a session, constructing the
// runtime on first use. Concurrent callers observe the same handle and
// the same runtime; construction is mutually exclusive per session.
func (c *Coordinator) handleFor(ctx context.Context, sessionID string) (*handle, *store.Session, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	h, ok := c.handles[sessionID]
	if !ok {
		h = &handle{sessionID: sessionID}
		c.handles[sessionID] = h
	}
	c.mu.Unlock()

	// Construct the runtime outside the map lock: the factory may
	// allocate resources in the external runtime and must not stall
	// other sessions.
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runtime == nil {
		rt, err := c.factory(agent.Config{
			SessionID:    session.ID,
			Model:        session.Model,
			Provider:     session.APIProvider,
			APIKey:       c.cfg.APIKey,
			BaseURL:      c.cfg.BaseURL,
			MaxTokens:    session.MaxTokens,
			SystemPrompt: session.SystemPrompt,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("constructing agent runtime: %w", err)
		}
		h.runtime = rt
		c.logger.Info("agent runtime created", "session_id", session.ID, "provider", session.APIProvider)
	}

	return h, session, nil
}

// ProcessUserMessage runs one agent turn for a session: persist the user
// message, execute the runtime with the conversation history, relay its
// callbacks to the store and the hub, and persist the final assistant
// message. Exactly one turn may run per session at a time.
func (c *Coordinator) ProcessUserMessage(ctx context.Context, sessionID, text string) (*store.Message, error) {
	h, session, err := c.handleFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == store.StatusClosed {
		return nil, ErrSessionClosed
	}

	// Single-flight claim. Must be indivisible: two concurrent calls for
	// the same session may not both proceed.
	if !h.inFlight.CompareAndSwap(false, true) {
		return nil, ErrTurnInFlight
	}
	defer h.inFlight.Store(false)

	// History is read before the new user message is persisted so the
	// runtime sees (history, new text) without duplication.
	history, err := c.loadHistory(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	userMsg := &store.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      store.RoleUser,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.SaveMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persisting user message: %w", err)
	}

	if err := c.store.UpdateSessionStatus(ctx, sessionID, store.StatusActive); err != nil {
		return nil, fmt.Errorf("marking session active: %w", err)
	}
	c.publishStatus(sessionID, store.StatusActive)

	turnCtx, cancel := context.WithTimeout(ctx, c.cfg.TurnTimeout)
	defer cancel()

	listener := &turnListener{coordinator: c, sessionID: sessionID}
	final, runErr := h.runtime.Run(turnCtx, history, text, listener)

	// Store writes after the run must survive caller cancellation: a
	// disconnected client is a turn failure to record, not a reason to
	// leave the session stuck "active" with no failure trace.
	storeCtx := context.WithoutCancel(ctx)

	// A persistence failure inside a callback fails the turn even when
	// the runtime itself completed.
	if runErr == nil {
		runErr = listener.persistErr
	}

	if runErr != nil {
		return nil, c.failTurn(storeCtx, sessionID, runErr)
	}

	assistantMsg := &store.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      store.RoleAssistant,
		Content:   final,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.SaveMessage(storeCtx, assistantMsg); err != nil {
		return nil, c.failTurn(storeCtx, sessionID, fmt.Errorf("persisting assistant message: %w", err))
	}

	if err := c.store.UpdateSessionStatus(storeCtx, sessionID, store.StatusIdle); err != nil {
		c.logger.Error("failed to mark session idle", "session_id", sessionID, "error", err)
	}

	c.publish(sessionID, fanout.Event{
		Type:      fanout.EventAgentMessage,
		SessionID: sessionID,
		Content:   mustJSON(final),
	})
	c.publishStatus(sessionID, store.StatusIdle)

	return assistantMsg, nil
}

// failTurn records a failed turn: session status goes to "error", a
// system message captures the cause, subscribers get an error event,
// and the caller gets an ExecutionError. The in-flight claim is
// released by the caller's defer regardless.
func (c *Coordinator) failTurn(ctx context.Context, sessionID string, cause error) error {
	c.logger.Error("agent turn failed", "session_id", sessionID, "error", cause)

	if err := c.store.UpdateSessionStatus(ctx, sessionID, store.StatusError); err != nil {
		c.logger.Error("failed to mark session errored", "session_id", sessionID, "error", err)
	}

	sysMsg := &store.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      store.RoleSystem,
		Content:   fmt.Sprintf("agent turn failed: %v", cause),
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.SaveMessage(ctx, sysMsg); err != nil {
		c.logger.Error("failed to persist turn failure", "session_id", sessionID, "error", err)
	}

	c.publish(sessionID, fanout.Event{
		Type:      fanout.EventError,
		SessionID: sessionID,
		Content:   mustJSON(map[string]string{"error": cause.Error()}),
	})

	return &ExecutionError{SessionID: sessionID, Err: cause}
}

// loadHistory converts the persisted user/assistant exchanges into
// runtime history. Tool and system messages are gateway bookkeeping and
// are not replayed to the model.
func (c *Coordinator) loadHistory(ctx context.Context, sessionID string) ([]agent.Turn, error) {
	messages, err := c.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var history []agent.Turn
	for _, msg := range messages {
		if msg.Role == store.RoleUser || msg.Role == store.RoleAssistant {
			history = append(history, agent.Turn{Role: msg.Role, Content: msg.Content})
		}
	}
	return history, nil
}

// DeleteSession removes a session, its messages, its live runtime, and
// its subscribers. Safe to call for unknown or already-deleted sessions.
func (c *Coordinator) DeleteSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	h := c.handles[sessionID]
	delete(c.handles, sessionID)
	c.mu.Unlock()

	if h != nil {
		h.mu.Lock()
		rt := h.runtime
		h.runtime = nil
		h.mu.Unlock()
		if rt != nil {
			if err := rt.Close(); err != nil {
				c.logger.Warn("runtime close failed", "session_id", sessionID, "error", err)
			}
		}
	}

	if err := c.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	c.hub.CloseSession(sessionID)
	c.logger.Info("session deleted", "session_id", sessionID)
	return nil
}

// ClearHistory removes every message for a session while keeping the
// session itself.
func (c *Coordinator) ClearHistory(ctx context.Context, sessionID string) error {
	if _, err := c.store.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return c.store.ClearMessages(ctx, sessionID)
}

// Recover resets sessions left "active" by a previous process. In-flight
// state is process-local, so any active session at startup is a crash
// leftover, not a running turn.
func (c *Coordinator) Recover(ctx context.Context) error {
	count, err := c.store.ResetActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("recovering stuck sessions: %w", err)
	}
	if count > 0 {
		c.logger.Info("recovered stuck sessions", "count", count)
	}
	return nil
}

// Close tears down all live runtimes.
func (c *Coordinator) Close() {
	c.mu.Lock()
	handles := c.handles
	c.handles = make(map[string]*handle)
	c.mu.Unlock()

	for _, h := range handles {
		h.mu.Lock()
		rt := h.runtime
		h.runtime = nil
		h.mu.Unlock()
		if rt != nil {
			if err := rt.Close(); err != nil {
				c.logger.Warn("runtime close failed", "session_id", h.sessionID, "error", err)
			}
		}
	}
}

// publish sends an event to the hub. Fan-out never fails a turn: the
// hub drops broken subscribers internally.
func (c *Coordinator) publish(sessionID string, ev fanout.Event) {
	c.hub.Publish(sessionID, ev)
}

func (c *Coordinator) publishStatus(sessionID, status string) {
	c.publish(sessionID, fanout.Event{
		Type:      fanout.EventStatus,
		SessionID: sessionID,
		Content:   mustJSON(map[string]string{"status": status}),
	})
}

// mustJSON marshals values whose encoding cannot fail (strings, maps of strings).
func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// turnListener relays runtime callbacks: each event is persisted and
// published before the next callback fires, preserving emission order.
type turnListener struct {
	coordinator *Coordinator
	sessionID   string

	// persistErr records the first persistence failure. Events keep
	// flowing to subscribers; the turn fails once the runtime returns.
	persistErr error
}

func (l *turnListener) OnOutput(text string) {
	l.coordinator.publish(l.sessionID, fanout.Event{
		Type:      fanout.EventAgentMessage,
		SessionID: l.sessionID,
		Content:   mustJSON(text),
	})
}

func (l *turnListener) OnToolCall(name string, input json.RawMessage, callID string) {
	l.record(&store.Message{
		ID:        uuid.New().String(),
		SessionID: l.sessionID,
		Role:      store.RoleTool,
		Content:   string(input),
		ToolName:  name,
		ToolID:    callID,
		CreatedAt: time.Now().UTC(),
	})

	l.coordinator.publish(l.sessionID, fanout.Event{
		Type:      fanout.EventToolCall,
		SessionID: l.sessionID,
		ToolName:  name,
		ToolID:    callID,
		Content:   json.RawMessage(input),
	})
}

func (l *turnListener) OnToolResult(callID string, output string, isErr bool) {
	l.record(&store.Message{
		ID:        uuid.New().String(),
		SessionID: l.sessionID,
		Role:      store.RoleTool,
		Content:   output,
		ToolID:    callID,
		CreatedAt: time.Now().UTC(),
	})

	l.coordinator.publish(l.sessionID, fanout.Event{
		Type:      fanout.EventToolResult,
		SessionID: l.sessionID,
		ToolID:    callID,
		Content: mustJSON(map[string]any{
			"output":   output,
			"is_error": isErr,
		}),
	})
}

// record persists a tool message, remembering the first failure.
func (l *turnListener) record(msg *store.Message) {
	if err := l.coordinator.store.SaveMessage(context.Background(), msg); err != nil {
		l.coordinator.logger.Error("failed to persist tool message",
			"session_id", l.sessionID, "error", err)
		if l.persistErr == nil {
			l.persistErr = err
		}
	}
}
