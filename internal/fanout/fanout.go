// ABOUTME: Per-session event fan-out for live subscribers
// ABOUTME: Decouples turn event production from delivery to WebSocket clients

package fanout

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// EventType tags the payload of an Event.
type EventType string

const (
	EventAgentMessage EventType = "agent_message"
	EventToolCall     EventType = "tool_call"
	EventToolResult   EventType = "tool_result"
	EventStatus       EventType = "status"
	EventError        EventType = "error"
)

// Event is one unit of live session output delivered to subscribers.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	Content   json.RawMessage `json:"content,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolID    string          `json:"tool_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// subscriberBuffer is the channel capacity per subscriber. A subscriber
// that falls this far behind is evicted rather than allowed to stall
// the publisher or reorder events.
const subscriberBuffer = 64

// Subscription is one live delivery target for a session's events.
type Subscription struct {
	sessionID string
	ch        chan Event

	mu     sync.Mutex
	closed bool
}

// Events returns the channel events are delivered on. The channel is
// closed when the subscription is evicted, its session is torn down,
// or Unsubscribe is called.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// send attempts a non-blocking delivery. Returns false if the
// subscriber is closed or its buffer is full.
func (s *Subscription) send(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// close marks the subscription dead and closes its channel. Idempotent.
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Hub fans session events out to zero or more subscribers. Publishing
// to a session with no subscribers is a no-op; a broken or slow
// subscriber is dropped without surfacing an error to the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{} // keyed by session ID
	logger *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		logger: logger,
	}
}

// Subscribe registers a new delivery target for a session's events.
// It does not replay history; callers needing history read the store first.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		ch:        make(chan Event, subscriberBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*Subscription]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}

	h.logger.Debug("subscriber attached", "session_id", sessionID, "subscribers", len(h.subs[sessionID]))
	return sub
}

// Unsubscribe removes a delivery target. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	if set, ok := h.subs[sub.sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.sessionID)
		}
	}
	h.mu.Unlock()

	sub.close()
}

// Publish delivers an event to every current subscriber of the session,
// in publish order per subscriber. Subscribers that cannot accept the
// event are evicted; delivery to the rest proceeds.
func (h *Hub) Publish(sessionID string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	set := h.subs[sessionID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	var evicted []*Subscription
	for _, sub := range targets {
		if !sub.send(ev) {
			evicted = append(evicted, sub)
		}
	}

	for _, sub := range evicted {
		h.logger.Debug("dropping unresponsive subscriber", "session_id", sessionID)
		h.Unsubscribe(sub)
	}
}

// CloseSession tears down every subscriber for a session. Used when the
// session is deleted.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	set := h.subs[sessionID]
	delete(h.subs, sessionID)
	h.mu.Unlock()

	for sub := range set {
		sub.close()
	}
}

// Close tears down all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for sub := range set {
			sub.close()
		}
	}
}

// SubscriberCount returns the number of live subscribers for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
