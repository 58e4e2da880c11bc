// ABOUTME: WebSocket streaming endpoint forwarding fan-out events to clients
// ABOUTME: Accepts ping and user_message frames from the browser side

package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/desk-gateway/internal/coordinator"
	"github.com/2389/desk-gateway/internal/store"
)

// clientFrame is a message sent by the WebSocket client.
type clientFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// serverFrame is a message sent to the WebSocket client. Turn events use
// the fanout.Event encoding directly; pong and error frames use this.
type serverFrame struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// handleStream upgrades to a WebSocket and forwards the session's
// fan-out events as JSON frames until the client disconnects.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := g.store.GetSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := g.hub.Subscribe(sessionID)
	defer g.hub.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Frames produced by the read loop (pongs, turn errors). Writes to
	// the connection happen only in the loop below.
	outbound := make(chan serverFrame, 8)

	go g.readClientFrames(ctx, cancel, conn, sessionID, outbound)

	g.logger.Debug("stream attached", "session_id", sessionID)
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-outbound:
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				// Session deleted or subscriber evicted.
				conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

// readClientFrames consumes client frames until the connection drops.
// user_message frames start a turn; its events arrive through the
// fan-out subscription like everyone else's.
func (g *Gateway) readClientFrames(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sessionID string, outbound chan<- serverFrame) {
	defer cancel()

	for {
		var frame clientFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}

		switch frame.Type {
		case "ping":
			select {
			case outbound <- serverFrame{Type: "pong"}:
			case <-ctx.Done():
				return
			}
		case "user_message":
			if frame.Content == "" {
				continue
			}
			go g.runStreamTurn(ctx, sessionID, frame.Content, outbound)
		default:
			g.logger.Debug("unknown client frame", "session_id", sessionID, "type", frame.Type)
		}
	}
}

// runStreamTurn executes a turn triggered over the stream. Successful
// output reaches the client via fan-out; only failures that produce no
// error event (conflict, deleted session) are reported directly.
func (g *Gateway) runStreamTurn(ctx context.Context, sessionID, text string, outbound chan<- serverFrame) {
	_, err := g.coordinator.ProcessUserMessage(ctx, sessionID, text)
	if err == nil {
		return
	}

	var execErr *coordinator.ExecutionError
	if errors.As(err, &execErr) {
		// Subscribers already saw the error event.
		return
	}

	msg := "internal error"
	switch {
	case errors.Is(err, coordinator.ErrTurnInFlight):
		msg = "a turn is already in progress"
	case errors.Is(err, coordinator.ErrSessionClosed):
		msg = "session is closed"
	case errors.Is(err, store.ErrNotFound):
		msg = "session not found"
	}

	select {
	case outbound <- serverFrame{Type: "error", Error: msg}:
	case <-ctx.Done():
	}
}
