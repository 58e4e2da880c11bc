// ABOUTME: HTTP client for the vendored computer-use sidecar container
// ABOUTME: Streams NDJSON turn events and dispatches them to a Listener

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// turnRequest is the JSON body for POST {base_url}/v1/sessions/{id}/turn.
type turnRequest struct {
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	APIKey       string `json:"api_key"`
	MaxTokens    int    `json:"max_tokens"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	History      []Turn `json:"history"`
	UserText     string `json:"user_text"`
}

// turnEvent is one NDJSON line of the sidecar's turn stream.
type turnEvent struct {
	Type     string          `json:"type"` // "output", "tool_call", "tool_result", "done", "error"
	Text     string          `json:"text,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	ToolID   string          `json:"tool_id,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`
	Status   int             `json:"status,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// RemoteRuntime talks to the computer-use loop running in the VNC container.
// One instance per session; the sidecar keeps the desktop state for the
// session alive between turns.
type RemoteRuntime struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewRemoteRuntime creates a runtime bound to cfg.SessionID.
// Satisfies the Factory signature.
func NewRemoteRuntime(cfg Config) (Runtime, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("agent runtime requires a base URL")
	}

	return &RemoteRuntime{
		cfg: cfg,
		client: &http.Client{
			// No overall timeout: turns are long-lived streams. The
			// coordinator bounds them with a context deadline.
			Timeout: 0,
		},
		logger: slog.Default().With("component", "agent", "session_id", cfg.SessionID),
	}, nil
}

// Run posts the turn to the sidecar and relays its NDJSON event stream.
func (r *RemoteRuntime) Run(ctx context.Context, history []Turn, userText string, l Listener) (string, error) {
	body, err := json.Marshal(turnRequest{
		Model:        r.cfg.Model,
		Provider:     r.cfg.Provider,
		APIKey:       r.cfg.APIKey,
		MaxTokens:    r.cfg.MaxTokens,
		SystemPrompt: r.cfg.SystemPrompt,
		History:      history,
		UserText:     userText,
	})
	if err != nil {
		return "", fmt.Errorf("encoding turn request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/sessions/%s/turn", r.cfg.BaseURL, r.cfg.SessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building turn request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling agent sidecar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &ProviderError{StatusCode: resp.StatusCode, Message: string(msg)}
	}

	final, err := r.relayEvents(resp.Body, l)
	if err != nil {
		return "", err
	}

	r.logger.Debug("turn complete", "duration", time.Since(start))
	return final, nil
}

// relayEvents scans the NDJSON stream line by line, dispatching each event
// to the listener. Returns the final assistant text from the "done" event.
func (r *RemoteRuntime) relayEvents(body io.Reader, l Listener) (string, error) {
	scanner := bufio.NewScanner(body)
	// Tool results can carry base64 screenshots
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev turnEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return "", fmt.Errorf("decoding turn event: %w", err)
		}

		switch ev.Type {
		case "output":
			l.OnOutput(ev.Text)
		case "tool_call":
			l.OnToolCall(ev.ToolName, ev.Input, ev.ToolID)
		case "tool_result":
			l.OnToolResult(ev.ToolID, ev.Output, ev.IsError)
		case "done":
			return ev.Text, nil
		case "error":
			status := ev.Status
			if status == 0 {
				status = http.StatusBadGateway
			}
			return "", &ProviderError{StatusCode: status, Message: ev.Message}
		default:
			r.logger.Warn("unknown turn event type", "type", ev.Type)
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading turn stream: %w", err)
	}

	return "", fmt.Errorf("turn stream ended without a done event")
}

// Close tells the sidecar to tear down the session's desktop state.
// Best effort: a missing or already-gone session is not an error.
func (r *RemoteRuntime) Close() error {
	url := fmt.Sprintf("%s/v1/sessions/%s", r.cfg.BaseURL, r.cfg.SessionID)
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("building cleanup request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("sidecar cleanup failed", "error", err)
		return nil
	}
	resp.Body.Close()
	return nil
}
