// ABOUTME: Contract between the gateway and the external computer-use runtime
// ABOUTME: Defines the Runtime interface, turn listener callbacks, and provider errors

package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Config carries the per-session parameters a runtime is constructed with.
type Config struct {
	SessionID    string
	Model        string
	Provider     string // "anthropic", "comet", ...
	APIKey       string
	BaseURL      string // address of the computer-use sidecar
	MaxTokens    int
	SystemPrompt string
}

// Turn is one prior exchange in the conversation history handed to Run.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Listener receives the intermediate events of a running turn. Callbacks
// fire synchronously, in emission order, from within Run.
type Listener interface {
	// OnOutput is called for each intermediate text block the agent produces.
	OnOutput(text string)
	// OnToolCall is called when the agent invokes a tool (screenshot, click, bash, ...).
	OnToolCall(name string, input json.RawMessage, callID string)
	// OnToolResult is called with the outcome of a tool invocation.
	OnToolResult(callID string, output string, isErr bool)
}

// Runtime is a live agent instance bound to one session. Implementations
// are not safe for concurrent turns; the coordinator serializes calls.
type Runtime interface {
	// Run executes one turn: the full prior history plus the new user text.
	// It returns the final assistant message after all tool activity settles.
	Run(ctx context.Context, history []Turn, userText string, l Listener) (string, error)
	// Close releases runtime resources.
	Close() error
}

// Factory constructs a Runtime for a session. The coordinator calls it
// lazily on the first message of a session.
type Factory func(cfg Config) (Runtime, error)

// ProviderError is an upstream LLM/tool failure with an HTTP-like status.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
}
