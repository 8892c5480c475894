// Package agent defines the wire-level contract between the orchestrator
// and agent provider backends: session operations, the typed event shapes
// providers emit, and the client interfaces concrete SDK adapters satisfy.
package agent

import "context"

// Event types recognized from provider event streams.
const (
	EventSessionIdle    = "session.idle"
	EventSessionStatus  = "session.status"
	EventSessionError   = "session.error"
	EventFileEdited     = "file.edited"
	EventMessageUpdated = "message.updated"
	EventToolCall       = "tool.call"
)

// Tool names recognized in tool.call events.
const (
	ToolGitCommit = "git_commit"
	ToolBash      = "bash"
	ToolWriteFile = "write_file"
	ToolEditFile  = "edit_file"
)

// StatusIdle is the terminal session status type.
const StatusIdle = "idle"

// SessionStatus reports the remote session state.
type SessionStatus struct {
	Type string `json:"type"` // idle, busy, error
}

// Idle reports whether the session has finished processing.
func (s *SessionStatus) Idle() bool {
	return s == nil || s.Type == StatusIdle
}

// Diff is one file touched in a message summary.
type Diff struct {
	File string `json:"file"`
}

// MessageSummary aggregates the diffs a provider reports per message.
type MessageSummary struct {
	Diffs []Diff `json:"diffs"`
}

// EventProperties carries the per-type payload of an event.
type EventProperties struct {
	SessionID string          `json:"sessionID,omitempty"`
	Status    *SessionStatus  `json:"status,omitempty"`
	File      string          `json:"file,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	Output    string          `json:"output,omitempty"`
	Message   string          `json:"message,omitempty"`
	Summary   *MessageSummary `json:"summary,omitempty"`
}

// Event is one typed event from a provider stream.
type Event struct {
	Type       string          `json:"type"`
	Properties EventProperties `json:"properties"`
}

// PromptPart is one part of a prompt message.
type PromptPart struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

// PromptRequest carries a prompt with an optional model override.
type PromptRequest struct {
	Model string       `json:"model,omitempty"`
	Parts []PromptPart `json:"parts"`
}

// EventStream yields events from an open subscription. Next blocks until
// an event arrives, the stream fails, or ctx is done.
type EventStream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Client is the session-oriented provider surface used by the
// event-stream executor. Concrete SDK adapters live outside the core.
type Client interface {
	// Subscribe opens the event subscription. Callers subscribe before
	// prompting so terminal events cannot be missed.
	Subscribe(ctx context.Context) (EventStream, error)
	// CreateSession starts a session rooted in dir.
	CreateSession(ctx context.Context, dir string) (string, error)
	// Prompt sends the prompt to a session.
	Prompt(ctx context.Context, sessionID string, req PromptRequest) error
	// SessionStatus queries the remote session state. A nil status with a
	// nil error means the session is gone.
	SessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error)
	// AbortSession stops a session remotely. Best effort.
	AbortSession(ctx context.Context, sessionID string) error
	// ListSessions is used as a cheap health probe.
	ListSessions(ctx context.Context) ([]string, error)
}

// ChatClient is the request/response provider surface used by the chat
// executor.
type ChatClient interface {
	// Complete runs one completion in dir and returns the raw output.
	Complete(ctx context.Context, dir string, req PromptRequest) (string, error)
	// Ping is a cheap liveness probe.
	Ping(ctx context.Context) error
}
