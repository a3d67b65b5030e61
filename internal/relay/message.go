// Package relay implements the message reducer and multi-platform relay
// pipeline: it turns raw assistant stream records into a deduplicated, typed
// message timeline, gates sensitive tool calls behind a permission lifecycle,
// routes slash commands, and formats messages for chat platforms.
package relay

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the message union.
type Kind string

const (
	KindUserText   Kind = "user-text"
	KindAgentText  Kind = "agent-text"
	KindToolCall   Kind = "tool-call"
	KindToolResult Kind = "tool-result"
	KindPermission Kind = "permission"
	KindEvent      Kind = "event"
	KindError      Kind = "error"
)

// ToolState tracks a tool invocation through its lifetime.
type ToolState string

const (
	ToolRunning   ToolState = "running"
	ToolCompleted ToolState = "completed"
	ToolError     ToolState = "error"
)

// PermissionStatus tracks a permission gate through its lifetime.
type PermissionStatus string

const (
	PermissionPending  PermissionStatus = "pending"
	PermissionApproved PermissionStatus = "approved"
	PermissionDenied   PermissionStatus = "denied"
	PermissionCanceled PermissionStatus = "canceled"
)

// EventType classifies system events surfaced on the timeline.
type EventType string

const (
	EventReady        EventType = "ready"
	EventModeSwitch   EventType = "mode_switch"
	EventContextReset EventType = "context_reset"
	EventCompaction   EventType = "compaction"
	EventErr          EventType = "error"
)

// Message is one entry in the typed timeline. Kind selects which of the
// optional payloads is populated.
type Message struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	Timestamp      time.Time `json:"timestamp"`
	Platform       string    `json:"platform,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`

	// user-text / agent-text
	Content   string `json:"content,omitempty"`
	LocalID   string `json:"localId,omitempty"` // client dedup key
	Streaming bool   `json:"streaming,omitempty"`

	// tool-call (Permission is carried over when a gate preceded the call)
	Tool       *ToolInfo       `json:"tool,omitempty"`
	Permission *PermissionInfo `json:"permission,omitempty"`
	Summary    string          `json:"summary,omitempty"`

	// tool-result
	ToolUseID  string `json:"toolUseId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	Result     string `json:"result,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
	FullOutput string `json:"fullOutput,omitempty"`

	// permission
	Actions []Action `json:"actions,omitempty"`

	// event
	Event *EventInfo `json:"event,omitempty"`

	// error
	Error       *ErrorInfo `json:"error,omitempty"`
	Recoverable bool       `json:"recoverable,omitempty"`
}

// ToolInfo is the payload of a tool-call message.
type ToolInfo struct {
	Name        string         `json:"name"`
	State       ToolState      `json:"state"`
	Input       map[string]any `json:"input,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Result      string         `json:"result,omitempty"`
}

// PermissionInfo is the permission sub-object attached to permission and
// tool-call messages.
type PermissionInfo struct {
	ID       string           `json:"id"`
	ToolName string           `json:"toolName,omitempty"`
	Input    map[string]any   `json:"input,omitempty"`
	Status   PermissionStatus `json:"status"`
	Reason   string           `json:"reason,omitempty"`
	Decision string           `json:"decision,omitempty"`
}

// Action is a label/command pair offered to the user on a permission message.
type Action struct {
	Label   string `json:"label"`
	Command string `json:"command"`
}

// EventInfo is the payload of an event message.
type EventInfo struct {
	Type    EventType      `json:"type"`
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
}

// ErrorInfo is the payload of an error message.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// NewID returns a process-unique message identifier.
func NewID() string {
	return uuid.NewString()
}

// defaultActions are the approve/deny choices offered on every synthesized
// permission message.
func defaultActions() []Action {
	return []Action{
		{Label: "Approve", Command: "/approve"},
		{Label: "Deny", Command: "/deny"},
	}
}
