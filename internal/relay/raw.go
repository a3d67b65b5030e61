package relay

import (
	"encoding/json"
	"time"
)

// RawMessage is one unprocessed record from the assistant stream. Records may
// be duplicated across batches; the reducer deduplicates by ID.
type RawMessage struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"` // "user", "assistant", "system"
	Type      string         `json:"type,omitempty"`
	LocalID   string         `json:"localId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Content   []ContentBlock `json:"content,omitempty"`

	// Event fields for system/event records.
	EventType string         `json:"eventType,omitempty"`
	EventData map[string]any `json:"eventData,omitempty"`
	Text      string         `json:"text,omitempty"`

	// ParentToolUseID marks a sidechain record spawned by a subagent tool call.
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`
}

// ContentBlock is one block inside a raw message's content array, mirroring
// the assistant's stream-json shapes.
type ContentBlock struct {
	Type string `json:"type"` // "text", "tool_use", "tool_result"

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText renders a tool_result block's content as a plain string. String
// payloads are unquoted; anything else is returned as compact JSON.
func (b ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	return string(b.Content)
}

// AgentState is the assistant-side state snapshot optionally supplied to the
// reducer. Requests lists tool invocations awaiting user approval.
type AgentState struct {
	Requests []PermissionRequest `json:"requests,omitempty"`
}

// PermissionRequest is one pending tool-approval request from the assistant.
type PermissionRequest struct {
	ID        string         `json:"id"`
	ToolUseID string         `json:"toolUseId"`
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
