// Package mobile implements the JSON WebSocket protocol between the relay
// and the mobile app: the server side hosted by the relay process and the
// client state machine used by the app-facing transport.
package mobile

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame type discriminators.
const (
	TypeAuth               = "auth"
	TypeMessage            = "message"
	TypeResponse           = "response"
	TypeStatus             = "status"
	TypeHistory            = "history"
	TypePermissionRequest  = "permission_request"
	TypePermissionResponse = "permission_response"
	TypeConversationList   = "conversation_list"
	TypeConversationUpdate = "conversation_update"
	TypeSelectConversation = "select_conversation"
)

// Frame is the envelope of every protocol message.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals a payload into an envelope.
func NewFrame(frameType string, data interface{}) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("mobile: marshal %s frame: %w", frameType, err)
	}
	return Frame{Type: frameType, Data: raw}, nil
}

// AuthRequest is the client's opening credentials (client → server).
type AuthRequest struct {
	Password string `json:"password"`
}

// AuthResult acknowledges the auth handshake (server → client).
type AuthResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ChatMessage is the wire shape of a timeline entry.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageData carries a client-composed message (client → server). Server
// broadcasts of timeline entries use ChatMessage directly.
type MessageData struct {
	Content string `json:"content"`
}

// StatusData reports relay status.
type StatusData struct {
	Status string `json:"status"`
}

// HistoryData replaces the client's visible timeline.
type HistoryData []ChatMessage

// PermissionRequestData announces a pending tool approval (server → client).
type PermissionRequestData struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	ToolType    string `json:"toolType"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Source      string `json:"source,omitempty"`
}

// PermissionResponseData carries the user's decision (client → server).
type PermissionResponseData struct {
	RequestID string    `json:"requestId"`
	Choice    string    `json:"choice"` // "approve" or "deny"
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// ConversationSummary is one entry of a conversation listing.
type ConversationSummary struct {
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	Active bool   `json:"active"`
}

// ConversationListData carries the known conversations (server → client).
// conversation_update frames reuse the same payload.
type ConversationListData struct {
	Conversations []ConversationSummary `json:"conversations"`
}

// SelectConversationData asks the server to switch the active conversation
// (client → server).
type SelectConversationData struct {
	ConversationID string `json:"conversationId"`
}
