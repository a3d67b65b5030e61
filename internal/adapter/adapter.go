// Package adapter defines the capability contract every chat backend must
// satisfy and the manager that fans one logical conversation out to all
// connected platforms.
package adapter

import (
	"context"
	"errors"
	"time"
)

// Platform tags a chat backend. The tag is an explicit value carried by each
// adapter instance, never derived from a type name.
type Platform string

const (
	PlatformWhatsApp Platform = "whatsapp"
	PlatformFeishu   Platform = "feishu"
	PlatformDiscord  Platform = "discord"
	PlatformSlack    Platform = "slack"
)

// ErrNotConnected is returned when a send is attempted on a platform with no
// connected adapter.
var ErrNotConnected = errors.New("adapter: platform not connected")

// Notification is a structured alert (permission request, assistant event)
// as opposed to plain conversation text.
type Notification struct {
	Title    string
	Body     string
	Severity string // "info", "warning", "error", "success"
}

// Inbound is a user message received from a chat platform.
type Inbound struct {
	Platform  Platform
	ChatID    string
	UserID    string
	UserName  string
	Text      string
	Timestamp time.Time
}

// Handler consumes inbound messages fanned out by the Manager.
type Handler func(msg Inbound)

// Adapter is the interface platform-specific connectors must satisfy. All
// operations that can fail surface explicit errors; silent drops are only
// permitted inside the manager's handler fan-out.
type Adapter interface {
	// Platform returns the adapter's platform tag.
	Platform() Platform

	// Connect establishes the platform connection.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down. Safe to call when not connected.
	Disconnect() error

	// SendMessage delivers conversation text to a chat. An empty chatID
	// targets the adapter's configured default chat.
	SendMessage(ctx context.Context, chatID, content string) error

	// SendNotification delivers a structured alert to a chat.
	SendNotification(ctx context.Context, chatID string, n Notification) error

	// VerifyUser reports whether a platform user is allowed to issue
	// commands.
	VerifyUser(userID string) bool

	// IsConnected reports the current connection state.
	IsConnected() bool

	// OnMessage registers the inbound callback. Adapters deliver every
	// received user message to it.
	OnMessage(h Handler)
}
