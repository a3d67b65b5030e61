package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter implements Adapter for testing. It records sent messages and
// notifications, simulates inbound messages via SimulateInbound, and supports
// failure injection on connect, send, and disconnect.
type MockAdapter struct {
	platform Platform

	mu            sync.Mutex
	connected     bool
	handler       Handler
	sent          []MockSent
	notifications []Notification
	allowedUsers  map[string]bool

	// Failure injection.
	ConnectErr    error
	SendErr       error
	DisconnectErr error
}

// MockSent records one SendMessage call.
type MockSent struct {
	ChatID  string
	Content string
}

// NewMockAdapter creates a MockAdapter for the given platform tag.
func NewMockAdapter(platform Platform) *MockAdapter {
	return &MockAdapter{
		platform:     platform,
		allowedUsers: make(map[string]bool),
	}
}

// Platform returns the adapter's platform tag.
func (m *MockAdapter) Platform() Platform { return m.platform }

// Connect marks the adapter as connected, or fails with the injected error.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.connected = true
	return nil
}

// Disconnect marks the adapter as disconnected.
func (m *MockAdapter) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return m.DisconnectErr
}

// SendMessage records the outbound message.
func (m *MockAdapter) SendMessage(ctx context.Context, chatID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock %s: not connected", m.platform)
	}
	if m.SendErr != nil {
		return m.SendErr
	}
	m.sent = append(m.sent, MockSent{ChatID: chatID, Content: content})
	return nil
}

// SendNotification records the outbound notification.
func (m *MockAdapter) SendNotification(ctx context.Context, chatID string, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock %s: not connected", m.platform)
	}
	if m.SendErr != nil {
		return m.SendErr
	}
	m.notifications = append(m.notifications, n)
	return nil
}

// VerifyUser checks the configured allowlist; an empty allowlist admits all.
func (m *MockAdapter) VerifyUser(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.allowedUsers) == 0 {
		return true
	}
	return m.allowedUsers[userID]
}

// IsConnected reports the current connection state.
func (m *MockAdapter) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// OnMessage registers the inbound callback.
func (m *MockAdapter) OnMessage(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// --- Test helpers ---

// SimulateInbound delivers a message as if it came from the chat platform.
func (m *MockAdapter) SimulateInbound(msg Inbound) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if msg.Platform == "" {
		msg.Platform = m.platform
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if h != nil {
		h(msg)
	}
}

// AllowUser adds a user id to the allowlist.
func (m *MockAdapter) AllowUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowedUsers[userID] = true
}

// AllSent returns a copy of all recorded SendMessage calls.
func (m *MockAdapter) AllSent() []MockSent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSent, len(m.sent))
	copy(out, m.sent)
	return out
}

// LastSent returns the most recent SendMessage call.
func (m *MockAdapter) LastSent() (MockSent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return MockSent{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// Notifications returns a copy of all recorded notifications.
func (m *MockAdapter) Notifications() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.notifications))
	copy(out, m.notifications)
	return out
}
