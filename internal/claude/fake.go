package claude

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SentMessage records one Send call on a Fake transport.
type SentMessage struct {
	ConversationID string
	ProjectPath    string
	Message        string
	MessageID      string
}

// PermissionReply records one RespondPermission call on a Fake transport.
type PermissionReply struct {
	ConversationID string
	Choice         string
}

// Fake is a channel-backed Transport for tests and local dry runs. Events are
// injected with Emit.
type Fake struct {
	mu      sync.Mutex
	closed  bool
	sent    []SentMessage
	replies []PermissionReply
	events  chan RawEvent

	SendErr    error // returned from Send when set
	RespondErr error // returned from RespondPermission when set
}

// NewFake creates a Fake transport with a buffered event channel.
func NewFake() *Fake {
	return &Fake{events: make(chan RawEvent, 16)}
}

// Send records the message and fabricates a message id.
func (f *Fake) Send(ctx context.Context, conversationID, projectPath, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", fmt.Errorf("claude: transport closed")
	}
	if f.SendErr != nil {
		return "", f.SendErr
	}
	id := uuid.NewString()
	f.sent = append(f.sent, SentMessage{
		ConversationID: conversationID,
		ProjectPath:    projectPath,
		Message:        message,
		MessageID:      id,
	})
	return id, nil
}

// RespondPermission records the decision.
func (f *Fake) RespondPermission(ctx context.Context, conversationID, choice string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("claude: transport closed")
	}
	if f.RespondErr != nil {
		return f.RespondErr
	}
	f.replies = append(f.replies, PermissionReply{ConversationID: conversationID, Choice: choice})
	return nil
}

// Events returns the injectable event stream.
func (f *Fake) Events() <-chan RawEvent { return f.events }

// Close closes the event channel. Safe to call more than once.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

// Emit injects an event, dropping it if the transport is closed.
func (f *Fake) Emit(ev RawEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- ev
}

// Sent returns a copy of recorded Send calls.
func (f *Fake) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// Replies returns a copy of recorded permission decisions.
func (f *Fake) Replies() []PermissionReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PermissionReply, len(f.replies))
	copy(out, f.replies)
	return out
}
