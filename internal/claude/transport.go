// Package claude defines the boundary to the local coding agent process. The
// relay consumes its raw event stream and sends user input and permission
// decisions back through it.
package claude

import (
	"context"

	"github.com/zulandar/switchboard/internal/relay"
)

// RawEvent is one batch of raw output from the agent, tagged with the
// conversation it belongs to. Agent carries the pending permission requests
// visible at the time of the batch, when the transport reports them.
type RawEvent struct {
	ConversationID string
	Messages       []relay.RawMessage
	Agent          *relay.AgentState
}

// Transport is the connection to the agent. Implementations are expected to
// deliver events in arrival order on the Events channel and close it when the
// connection ends.
type Transport interface {
	// Send forwards a user message to the agent and returns the id the
	// agent assigned to it.
	Send(ctx context.Context, conversationID, projectPath, message string) (string, error)

	// RespondPermission answers a pending permission prompt with the
	// agent's expected wire choice ("yes" or "no").
	RespondPermission(ctx context.Context, conversationID, choice string) error

	// Events streams raw agent output batches.
	Events() <-chan RawEvent

	// Close tears down the connection and closes the event channel.
	Close() error
}
