package relay

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// DefaultCommandPrefix triggers command handling on inbound chat text.
const DefaultCommandPrefix = "/"

// ParsedCommand is the result of scanning a chat message for a command.
type ParsedCommand struct {
	IsCommand bool
	Command   string
	Args      []string
}

// ParseCommand recognizes a command iff text starts with prefix. The first
// whitespace-delimited token (case-folded, prefix stripped) is the command
// name; remaining tokens are positional arguments.
func ParseCommand(text, prefix string) ParsedCommand {
	if prefix == "" {
		prefix = DefaultCommandPrefix
	}
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, prefix) {
		return ParsedCommand{}
	}
	fields := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(fields) == 0 {
		return ParsedCommand{}
	}
	return ParsedCommand{
		IsCommand: true,
		Command:   strings.ToLower(fields[0]),
		Args:      fields[1:],
	}
}

// CommandContext carries the originating message into a command handler.
type CommandContext struct {
	Ctx            context.Context
	Platform       string
	ChatID         string
	ConversationID string
	UserID         string
	Text           string
	Args           []string
}

// CommandResult is what a command sends back to the originating chat.
type CommandResult struct {
	Success bool
	Message string
	Data    map[string]any
}

// CommandFunc is a pluggable command handler.
type CommandFunc func(cctx *CommandContext) (*CommandResult, error)

// MessageSource resolves message ids for the full-output command.
type MessageSource interface {
	MessageByID(id string) (*Message, bool)
}

// CommandRouter dispatches user-issued commands. Resolution order: explicitly
// registered handlers, then the fixed service-level commands (approve, deny,
// full), then a help pointer for anything unknown. Handler errors and panics
// never escape Dispatch; they are rendered as error replies.
type CommandRouter struct {
	prefix      string
	permissions *PermissionManager
	messages    MessageSource
	formatter   *ChatFormatter
	out         io.Writer

	mu       sync.RWMutex
	handlers map[string]CommandFunc
}

// CommandRouterOpts holds parameters for creating a CommandRouter.
type CommandRouterOpts struct {
	Prefix      string // defaults to DefaultCommandPrefix
	Permissions *PermissionManager
	Messages    MessageSource
	Formatter   *ChatFormatter // defaults to NewChatFormatter()
	Out         io.Writer      // defaults to os.Stdout
}

// NewCommandRouter creates a CommandRouter.
func NewCommandRouter(opts CommandRouterOpts) (*CommandRouter, error) {
	if opts.Permissions == nil {
		return nil, fmt.Errorf("relay: command router: permission manager is required")
	}
	if opts.Messages == nil {
		return nil, fmt.Errorf("relay: command router: message source is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultCommandPrefix
	}
	formatter := opts.Formatter
	if formatter == nil {
		formatter = NewChatFormatter()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &CommandRouter{
		prefix:      prefix,
		permissions: opts.Permissions,
		messages:    opts.Messages,
		formatter:   formatter,
		out:         out,
		handlers:    make(map[string]CommandFunc),
	}, nil
}

// Prefix returns the configured command prefix.
func (r *CommandRouter) Prefix() string { return r.prefix }

// Register installs a handler for a command name (case-folded).
func (r *CommandRouter) Register(name string, fn CommandFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(name)] = fn
}

// Dispatch parses and executes a command. It returns nil when the text is not
// a command at all; otherwise it always returns a result, converting handler
// failures into error replies.
func (r *CommandRouter) Dispatch(cctx *CommandContext, text string) *CommandResult {
	parsed := ParseCommand(text, r.prefix)
	if !parsed.IsCommand {
		return nil
	}
	cctx.Text = text
	cctx.Args = parsed.Args

	fmt.Fprintf(r.out, "relay: command %q args=%v [platform=%s chat=%s]\n",
		parsed.Command, parsed.Args, cctx.Platform, cctx.ChatID)

	r.mu.RLock()
	handler, ok := r.handlers[parsed.Command]
	r.mu.RUnlock()
	if ok {
		return r.invoke(parsed.Command, handler, cctx)
	}

	switch parsed.Command {
	case "approve":
		return r.cmdRespond(cctx, DecisionApprove)
	case "deny":
		return r.cmdRespond(cctx, DecisionDeny)
	case "full":
		return r.cmdFull(cctx)
	}

	return &CommandResult{
		Success: false,
		Message: fmt.Sprintf("Unknown command: %s%s — try %shelp", r.prefix, parsed.Command, r.prefix),
	}
}

// invoke runs a registered handler, containing errors and panics.
func (r *CommandRouter) invoke(name string, fn CommandFunc, cctx *CommandContext) (res *CommandResult) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("relay: command %s panicked: %v", name, rec)
			res = &CommandResult{Success: false, Message: fmt.Sprintf("Command %s%s failed", r.prefix, name)}
		}
	}()
	result, err := fn(cctx)
	if err != nil {
		log.Printf("relay: command %s: %v", name, err)
		return &CommandResult{Success: false, Message: fmt.Sprintf("Command %s%s failed: %v", r.prefix, name, err)}
	}
	if result == nil {
		result = &CommandResult{Success: true}
	}
	return result
}

// cmdRespond approves or denies the most recent pending permission.
func (r *CommandRouter) cmdRespond(cctx *CommandContext, decision Decision) *CommandResult {
	pending := r.permissions.List()
	if len(pending) == 0 {
		return &CommandResult{Success: false, Message: "没有待处理的权限请求"}
	}
	latest := pending[len(pending)-1]
	if err := r.permissions.Respond(cctx.Ctx, latest.ID, decision); err != nil {
		return &CommandResult{Success: false, Message: "没有待处理的权限请求"}
	}
	verb := "approved"
	if decision == DecisionDeny {
		verb = "denied"
	}
	return &CommandResult{
		Success: true,
		Message: fmt.Sprintf("Permission %s: %s", verb, latest.ToolName),
		Data:    map[string]any{"permissionId": latest.ID},
	}
}

// cmdFull returns the untruncated output of a tool-call message.
func (r *CommandRouter) cmdFull(cctx *CommandContext) *CommandResult {
	if len(cctx.Args) == 0 {
		return &CommandResult{Success: false, Message: fmt.Sprintf("Usage: %sfull <messageId>", r.prefix)}
	}
	msg, ok := r.messages.MessageByID(cctx.Args[0])
	if !ok {
		return &CommandResult{Success: false, Message: fmt.Sprintf("No message with id %s", cctx.Args[0])}
	}
	switch msg.Kind {
	case KindToolCall:
		return &CommandResult{Success: true, Message: r.formatter.ToolDetail(msg.Tool)}
	case KindToolResult:
		out := msg.FullOutput
		if out == "" {
			out = msg.Result
		}
		return &CommandResult{Success: true, Message: out}
	default:
		return &CommandResult{Success: true, Message: msg.Content}
	}
}
