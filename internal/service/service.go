// Package service wires the relay pipeline together: it consumes the agent's
// raw event stream, reduces it to typed messages, enforces the permission
// gate, and fans traffic out to the chat platforms and the mobile endpoint.
// Inbound chat text flows the reverse path through the command router.
package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/zulandar/switchboard/internal/adapter"
	"github.com/zulandar/switchboard/internal/claude"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/mobile"
	"github.com/zulandar/switchboard/internal/relay"
	"github.com/zulandar/switchboard/internal/store"
)

// MobileHub is the mobile-facing broadcast surface. *mobile.Server satisfies
// it; tests substitute a recorder.
type MobileHub interface {
	Broadcast(msg mobile.ChatMessage)
	BroadcastStatus(status string)
	BroadcastPermissionRequest(req mobile.PermissionRequestData)
	BroadcastConversations(convs []mobile.ConversationSummary)
}

// Service owns the pipeline state: one reducer state per conversation, the
// permission manager, the command router, and the outbound fan-out.
type Service struct {
	cfg         config.Config
	transport   claude.Transport
	adapters    *adapter.Manager
	permissions *relay.PermissionManager
	store       *store.Store
	hub         MobileHub
	reducer     *relay.Reducer
	formatter   *relay.ChatFormatter
	router      *relay.CommandRouter
	out         io.Writer

	mu     sync.Mutex
	states map[string]*relay.State // conversationID → reducer state
}

// Opts holds parameters for creating a Service.
type Opts struct {
	Config      config.Config
	Transport   claude.Transport
	Adapters    *adapter.Manager
	Permissions *relay.PermissionManager
	Store       *store.Store
	Mobile      MobileHub // optional
	Out         io.Writer // defaults to os.Stdout
}

// New creates a Service and registers its command surface.
func New(opts Opts) (*Service, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("service: transport is required")
	}
	if opts.Adapters == nil {
		return nil, fmt.Errorf("service: adapter manager is required")
	}
	if opts.Permissions == nil {
		return nil, fmt.Errorf("service: permission manager is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("service: store is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	formatter := relay.NewChatFormatter()
	s := &Service{
		cfg:         opts.Config,
		transport:   opts.Transport,
		adapters:    opts.Adapters,
		permissions: opts.Permissions,
		store:       opts.Store,
		hub:         opts.Mobile,
		formatter:   formatter,
		out:         out,
		states:      make(map[string]*relay.State),
	}
	s.reducer = relay.NewReducer(relay.ReducerOpts{
		Gate:      relay.GateTools(opts.Config.Permissions.SensitiveTools...),
		Formatter: formatter,
	})

	router, err := relay.NewCommandRouter(relay.CommandRouterOpts{
		Prefix:      opts.Config.CommandPrefix,
		Permissions: opts.Permissions,
		Messages:    s,
		Formatter:   formatter,
		Out:         out,
	})
	if err != nil {
		return nil, err
	}
	s.router = router
	s.registerCommands()

	opts.Adapters.OnMessage(s.handleInbound)
	return s, nil
}

// Run consumes the agent event stream until it closes or ctx is cancelled.
// Events are processed sequentially, which serializes reduction per
// conversation.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.transport.Events():
			if !ok {
				return nil
			}
			s.processEvent(ctx, ev)
		}
	}
}

// Close releases the permission sweeper and the agent transport. Adapters are
// shut down by the caller that initialized them.
func (s *Service) Close() error {
	s.permissions.Close()
	return s.transport.Close()
}

// MessageByID searches every conversation's timeline. Implements
// relay.MessageSource for the command router. The returned message is a
// snapshot: the reducer keeps mutating the live one after the lock is
// released.
func (s *Service) MessageByID(id string) (*relay.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range s.states {
		if msg, ok := state.MessageByID(id); ok {
			return snapshotMessage(msg), true
		}
	}
	return nil, false
}

// snapshotMessage copies a timeline entry, including the payloads the reducer
// mutates in place on later batches.
func snapshotMessage(msg *relay.Message) *relay.Message {
	c := *msg
	if msg.Tool != nil {
		tool := *msg.Tool
		c.Tool = &tool
	}
	if msg.Permission != nil {
		perm := *msg.Permission
		c.Permission = &perm
	}
	return &c
}

// History returns the mobile-facing timeline of the active conversation.
func (s *Service) History() []mobile.ChatMessage {
	convID := s.activeConversationID()
	recs, err := s.store.History(convID, 100)
	if err != nil {
		log.Printf("service: history: %v", err)
		return nil
	}
	out := make([]mobile.ChatMessage, 0, len(recs))
	for _, rec := range recs {
		role := "assistant"
		if rec.Kind == string(relay.KindUserText) {
			role = "user"
		}
		out = append(out, mobile.ChatMessage{
			ID:        rec.ID,
			Role:      role,
			Content:   rec.Content,
			Timestamp: rec.Timestamp,
		})
	}
	return out
}

// processEvent reduces one raw batch and fans the changes out. It holds the
// state lock end to end: adapter and mobile callbacks read and resolve the
// same per-conversation state from their own goroutines, and the reducer
// mutates message payloads in place.
func (s *Service) processEvent(ctx context.Context, ev claude.RawEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[ev.ConversationID]
	if !ok {
		state = relay.NewState()
		s.states[ev.ConversationID] = state
	}
	res := s.reducer.Reduce(state, ev.Messages, ev.Agent)
	if !res.HasChanges {
		return
	}

	if err := s.store.UpsertConversation(ev.ConversationID, ""); err != nil {
		log.Printf("service: %v", err)
	}
	for _, msg := range res.NewMessages {
		s.persist(ev.ConversationID, msg)
	}

	for _, p := range res.Permissions {
		if p.Permission == nil {
			continue
		}
		s.permissions.Track(p.Permission.ID, ev.ConversationID, p.Permission.ToolName, p.Permission.Input)
		if s.hub != nil {
			s.hub.BroadcastPermissionRequest(mobile.PermissionRequestData{
				ID:          p.Permission.ID,
				Type:        "tool_approval",
				ToolType:    p.Permission.ToolName,
				Title:       s.formatter.ToolSummary(&relay.ToolInfo{Name: p.Permission.ToolName, Input: p.Permission.Input}),
				Description: p.Content,
				Status:      string(relay.PermissionPending),
				Source:      "agent",
			})
		}
	}

	s.fanOut(ctx, res.NewMessages)
}

// persist writes one message into the timeline store.
func (s *Service) persist(conversationID string, msg *relay.Message) {
	rec := store.ChatRecord{
		ID:             msg.ID,
		ConversationID: conversationID,
		Kind:           string(msg.Kind),
		Platform:       msg.Platform,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
	}
	if msg.Tool != nil {
		rec.ToolName = msg.Tool.Name
		rec.Content = msg.Summary
	}
	if msg.Kind == relay.KindToolResult {
		rec.ToolName = msg.ToolName
		rec.Content = msg.Result
	}
	if err := s.store.SaveMessage(rec); err != nil {
		log.Printf("service: %v", err)
	}
}

// fanOut renders the changed messages per platform tier and delivers the
// batches, then mirrors text traffic to the mobile endpoint.
func (s *Service) fanOut(ctx context.Context, msgs []*relay.Message) {
	for _, platform := range s.adapters.GetConnectedPlatforms() {
		chunks := s.formatter.FormatMessagesForChat(msgs, string(platform))
		for _, chunk := range chunks {
			if err := s.adapters.SendMessage(ctx, platform, "", chunk); err != nil {
				log.Printf("service: fan out to %s: %v", platform, err)
			}
		}
	}

	if s.hub == nil {
		return
	}
	for _, msg := range msgs {
		switch msg.Kind {
		case relay.KindUserText:
			s.hub.Broadcast(mobile.ChatMessage{
				ID: msg.ID, Role: "user", Content: msg.Content, Timestamp: msg.Timestamp,
			})
		case relay.KindAgentText:
			s.hub.Broadcast(mobile.ChatMessage{
				ID: msg.ID, Role: "assistant", Content: msg.Content, Timestamp: msg.Timestamp,
			})
		case relay.KindEvent:
			if msg.Event != nil {
				s.hub.BroadcastStatus(string(msg.Event.Type))
			}
		}
	}
}

// handleInbound processes a chat message arriving from any platform adapter.
func (s *Service) handleInbound(in adapter.Inbound) {
	ctx := context.Background()

	if !s.adapters.VerifyUser(in.Platform, in.UserID) {
		s.reply(ctx, in, "You are not authorized to use this bot.")
		return
	}

	cctx := &relay.CommandContext{
		Ctx:            ctx,
		Platform:       string(in.Platform),
		ChatID:         in.ChatID,
		ConversationID: s.activeConversationID(),
		UserID:         in.UserID,
	}
	if res := s.router.Dispatch(cctx, in.Text); res != nil {
		if res.Message != "" {
			s.reply(ctx, in, res.Message)
		}
		return
	}

	s.forwardToAgent(ctx, in.Text, func(err error) {
		s.reply(ctx, in, fmt.Sprintf("Failed to reach the agent: %v", err))
	})
}

// HandleMobileMessage forwards a mobile-composed message to the agent.
func (s *Service) HandleMobileMessage(content string) {
	s.forwardToAgent(context.Background(), content, func(err error) {
		if s.hub != nil {
			s.hub.BroadcastStatus("error")
		}
	})
}

// HandleMobilePermissionResponse applies a mobile approve/deny decision.
func (s *Service) HandleMobilePermissionResponse(data mobile.PermissionResponseData) {
	decision := relay.DecisionDeny
	if data.Choice == "approve" {
		decision = relay.DecisionApprove
	}
	if err := s.permissions.Respond(context.Background(), data.RequestID, decision); err != nil {
		log.Printf("service: mobile permission response: %v", err)
		return
	}
	status := relay.PermissionDenied
	if decision == relay.DecisionApprove {
		status = relay.PermissionApproved
	}
	s.mu.Lock()
	for _, state := range s.states {
		state.ResolvePermission(data.RequestID, status, string(decision))
	}
	s.mu.Unlock()
}

// HandleMobileSelectConversation switches the active conversation.
func (s *Service) HandleMobileSelectConversation(conversationID string) {
	if err := s.store.SwitchConversation(conversationID); err != nil {
		log.Printf("service: %v", err)
		return
	}
	s.broadcastConversations()
}

// forwardToAgent sends user text to the active conversation.
func (s *Service) forwardToAgent(ctx context.Context, text string, onErr func(error)) {
	convID := s.activeConversationID()
	if _, err := s.transport.Send(ctx, convID, s.cfg.ProjectPath, text); err != nil {
		log.Printf("service: forward to agent: %v", err)
		onErr(err)
	}
}

// reply sends a short response back to the originating chat.
func (s *Service) reply(ctx context.Context, in adapter.Inbound, text string) {
	if err := s.adapters.SendMessage(ctx, in.Platform, in.ChatID, text); err != nil {
		log.Printf("service: reply to %s: %v", in.Platform, err)
	}
}

// activeConversationID returns the selected conversation, or "" when none is.
func (s *Service) activeConversationID() string {
	conv, err := s.store.ActiveConversation()
	if err != nil || conv == nil {
		return ""
	}
	return conv.ID
}

func (s *Service) broadcastConversations() {
	if s.hub == nil {
		return
	}
	convs, err := s.store.Conversations()
	if err != nil {
		log.Printf("service: %v", err)
		return
	}
	out := make([]mobile.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, mobile.ConversationSummary{ID: c.ID, Title: c.Title, Active: c.Active})
	}
	s.hub.BroadcastConversations(out)
}

// registerCommands installs the service-level command surface.
func (s *Service) registerCommands() {
	prefix := s.router.Prefix()

	s.router.Register("status", func(cctx *relay.CommandContext) (*relay.CommandResult, error) {
		platforms := s.adapters.GetConnectedPlatforms()
		names := make([]string, len(platforms))
		for i, p := range platforms {
			names[i] = string(p)
		}
		conv := s.activeConversationID()
		if conv == "" {
			conv = "none"
		}
		pending := len(s.permissions.List())
		return &relay.CommandResult{
			Success: true,
			Message: fmt.Sprintf("Connected: %s\nActive conversation: %s\nPending permissions: %d",
				strings.Join(names, ", "), conv, pending),
		}, nil
	})

	s.router.Register("history", func(cctx *relay.CommandContext) (*relay.CommandResult, error) {
		n := 10
		if len(cctx.Args) > 0 {
			if _, err := fmt.Sscanf(cctx.Args[0], "%d", &n); err != nil || n <= 0 {
				return &relay.CommandResult{Success: false,
					Message: fmt.Sprintf("Usage: %shistory [n]", prefix)}, nil
			}
		}
		recs, err := s.store.History(cctx.ConversationID, n)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			return &relay.CommandResult{Success: true, Message: "No messages yet."}, nil
		}
		var b strings.Builder
		for _, rec := range recs {
			fmt.Fprintf(&b, "[%s] %s\n", rec.Kind, rec.Content)
		}
		return &relay.CommandResult{Success: true, Message: strings.TrimRight(b.String(), "\n")}, nil
	})

	s.router.Register("switch", func(cctx *relay.CommandContext) (*relay.CommandResult, error) {
		if len(cctx.Args) == 0 {
			return &relay.CommandResult{Success: false,
				Message: fmt.Sprintf("Usage: %sswitch <conversationId>", prefix)}, nil
		}
		if err := s.store.SwitchConversation(cctx.Args[0]); err != nil {
			return &relay.CommandResult{Success: false,
				Message: fmt.Sprintf("Unknown conversation: %s", cctx.Args[0])}, nil
		}
		s.broadcastConversations()
		return &relay.CommandResult{Success: true,
			Message: fmt.Sprintf("Switched to conversation %s", cctx.Args[0])}, nil
	})

	s.router.Register("clear", func(cctx *relay.CommandContext) (*relay.CommandResult, error) {
		s.mu.Lock()
		s.states[cctx.ConversationID] = relay.NewState()
		s.mu.Unlock()
		return &relay.CommandResult{Success: true, Message: "Conversation context cleared."}, nil
	})

	s.router.Register("model", func(cctx *relay.CommandContext) (*relay.CommandResult, error) {
		if len(cctx.Args) == 0 {
			return &relay.CommandResult{Success: false,
				Message: fmt.Sprintf("Usage: %smodel <modelId>", prefix)}, nil
		}
		if _, err := s.transport.Send(cctx.Ctx, cctx.ConversationID, s.cfg.ProjectPath,
			"/model "+cctx.Args[0]); err != nil {
			return nil, err
		}
		return &relay.CommandResult{Success: true,
			Message: fmt.Sprintf("Model switched to %s", cctx.Args[0])}, nil
	})

	s.router.Register("trust", func(cctx *relay.CommandContext) (*relay.CommandResult, error) {
		if _, err := s.transport.Send(cctx.Ctx, cctx.ConversationID, s.cfg.ProjectPath, "/trust"); err != nil {
			return nil, err
		}
		return &relay.CommandResult{Success: true, Message: "Project directory trusted."}, nil
	})

	s.router.Register("help", func(cctx *relay.CommandContext) (*relay.CommandResult, error) {
		return &relay.CommandResult{Success: true, Message: fmt.Sprintf(
			"Commands:\n"+
				"%[1]sstatus — connection and conversation overview\n"+
				"%[1]shistory [n] — recent messages\n"+
				"%[1]sapprove / %[1]sdeny — answer the latest permission request\n"+
				"%[1]sfull <messageId> — untruncated tool output\n"+
				"%[1]sswitch <conversationId> — change the active conversation\n"+
				"%[1]sclear — reset conversation context\n"+
				"%[1]smodel <modelId> — switch the agent model\n"+
				"%[1]strust — trust the project directory\n"+
				"%[1]shelp — this message", prefix)}, nil
	})
}
