package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/adapter"
	"github.com/zulandar/switchboard/internal/claude"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/mobile"
	"github.com/zulandar/switchboard/internal/relay"
	"github.com/zulandar/switchboard/internal/store"
)

// recordingHub captures mobile broadcasts.
type recordingHub struct {
	mu       sync.Mutex
	messages []mobile.ChatMessage
	statuses []string
	perms    []mobile.PermissionRequestData
	convs    [][]mobile.ConversationSummary
}

func (h *recordingHub) Broadcast(msg mobile.ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHub) BroadcastStatus(status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, status)
}

func (h *recordingHub) BroadcastPermissionRequest(req mobile.PermissionRequestData) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.perms = append(h.perms, req)
}

func (h *recordingHub) BroadcastConversations(convs []mobile.ConversationSummary) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.convs = append(h.convs, convs)
}

type fixture struct {
	svc       *Service
	transport *claude.Fake
	whatsapp  *adapter.MockAdapter
	hub       *recordingHub
	cancel    context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	transport := claude.NewFake()
	manager := adapter.NewManager(adapter.ManagerOpts{Out: io.Discard})
	whatsapp := adapter.NewMockAdapter(adapter.PlatformWhatsApp)
	if err := manager.Register(whatsapp); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := manager.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	permissions, err := relay.NewPermissionManager(relay.PermissionManagerOpts{
		Transport: transport,
	})
	if err != nil {
		t.Fatalf("permission manager: %v", err)
	}

	st, err := store.Open()
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hub := &recordingHub{}
	svc, err := New(Opts{
		Config: config.Config{
			CommandPrefix: "/",
			ProjectPath:   "/work/demo",
		},
		Transport:   transport,
		Adapters:    manager,
		Permissions: permissions,
		Store:       st,
		Mobile:      hub,
		Out:         io.Discard,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		transport.Close()
		<-done
	})

	return &fixture{svc: svc, transport: transport, whatsapp: whatsapp, hub: hub, cancel: cancel}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestService_RelaysAgentTextToPlatforms(t *testing.T) {
	f := newFixture(t)

	f.transport.Emit(claude.RawEvent{
		ConversationID: "conv-1",
		Messages: []relay.RawMessage{{
			ID:        "raw-1",
			Role:      "assistant",
			Timestamp: time.Now(),
			Content:   []relay.ContentBlock{{Type: "text", Text: "I fixed the bug."}},
		}},
	})

	waitFor(t, func() bool { return len(f.whatsapp.AllSent()) == 1 }, "platform delivery")
	if last, _ := f.whatsapp.LastSent(); !strings.Contains(last.Content, "I fixed the bug.") {
		t.Errorf("unexpected relayed content: %q", last.Content)
	}

	// Mobile mirror.
	waitFor(t, func() bool {
		f.hub.mu.Lock()
		defer f.hub.mu.Unlock()
		return len(f.hub.messages) == 1
	}, "mobile broadcast")
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	if f.hub.messages[0].Role != "assistant" || f.hub.messages[0].Content != "I fixed the bug." {
		t.Errorf("unexpected mobile message: %+v", f.hub.messages[0])
	}
}

func TestService_DuplicateBatchIsSilent(t *testing.T) {
	f := newFixture(t)

	ev := claude.RawEvent{
		ConversationID: "conv-1",
		Messages: []relay.RawMessage{{
			ID:        "raw-1",
			Role:      "assistant",
			Timestamp: time.Now(),
			Content:   []relay.ContentBlock{{Type: "text", Text: "once"}},
		}},
	}
	f.transport.Emit(ev)
	f.transport.Emit(ev) // overlapping batch

	waitFor(t, func() bool { return len(f.whatsapp.AllSent()) == 1 }, "first delivery")
	time.Sleep(20 * time.Millisecond)
	if got := len(f.whatsapp.AllSent()); got != 1 {
		t.Fatalf("expected duplicate batch to send nothing, got %d sends", got)
	}
}

func TestService_ForwardsPlainTextToAgent(t *testing.T) {
	f := newFixture(t)

	f.whatsapp.SimulateInbound(adapter.Inbound{
		Platform: adapter.PlatformWhatsApp,
		ChatID:   "1555123",
		UserID:   "1555123",
		Text:     "please run the tests",
	})

	waitFor(t, func() bool { return len(f.transport.Sent()) == 1 }, "agent forward")
	sent := f.transport.Sent()[0]
	if sent.Message != "please run the tests" {
		t.Errorf("unexpected forwarded message: %q", sent.Message)
	}
	if sent.ProjectPath != "/work/demo" {
		t.Errorf("expected configured project path, got %q", sent.ProjectPath)
	}
}

func TestService_StatusCommand(t *testing.T) {
	f := newFixture(t)

	f.whatsapp.SimulateInbound(adapter.Inbound{
		Platform: adapter.PlatformWhatsApp,
		ChatID:   "1555123",
		UserID:   "1555123",
		Text:     "/status",
	})

	waitFor(t, func() bool { return len(f.whatsapp.AllSent()) == 1 }, "status reply")
	reply, ok := f.whatsapp.LastSent()
	if !ok {
		t.Fatal("expected a status reply")
	}
	if reply.ChatID != "1555123" {
		t.Errorf("expected reply to originating chat, got %q", reply.ChatID)
	}
	if !strings.Contains(reply.Content, "whatsapp") {
		t.Errorf("expected connected platforms in status, got %q", reply.Content)
	}
	// Commands never reach the agent.
	if got := len(f.transport.Sent()); got != 0 {
		t.Errorf("expected no agent forwards for a command, got %d", got)
	}
}

func TestService_UnknownCommandHelpPointer(t *testing.T) {
	f := newFixture(t)

	f.whatsapp.SimulateInbound(adapter.Inbound{
		Platform: adapter.PlatformWhatsApp,
		ChatID:   "1555123",
		UserID:   "1555123",
		Text:     "/bogus",
	})

	waitFor(t, func() bool { return len(f.whatsapp.AllSent()) == 1 }, "help pointer reply")
	if last, _ := f.whatsapp.LastSent(); !strings.Contains(last.Content, "/help") {
		t.Errorf("expected help pointer, got %q", last.Content)
	}
}

func TestService_PermissionApprovalRoundTrip(t *testing.T) {
	f := newFixture(t)

	f.transport.Emit(claude.RawEvent{
		ConversationID: "conv-1",
		Agent: &relay.AgentState{Requests: []relay.PermissionRequest{{
			ID:        "perm-1",
			ToolUseID: "tool-1",
			ToolName:  "Bash",
			Input:     map[string]any{"command": "rm -rf build"},
			CreatedAt: time.Now(),
		}}},
	})

	// The request is announced to mobile clients.
	waitFor(t, func() bool {
		f.hub.mu.Lock()
		defer f.hub.mu.Unlock()
		return len(f.hub.perms) == 1
	}, "mobile permission announcement")

	f.whatsapp.SimulateInbound(adapter.Inbound{
		Platform: adapter.PlatformWhatsApp,
		ChatID:   "1555123",
		UserID:   "1555123",
		Text:     "/approve",
	})

	waitFor(t, func() bool { return len(f.transport.Replies()) == 1 }, "decision forwarded")
	reply := f.transport.Replies()[0]
	if reply.Choice != "yes" {
		t.Errorf("expected wire choice yes, got %q", reply.Choice)
	}
	if reply.ConversationID != "conv-1" {
		t.Errorf("expected decision routed to owning conversation, got %q", reply.ConversationID)
	}
}

func TestService_MobilePermissionResponse(t *testing.T) {
	f := newFixture(t)

	f.transport.Emit(claude.RawEvent{
		ConversationID: "conv-1",
		Agent: &relay.AgentState{Requests: []relay.PermissionRequest{{
			ID:        "perm-1",
			ToolUseID: "tool-1",
			ToolName:  "Write",
			CreatedAt: time.Now(),
		}}},
	})
	waitFor(t, func() bool {
		f.hub.mu.Lock()
		defer f.hub.mu.Unlock()
		return len(f.hub.perms) == 1
	}, "permission tracked")

	f.svc.HandleMobilePermissionResponse(mobile.PermissionResponseData{
		RequestID: "perm-1",
		Choice:    "deny",
	})

	waitFor(t, func() bool { return len(f.transport.Replies()) == 1 }, "decision forwarded")
	if got := f.transport.Replies()[0].Choice; got != "no" {
		t.Errorf("expected wire choice no, got %q", got)
	}
}

func TestService_SwitchAndHistoryCommands(t *testing.T) {
	f := newFixture(t)

	f.transport.Emit(claude.RawEvent{
		ConversationID: "conv-1",
		Messages: []relay.RawMessage{{
			ID:        "raw-1",
			Role:      "assistant",
			Timestamp: time.Now(),
			Content:   []relay.ContentBlock{{Type: "text", Text: "remembered line"}},
		}},
	})
	waitFor(t, func() bool { return len(f.whatsapp.AllSent()) == 1 }, "event processed")

	f.whatsapp.SimulateInbound(adapter.Inbound{
		Platform: adapter.PlatformWhatsApp,
		ChatID:   "1555123",
		UserID:   "1555123",
		Text:     "/switch conv-1",
	})
	waitFor(t, func() bool { return len(f.whatsapp.AllSent()) == 2 }, "switch reply")
	if got := f.whatsapp.AllSent()[1].Content; !strings.Contains(got, "conv-1") {
		t.Errorf("unexpected switch reply: %q", got)
	}

	f.whatsapp.SimulateInbound(adapter.Inbound{
		Platform: adapter.PlatformWhatsApp,
		ChatID:   "1555123",
		UserID:   "1555123",
		Text:     "/history 5",
	})
	waitFor(t, func() bool { return len(f.whatsapp.AllSent()) == 3 }, "history reply")
	if got := f.whatsapp.AllSent()[2].Content; !strings.Contains(got, "remembered line") {
		t.Errorf("expected stored message in history, got %q", got)
	}
}

func TestService_ConcurrentLookupsDuringStreaming(t *testing.T) {
	f := newFixture(t)

	// Command lookups race the event loop's reduction of the same state;
	// meaningful under -race.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			f.svc.MessageByID("no-such-id")
		}
	}()

	for i := 0; i < 200; i++ {
		f.transport.Emit(claude.RawEvent{
			ConversationID: "conv-1",
			Messages: []relay.RawMessage{{
				ID:        fmt.Sprintf("raw-%d", i),
				Role:      "assistant",
				Timestamp: time.Now(),
				Content:   []relay.ContentBlock{{Type: "text", Text: "streamed line"}},
			}},
		})
	}
	<-done

	waitFor(t, func() bool { return len(f.whatsapp.AllSent()) > 0 }, "stream delivery")
}

func TestService_MessageByIDReturnsSnapshot(t *testing.T) {
	f := newFixture(t)

	f.transport.Emit(claude.RawEvent{
		ConversationID: "conv-1",
		Messages: []relay.RawMessage{{
			ID:        "raw-1",
			Role:      "assistant",
			Timestamp: time.Now(),
			Content: []relay.ContentBlock{{
				Type: "tool_use", ID: "tool-1", Name: "Bash",
				Input: map[string]any{"command": "make"},
			}},
		}},
	})
	waitFor(t, func() bool { return len(f.whatsapp.AllSent()) == 1 }, "tool call relayed")

	var toolMsgID string
	f.svc.mu.Lock()
	for _, msg := range f.svc.states["conv-1"].Messages() {
		toolMsgID = msg.ID
	}
	f.svc.mu.Unlock()

	before, ok := f.svc.MessageByID(toolMsgID)
	if !ok || before.Tool == nil {
		t.Fatalf("expected tool-call message, got %+v", before)
	}

	f.transport.Emit(claude.RawEvent{
		ConversationID: "conv-1",
		Messages: []relay.RawMessage{{
			ID:        "raw-2",
			Role:      "user",
			Timestamp: time.Now(),
			Content: []relay.ContentBlock{{
				Type: "tool_result", ToolUseID: "tool-1", Content: []byte(`"ok"`),
			}},
		}},
	})
	waitFor(t, func() bool {
		msg, ok := f.svc.MessageByID(toolMsgID)
		return ok && msg.Tool != nil && msg.Tool.State == relay.ToolCompleted
	}, "tool result applied")

	// The earlier snapshot is unaffected by the in-place completion.
	if before.Tool.State != relay.ToolRunning {
		t.Errorf("expected snapshot to keep the running state, got %s", before.Tool.State)
	}
}

func TestService_RejectsUnauthorizedUsers(t *testing.T) {
	f := newFixture(t)
	f.whatsapp.AllowUser("15550000")

	f.whatsapp.SimulateInbound(adapter.Inbound{
		Platform: adapter.PlatformWhatsApp,
		ChatID:   "15559999",
		UserID:   "15559999",
		Text:     "please run the tests",
	})

	waitFor(t, func() bool { return len(f.whatsapp.AllSent()) == 1 }, "rejection reply")
	if last, _ := f.whatsapp.LastSent(); !strings.Contains(last.Content, "not authorized") {
		t.Errorf("expected rejection, got %q", last.Content)
	}
	if got := len(f.transport.Sent()); got != 0 {
		t.Errorf("expected nothing forwarded for unauthorized user, got %d", got)
	}
}
