package discord

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/switchboard/internal/adapter"
)

// mockSession implements the session interface for testing.
type mockSession struct {
	openErr  error
	sendErr  error
	sent     []string
	embeds   []*discordgo.MessageEmbed
	handlers []interface{}
	sendFn   func() error
}

func (m *mockSession) Open() error  { return m.openErr }
func (m *mockSession) Close() error { return nil }

func (m *mockSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	if m.sendFn != nil {
		if err := m.sendFn(); err != nil {
			return nil, err
		}
	} else if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, content)
	return &discordgo.Message{ID: "123", ChannelID: channelID}, nil
}

func (m *mockSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.embeds = append(m.embeds, embed)
	return &discordgo.Message{ID: "124", ChannelID: channelID}, nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.handlers = append(m.handlers, handler)
	return func() {}
}

// fireMessageCreate invokes the registered MessageCreate handler.
func (m *mockSession) fireMessageCreate(msg *discordgo.MessageCreate) {
	for _, h := range m.handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			fn(nil, msg)
		}
	}
}

func newTestAdapter(t *testing.T, sess *mockSession, users ...string) *Adapter {
	t.Helper()
	a, err := New(AdapterOpts{
		ChannelID:    "C1",
		AllowedUsers: users,
		Session:      sess,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNew_RequiresToken(t *testing.T) {
	if _, err := New(AdapterOpts{}); err == nil {
		t.Fatal("expected error when bot token and session are both missing")
	}
}

func TestConnect_OpenError(t *testing.T) {
	sess := &mockSession{openErr: errors.New("gateway unreachable")}
	a := newTestAdapter(t, sess)
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("expected connect to fail when gateway open fails")
	}
	if a.IsConnected() {
		t.Error("expected adapter to stay disconnected on open failure")
	}
}

func TestSendMessage(t *testing.T) {
	sess := &mockSession{}
	a := newTestAdapter(t, sess)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := a.SendMessage(context.Background(), "", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sess.sent) != 1 || sess.sent[0] != "hello" {
		t.Fatalf("expected [hello], got %v", sess.sent)
	}
}

func TestSendMessage_NotConnected(t *testing.T) {
	a := newTestAdapter(t, &mockSession{})
	if err := a.SendMessage(context.Background(), "C1", "hello"); err == nil {
		t.Fatal("expected error sending before connect")
	}
}

func TestSendNotification_Embed(t *testing.T) {
	sess := &mockSession{}
	a := newTestAdapter(t, sess)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	n := adapter.Notification{Title: "Task done", Body: "all tests passed", Severity: "success"}
	if err := a.SendNotification(context.Background(), "", n); err != nil {
		t.Fatalf("send notification: %v", err)
	}
	if len(sess.embeds) != 1 {
		t.Fatalf("expected 1 embed, got %d", len(sess.embeds))
	}
	if sess.embeds[0].Title != "Task done" || sess.embeds[0].Color != 0x36a64f {
		t.Errorf("unexpected embed: %+v", sess.embeds[0])
	}
}

func TestHandleMessage_FiltersBots(t *testing.T) {
	sess := &mockSession{}
	a := newTestAdapter(t, sess)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var got []adapter.Inbound
	a.OnMessage(func(in adapter.Inbound) { got = append(got, in) })

	sess.fireMessageCreate(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "1",
		ChannelID: "C1",
		Content:   "from a bot",
		Author:    &discordgo.User{ID: "B1", Bot: true},
	}})
	sess.fireMessageCreate(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "2",
		ChannelID: "C1",
		Content:   "/status",
		Author:    &discordgo.User{ID: "U1", Username: "dev"},
	}})

	if len(got) != 1 {
		t.Fatalf("expected 1 inbound message, got %d", len(got))
	}
	if got[0].Text != "/status" || got[0].UserID != "U1" || got[0].Platform != adapter.PlatformDiscord {
		t.Errorf("unexpected inbound: %+v", got[0])
	}
}

func TestVerifyUser(t *testing.T) {
	a := newTestAdapter(t, &mockSession{}, "U1")
	if !a.VerifyUser("U1") {
		t.Error("expected allowlisted user to verify")
	}
	if a.VerifyUser("U2") {
		t.Error("expected unknown user to be rejected")
	}

	open := newTestAdapter(t, &mockSession{})
	if !open.VerifyUser("anyone") {
		t.Error("expected empty allowlist to admit all")
	}
}

func TestRetryOnRateLimit(t *testing.T) {
	rateErr := &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	calls := 0
	sess := &mockSession{}
	sess.sendFn = func() error {
		calls++
		if calls < 3 {
			return rateErr
		}
		return nil
	}

	a := newTestAdapter(t, sess)
	a.baseBackoff = time.Millisecond
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := a.SendMessage(context.Background(), "C1", "retry me"); err != nil {
		t.Fatalf("expected rate limit retries to succeed, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryOnRateLimit_NonRateError(t *testing.T) {
	sess := &mockSession{sendErr: errors.New("forbidden")}
	a := newTestAdapter(t, sess)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := a.SendMessage(context.Background(), "C1", "x"); err == nil {
		t.Fatal("expected non-rate-limit error to propagate immediately")
	}
}
