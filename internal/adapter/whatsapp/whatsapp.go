// Package whatsapp implements the chat adapter for the WhatsApp Business
// Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/switchboard/internal/adapter"
)

// DefaultBaseURL is the Meta Graph API endpoint for the Cloud API.
const DefaultBaseURL = "https://graph.facebook.com/v19.0"

// httpDoer abstracts the HTTP client for testing.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Adapter implements adapter.Adapter for WhatsApp Cloud API.
type Adapter struct {
	baseURL       string
	accessToken   string
	phoneNumberID string
	defaultChatID string // default recipient phone number
	allowedUsers  map[string]bool
	client        httpDoer
	mu            sync.Mutex
	connected     bool
	handler       adapter.Handler
}

// AdapterOpts holds parameters for creating a WhatsApp Adapter.
type AdapterOpts struct {
	AccessToken   string
	PhoneNumberID string   // the business phone number id messages send from
	ChatID        string   // default recipient phone number
	BaseURL       string   // override for testing; defaults to DefaultBaseURL
	AllowedUsers  []string // phone numbers allowed to issue commands; empty admits all
	// For testing: inject an HTTP client.
	Client httpDoer
}

// New creates a WhatsApp Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.AccessToken == "" {
		return nil, fmt.Errorf("whatsapp: access token is required")
	}
	if opts.PhoneNumberID == "" {
		return nil, fmt.Errorf("whatsapp: phone number id is required")
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	allowed := make(map[string]bool, len(opts.AllowedUsers))
	for _, num := range opts.AllowedUsers {
		allowed[normalizePhone(num)] = true
	}

	return &Adapter{
		baseURL:       baseURL,
		accessToken:   opts.AccessToken,
		phoneNumberID: opts.PhoneNumberID,
		defaultChatID: opts.ChatID,
		allowedUsers:  allowed,
		client:        client,
	}, nil
}

// Platform returns the whatsapp platform tag.
func (a *Adapter) Platform() adapter.Platform { return adapter.PlatformWhatsApp }

// Connect marks the adapter connected. The Cloud API is stateless HTTPS, so
// there is no session to establish; inbound messages arrive over webhooks.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = true
	return nil
}

// Disconnect marks the adapter disconnected.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

// SendMessage delivers a text message to a phone number.
func (a *Adapter) SendMessage(ctx context.Context, chatID, content string) error {
	to, err := a.targetChat(chatID)
	if err != nil {
		return err
	}
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": content},
	}
	return a.post(ctx, payload)
}

// SendNotification delivers a structured alert. The Cloud API has no rich
// card format for free-form messages, so title and body are joined as text.
func (a *Adapter) SendNotification(ctx context.Context, chatID string, n adapter.Notification) error {
	text := n.Body
	if n.Title != "" {
		text = "*" + n.Title + "*\n" + n.Body
	}
	return a.SendMessage(ctx, chatID, text)
}

// VerifyUser checks the configured allowlist; an empty allowlist admits all.
func (a *Adapter) VerifyUser(userID string) bool {
	if len(a.allowedUsers) == 0 {
		return true
	}
	return a.allowedUsers[normalizePhone(userID)]
}

// IsConnected reports whether Connect has been called.
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// OnMessage registers the inbound callback. Inbound messages arrive via
// webhook delivery wired by the host process, which calls HandleInbound.
func (a *Adapter) OnMessage(h adapter.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// HandleInbound feeds an externally received message to the registered
// callback.
func (a *Adapter) HandleInbound(from, userName, text string, ts time.Time) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h == nil {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	h(adapter.Inbound{
		Platform:  adapter.PlatformWhatsApp,
		ChatID:    from,
		UserID:    from,
		UserName:  userName,
		Text:      text,
		Timestamp: ts,
	})
}

func (a *Adapter) targetChat(chatID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return "", fmt.Errorf("whatsapp: not connected")
	}
	if chatID != "" {
		return chatID, nil
	}
	if a.defaultChatID == "" {
		return "", fmt.Errorf("whatsapp: no recipient specified")
	}
	return a.defaultChatID, nil
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// post issues the /messages call with a bearer token.
func (a *Adapter) post(ctx context.Context, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("whatsapp: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/"+a.phoneNumberID+"/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("whatsapp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.accessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var ae apiError
	if err := json.Unmarshal(data, &ae); err == nil && ae.Error.Message != "" {
		return fmt.Errorf("whatsapp: send failed: code %d: %s", ae.Error.Code, ae.Error.Message)
	}
	return fmt.Errorf("whatsapp: send failed: status %d", resp.StatusCode)
}

// normalizePhone strips formatting so allowlist checks are not defeated by
// punctuation differences.
func normalizePhone(num string) string {
	var b strings.Builder
	for _, r := range num {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
