// Package feishu implements the chat adapter for Feishu (Lark) via its REST
// API with tenant access token authentication.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/zulandar/switchboard/internal/adapter"
	"golang.org/x/oauth2"
)

// DefaultBaseURL is the Feishu open platform endpoint.
const DefaultBaseURL = "https://open.feishu.cn"

// httpDoer abstracts the HTTP client for testing.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// tenantTokenSource implements oauth2.TokenSource by exchanging app
// credentials for a tenant access token. Feishu's token endpoint speaks JSON
// rather than form encoding, so we cannot use clientcredentials directly.
type tenantTokenSource struct {
	baseURL   string
	appID     string
	appSecret string
	client    httpDoer
}

type tenantTokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

// Token exchanges app credentials for a tenant access token.
func (s *tenantTokenSource) Token() (*oauth2.Token, error) {
	body, err := json.Marshal(map[string]string{
		"app_id":     s.appID,
		"app_secret": s.appSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("feishu: marshal token request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost,
		s.baseURL+"/open-apis/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("feishu: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feishu: token request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("feishu: read token response: %w", err)
	}

	var tr tenantTokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("feishu: decode token response: %w", err)
	}
	if tr.Code != 0 {
		return nil, fmt.Errorf("feishu: token exchange failed: code %d: %s", tr.Code, tr.Msg)
	}

	return &oauth2.Token{
		AccessToken: tr.TenantAccessToken,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Duration(tr.Expire) * time.Second),
	}, nil
}

// Adapter implements adapter.Adapter for Feishu.
type Adapter struct {
	baseURL      string
	chatID       string // default receive_id for messages without explicit chat
	allowedUsers map[string]bool
	client       httpDoer
	tokens       oauth2.TokenSource
	mu           sync.Mutex
	connected    bool
	handler      adapter.Handler
}

// AdapterOpts holds parameters for creating a Feishu Adapter.
type AdapterOpts struct {
	AppID        string
	AppSecret    string
	ChatID       string   // default chat to post to
	BaseURL      string   // override for testing; defaults to DefaultBaseURL
	AllowedUsers []string // open_ids allowed to issue commands; empty admits all
	// For testing: inject an HTTP client and/or token source.
	Client httpDoer
	Tokens oauth2.TokenSource
}

// New creates a Feishu Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Tokens == nil && (opts.AppID == "" || opts.AppSecret == "") {
		return nil, fmt.Errorf("feishu: app id and secret are required")
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
	for _, id := range opts.AllowedUsers {
		allowed[id] = true
	}

	tokens := opts.Tokens
	if tokens == nil {
		tokens = oauth2.ReuseTokenSource(nil, &tenantTokenSource{
			baseURL:   baseURL,
			appID:     opts.AppID,
			appSecret: opts.AppSecret,
			client:    client,
		})
	}

	return &Adapter{
		baseURL:      baseURL,
		chatID:       opts.ChatID,
		allowedUsers: allowed,
		client:       client,
		tokens:       tokens,
	}, nil
}

// Platform returns the feishu platform tag.
func (a *Adapter) Platform() adapter.Platform { return adapter.PlatformFeishu }

// Connect validates credentials by fetching a tenant access token.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	if _, err := a.tokens.Token(); err != nil {
		return fmt.Errorf("feishu: connect: %w", err)
	}
	a.connected = true
	return nil
}

// Disconnect marks the adapter disconnected. The REST client holds no
// persistent connection.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

// SendMessage posts a text message to a Feishu chat.
func (a *Adapter) SendMessage(ctx context.Context, chatID, content string) error {
	target, err := a.targetChat(chatID)
	if err != nil {
		return err
	}
	text, err := json.Marshal(map[string]string{"text": content})
	if err != nil {
		return fmt.Errorf("feishu: marshal content: %w", err)
	}
	return a.postMessage(ctx, target, "text", string(text))
}

// SendNotification posts a structured alert as an interactive card.
func (a *Adapter) SendNotification(ctx context.Context, chatID string, n adapter.Notification) error {
	target, err := a.targetChat(chatID)
	if err != nil {
		return err
	}
	card := map[string]interface{}{
		"header": map[string]interface{}{
			"title":    map[string]string{"tag": "plain_text", "content": n.Title},
			"template": severityTemplate(n.Severity),
		},
		"elements": []interface{}{
			map[string]interface{}{
				"tag":  "div",
				"text": map[string]string{"tag": "plain_text", "content": n.Body},
			},
		},
	}
	content, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("feishu: marshal card: %w", err)
	}
	return a.postMessage(ctx, target, "interactive", string(content))
}

// VerifyUser checks the configured allowlist; an empty allowlist admits all.
func (a *Adapter) VerifyUser(userID string) bool {
	if len(a.allowedUsers) == 0 {
		return true
	}
	return a.allowedUsers[userID]
}

// IsConnected reports whether Connect has succeeded.
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// OnMessage registers the inbound callback. Inbound Feishu events arrive via
// webhook delivery wired by the host process, which calls HandleInbound.
func (a *Adapter) OnMessage(h adapter.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// HandleInbound feeds an externally received Feishu message event to the
// registered callback.
func (a *Adapter) HandleInbound(chatID, openID, userName, text string, ts time.Time) {
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
		Platform:  adapter.PlatformFeishu,
		ChatID:    chatID,
		UserID:    openID,
		UserName:  userName,
		Text:      text,
		Timestamp: ts,
	})
}

func (a *Adapter) targetChat(chatID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return "", fmt.Errorf("feishu: not connected")
	}
	if chatID != "" {
		return chatID, nil
	}
	if a.chatID == "" {
		return "", fmt.Errorf("feishu: no chat specified")
	}
	return a.chatID, nil
}

type sendMessageResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// postMessage issues the im/v1/messages call with a bearer token.
func (a *Adapter) postMessage(ctx context.Context, chatID, msgType, content string) error {
	tok, err := a.tokens.Token()
	if err != nil {
		return fmt.Errorf("feishu: fetch token: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"receive_id": chatID,
		"msg_type":   msgType,
		"content":    content,
	})
	if err != nil {
		return fmt.Errorf("feishu: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/open-apis/im/v1/messages?receive_id_type=chat_id", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("feishu: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("feishu: send message: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("feishu: read response: %w", err)
	}

	var sr sendMessageResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return fmt.Errorf("feishu: decode response (status %d): %w", resp.StatusCode, err)
	}
	if sr.Code != 0 {
		return fmt.Errorf("feishu: send failed: code %d: %s", sr.Code, sr.Msg)
	}
	return nil
}

// severityTemplate maps a notification severity to a card header color.
func severityTemplate(severity string) string {
	switch severity {
	case "success":
		return "green"
	case "warning":
		return "orange"
	case "error":
		return "red"
	default:
		return "blue"
	}
}
