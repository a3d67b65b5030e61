package mobile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Reconnection policy defaults.
const (
	MaxReconnectAttempts     = 10
	DefaultReconnectInterval = 3 * time.Second
)

// ErrReconnectExhausted is the terminal error after the reconnect ceiling is
// reached; a manual Connect is required to resume.
var ErrReconnectExhausted = errors.New("mobile: reconnect attempts exhausted, manual reconnect required")

// ClientState is the connection state machine's current state.
type ClientState int

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateError
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// wsConn abstracts the WebSocket connection, enabling test fakes.
type wsConn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens a WebSocket connection to the given URL.
type Dialer func(url string) (wsConn, error)

func gorillaDialer(url string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ClientConfig holds connection parameters, retained across reconnects.
type ClientConfig struct {
	URL      string
	Password string
}

// ClientHooks are optional callbacks invoked as protocol traffic arrives.
// Frame hooks run on the client's read goroutine; OnStateChange is delivered
// from a dedicated goroutine, sequentially, in transition order.
type ClientHooks struct {
	OnStateChange       func(ClientState)
	OnMessage           func(ChatMessage)
	OnHistory           func([]ChatMessage)
	OnStatus            func(string)
	OnPermissionRequest func(PermissionRequestData)
	OnConversationList  func([]ConversationSummary)
	OnError             func(error)
}

// Client manages the mobile app's WebSocket lifecycle: the auth handshake,
// bounded reconnection, the offline send queue, and message-id dedup.
type Client struct {
	dial     Dialer
	hooks    ClientHooks
	interval time.Duration
	maxRetry int

	mu            sync.Mutex
	cfg           ClientConfig
	conn          wsConn
	state         ClientState
	seen          map[string]bool
	messages      []ChatMessage
	sendQueue     []string
	retries       int
	reconnectTmr  *time.Timer
	closed        bool
	readGen       int // invalidates stale read loops across reconnects
	stateNotices  []ClientState
	notifying     bool
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	Hooks             ClientHooks
	ReconnectInterval time.Duration // defaults to DefaultReconnectInterval
	MaxReconnects     int           // defaults to MaxReconnectAttempts
	// For testing: inject a fake dialer.
	Dial Dialer
}

// NewClient creates a disconnected Client.
func NewClient(opts ClientOpts) *Client {
	dial := opts.Dial
	if dial == nil {
		dial = gorillaDialer
	}
	interval := opts.ReconnectInterval
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}
	maxRetry := opts.MaxReconnects
	if maxRetry <= 0 {
		maxRetry = MaxReconnectAttempts
	}
	return &Client{
		dial:     dial,
		hooks:    opts.Hooks,
		interval: interval,
		maxRetry: maxRetry,
		state:    StateDisconnected,
		seen:     make(map[string]bool),
	}
}

// Connect stores the config for reconnection, closes any existing socket,
// and opens a fresh one. A manual Connect also resets the retry budget.
func (c *Client) Connect(cfg ClientConfig) error {
	c.mu.Lock()
	c.cfg = cfg
	c.retries = 0
	c.closed = false
	c.cancelReconnectLocked()
	c.mu.Unlock()
	return c.open()
}

// open dials and runs the handshake. Shared by Connect and the reconnect
// timer.
func (c *Client) open() error {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	cfg := c.cfg
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	conn, err := c.dial(cfg.URL)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.scheduleReconnect()
		return fmt.Errorf("mobile: dial %s: %w", cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.readGen++
	gen := c.readGen
	// A fresh connection may resend history.
	c.seen = make(map[string]bool)
	// The link is usable only after an explicit auth acknowledgment, even
	// when no password is configured.
	c.setStateLocked(StateAuthenticating)
	c.mu.Unlock()

	frame, err := NewFrame(TypeAuth, AuthRequest{Password: cfg.Password})
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(frame); err != nil {
		c.handleClose(gen)
		return fmt.Errorf("mobile: send auth: %w", err)
	}

	go c.readLoop(conn, gen)
	return nil
}

// Disconnect cancels any pending reconnect timer and closes the socket. The
// client will not reconnect until Connect is called again.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.cancelReconnectLocked()
	conn := c.conn
	c.conn = nil
	c.readGen++
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// State returns the current connection state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns a copy of the visible timeline.
func (c *Client) Messages() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// QueuedSends reports how many messages are waiting for a connection.
func (c *Client) QueuedSends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sendQueue)
}

// SendMessage delivers content to the server, queueing it locally while the
// link is down rather than dropping or rejecting it.
func (c *Client) SendMessage(content string) error {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.sendQueue = append(c.sendQueue, content)
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	frame, err := NewFrame(TypeMessage, MessageData{Content: content})
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(frame); err != nil {
		// Failed mid-send: keep the message for the next connection.
		c.mu.Lock()
		c.sendQueue = append(c.sendQueue, content)
		c.mu.Unlock()
		return fmt.Errorf("mobile: send message: %w", err)
	}
	return nil
}

// RespondPermission sends the user's decision for a pending request.
func (c *Client) RespondPermission(requestID, choice string) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return fmt.Errorf("mobile: respond permission: not connected")
	}
	frame, err := NewFrame(TypePermissionResponse, PermissionResponseData{
		RequestID: requestID,
		Choice:    choice,
		Timestamp: time.Now(),
		Source:    "mobile",
	})
	if err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

// SelectConversation asks the server to switch conversations and clears the
// local timeline and dedup state, awaiting fresh history.
func (c *Client) SelectConversation(id string) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.messages = nil
	c.seen = make(map[string]bool)
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return fmt.Errorf("mobile: select conversation: not connected")
	}
	frame, err := NewFrame(TypeSelectConversation, SelectConversationData{ConversationID: id})
	if err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

// readLoop pumps frames until the socket fails, then enters close handling.
// gen guards against a stale loop surviving a reconnect.
func (c *Client) readLoop(conn wsConn, gen int) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			c.handleClose(gen)
			return
		}
		c.handleFrame(frame, gen)
	}
}

// handleFrame dispatches one inbound frame.
func (c *Client) handleFrame(frame Frame, gen int) {
	c.mu.Lock()
	if gen != c.readGen {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	switch frame.Type {
	case TypeAuth:
		var res AuthResult
		if err := json.Unmarshal(frame.Data, &res); err != nil {
			c.dropFrame(frame.Type, err)
			return
		}
		c.handleAuthResult(res)

	case TypeMessage, TypeResponse:
		var msg ChatMessage
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			c.dropFrame(frame.Type, err)
			return
		}
		c.appendIfUnseen(msg)

	case TypeHistory:
		var history HistoryData
		if err := json.Unmarshal(frame.Data, &history); err != nil {
			c.dropFrame(frame.Type, err)
			return
		}
		c.replaceHistory(history)

	case TypeStatus:
		var status StatusData
		if err := json.Unmarshal(frame.Data, &status); err != nil {
			c.dropFrame(frame.Type, err)
			return
		}
		if c.hooks.OnStatus != nil {
			c.hooks.OnStatus(status.Status)
		}

	case TypePermissionRequest:
		var req PermissionRequestData
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			c.dropFrame(frame.Type, err)
			return
		}
		if c.hooks.OnPermissionRequest != nil {
			c.hooks.OnPermissionRequest(req)
		}

	case TypeConversationList, TypeConversationUpdate:
		var list ConversationListData
		if err := json.Unmarshal(frame.Data, &list); err != nil {
			c.dropFrame(frame.Type, err)
			return
		}
		if c.hooks.OnConversationList != nil {
			c.hooks.OnConversationList(list.Conversations)
		}

	default:
		log.Printf("mobile: unknown frame type %q dropped", frame.Type)
	}
}

// handleAuthResult transitions out of the authenticating state.
func (c *Client) handleAuthResult(res AuthResult) {
	c.mu.Lock()
	if !res.Success {
		c.setStateLocked(StateError)
		c.mu.Unlock()
		if c.hooks.OnError != nil {
			c.hooks.OnError(fmt.Errorf("mobile: auth failed: %s", res.Error))
		}
		return
	}

	c.setStateLocked(StateConnected)
	c.retries = 0
	queued := c.sendQueue
	c.sendQueue = nil
	c.mu.Unlock()

	// Flush the offline queue in FIFO order.
	for _, content := range queued {
		if err := c.SendMessage(content); err != nil {
			log.Printf("mobile: flush queued message: %v", err)
		}
	}
}

// appendIfUnseen adds a timeline entry unless its id was already delivered.
func (c *Client) appendIfUnseen(msg ChatMessage) {
	c.mu.Lock()
	if c.seen[msg.ID] {
		c.mu.Unlock()
		return
	}
	c.seen[msg.ID] = true
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	if c.hooks.OnMessage != nil {
		c.hooks.OnMessage(msg)
	}
}

// replaceHistory swaps in the server's timeline, deduplicated by id.
func (c *Client) replaceHistory(history []ChatMessage) {
	c.mu.Lock()
	c.messages = nil
	c.seen = make(map[string]bool)
	for _, msg := range history {
		if c.seen[msg.ID] {
			continue
		}
		c.seen[msg.ID] = true
		c.messages = append(c.messages, msg)
	}
	snapshot := make([]ChatMessage, len(c.messages))
	copy(snapshot, c.messages)
	c.mu.Unlock()
	if c.hooks.OnHistory != nil {
		c.hooks.OnHistory(snapshot)
	}
}

// handleClose runs once per socket teardown: transitions to disconnected and
// schedules a reconnect if the budget allows.
func (c *Client) handleClose(gen int) {
	c.mu.Lock()
	if gen != c.readGen || c.closed {
		c.mu.Unlock()
		return
	}
	c.readGen++ // retire this connection's read loop
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	c.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer, or surfaces the terminal error
// once the ceiling is reached.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.retries >= c.maxRetry {
		c.setStateLocked(StateError)
		c.mu.Unlock()
		if c.hooks.OnError != nil {
			c.hooks.OnError(ErrReconnectExhausted)
		}
		return
	}
	c.retries++
	attempt := c.retries
	c.cancelReconnectLocked()
	c.reconnectTmr = time.AfterFunc(c.interval, func() {
		log.Printf("mobile: reconnect attempt %d/%d", attempt, c.maxRetry)
		if err := c.open(); err != nil {
			log.Printf("mobile: reconnect failed: %v", err)
		}
	})
	c.mu.Unlock()
}

// cancelReconnectLocked stops a pending reconnect timer. Callers hold mu.
func (c *Client) cancelReconnectLocked() {
	if c.reconnectTmr != nil {
		c.reconnectTmr.Stop()
		c.reconnectTmr = nil
	}
}

func (c *Client) setStateLocked(s ClientState) {
	if c.state == s {
		return
	}
	c.state = s
	if c.hooks.OnStateChange == nil {
		return
	}
	// Queue the notification and drain from a single goroutine so observers
	// see transitions in order, without holding the lock during the hook.
	c.stateNotices = append(c.stateNotices, s)
	if c.notifying {
		return
	}
	c.notifying = true
	go c.drainStateNotices()
}

func (c *Client) drainStateNotices() {
	for {
		c.mu.Lock()
		if len(c.stateNotices) == 0 {
			c.notifying = false
			c.mu.Unlock()
			return
		}
		s := c.stateNotices[0]
		c.stateNotices = c.stateNotices[1:]
		c.mu.Unlock()
		c.hooks.OnStateChange(s)
	}
}

func (c *Client) dropFrame(frameType string, err error) {
	log.Printf("mobile: malformed %s frame dropped: %v", frameType, err)
}
