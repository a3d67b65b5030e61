package mobile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// ServerCallbacks are invoked when authenticated clients send frames. All
// callbacks run on the owning connection's read goroutine.
type ServerCallbacks struct {
	OnMessage            func(content string)
	OnPermissionResponse func(PermissionResponseData)
	OnSelectConversation func(conversationID string)
}

// Server hosts the mobile WebSocket endpoint: it authenticates clients,
// replays history on connect, and broadcasts timeline traffic to every
// authenticated client.
type Server struct {
	password  string
	out       io.Writer
	callbacks ServerCallbacks
	history   func() []ChatMessage
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[*serverClient]bool
	srv     *http.Server
}

type serverClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (sc *serverClient) writeFrame(frame Frame) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.conn.WriteJSON(frame)
}

// ServerOpts holds parameters for creating a Server.
type ServerOpts struct {
	Password  string // empty disables the password check
	Callbacks ServerCallbacks
	// History provides the timeline replayed to each new client.
	History func() []ChatMessage
	Out     io.Writer // defaults to os.Stdout
}

// NewServer creates a Server. Call Start to begin listening.
func NewServer(opts ServerOpts) *Server {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Server{
		password:  opts.Password,
		out:       out,
		callbacks: opts.Callbacks,
		history:   opts.History,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The endpoint binds to loopback or a private interface.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*serverClient]bool),
	}
}

// Start listens on addr and blocks until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws", s.handleWS)

	s.mu.Lock()
	s.srv = &http.Server{Addr: addr, Handler: router}
	srv := s.srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
		s.closeAll()
	}()

	fmt.Fprintf(s.out, "mobile: listening on ws://%s/ws\n", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("mobile: serve: %w", err)
	}
	return nil
}

// Broadcast sends a timeline entry to every authenticated client.
func (s *Server) Broadcast(msg ChatMessage) {
	s.broadcastFrame(TypeMessage, msg)
}

// BroadcastStatus sends a status update to every authenticated client.
func (s *Server) BroadcastStatus(status string) {
	s.broadcastFrame(TypeStatus, StatusData{Status: status})
}

// BroadcastPermissionRequest announces a pending approval.
func (s *Server) BroadcastPermissionRequest(req PermissionRequestData) {
	s.broadcastFrame(TypePermissionRequest, req)
}

// BroadcastConversations sends the conversation listing as an update.
func (s *Server) BroadcastConversations(convs []ConversationSummary) {
	s.broadcastFrame(TypeConversationUpdate, ConversationListData{Conversations: convs})
}

func (s *Server) broadcastFrame(frameType string, data interface{}) {
	frame, err := NewFrame(frameType, data)
	if err != nil {
		log.Printf("mobile: %v", err)
		return
	}
	s.mu.Lock()
	clients := make([]*serverClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.writeFrame(frame); err != nil {
			log.Printf("mobile: broadcast write: %v", err)
			s.dropClient(c)
		}
	}
}

// ClientCount reports the number of authenticated clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// handleWS upgrades the connection and runs the per-client session.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("mobile: upgrade: %v", err)
		return
	}
	client := &serverClient{conn: conn}
	go s.runClient(client)
}

// runClient performs the auth handshake, replays history, then pumps frames
// until the socket drops.
func (s *Server) runClient(client *serverClient) {
	defer s.dropClient(client)

	if !s.authenticate(client) {
		return
	}

	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()

	if s.history != nil {
		frame, err := NewFrame(TypeHistory, HistoryData(s.history()))
		if err == nil {
			if err := client.writeFrame(frame); err != nil {
				return
			}
		}
	}

	for {
		var frame Frame
		if err := client.conn.ReadJSON(&frame); err != nil {
			return
		}
		s.handleClientFrame(frame)
	}
}

// authenticate requires the first frame to be an auth request and answers it.
// Passwordless servers still send the acknowledgment the client waits for.
func (s *Server) authenticate(client *serverClient) bool {
	var frame Frame
	if err := client.conn.ReadJSON(&frame); err != nil {
		return false
	}
	if frame.Type != TypeAuth {
		s.sendAuthResult(client, AuthResult{Success: false, Error: "auth required"})
		return false
	}
	var req AuthRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		s.sendAuthResult(client, AuthResult{Success: false, Error: "malformed auth"})
		return false
	}
	if s.password != "" && req.Password != s.password {
		s.sendAuthResult(client, AuthResult{Success: false, Error: "invalid password"})
		return false
	}
	return s.sendAuthResult(client, AuthResult{Success: true})
}

func (s *Server) sendAuthResult(client *serverClient, res AuthResult) bool {
	frame, err := NewFrame(TypeAuth, res)
	if err != nil {
		return false
	}
	if err := client.writeFrame(frame); err != nil {
		return false
	}
	return res.Success
}

// handleClientFrame dispatches one inbound frame. Malformed frames are
// dropped and logged; the stream continues.
func (s *Server) handleClientFrame(frame Frame) {
	switch frame.Type {
	case TypeMessage:
		var data MessageData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			log.Printf("mobile: malformed message frame dropped: %v", err)
			return
		}
		if s.callbacks.OnMessage != nil {
			s.callbacks.OnMessage(data.Content)
		}

	case TypePermissionResponse:
		var data PermissionResponseData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			log.Printf("mobile: malformed permission_response frame dropped: %v", err)
			return
		}
		if s.callbacks.OnPermissionResponse != nil {
			s.callbacks.OnPermissionResponse(data)
		}

	case TypeSelectConversation:
		var data SelectConversationData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			log.Printf("mobile: malformed select_conversation frame dropped: %v", err)
			return
		}
		if s.callbacks.OnSelectConversation != nil {
			s.callbacks.OnSelectConversation(data.ConversationID)
		}

	default:
		log.Printf("mobile: unknown client frame type %q dropped", frame.Type)
	}
}

func (s *Server) dropClient(client *serverClient) {
	s.mu.Lock()
	delete(s.clients, client)
	s.mu.Unlock()
	client.conn.Close()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	clients := make([]*serverClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*serverClient]bool)
	s.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}
