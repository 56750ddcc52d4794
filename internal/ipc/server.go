package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gestured/internal/fsm"
	"gestured/internal/logging"
)

// ErrTooManyConnections is logged when MaxConnections is reached.
var ErrTooManyConnections = errors.New("ipc: too many connections")

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// Server is the IPC server that manages client connections. It also
// implements fsm.Observer and streams machine notifications to
// subscribers.
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	socketPath  string
	handler     Handler
	clients     map[string]*Client
	subscribers map[string]*subscription
	version     string
	startedAt   time.Time
	config      ServerConfig
	logger      *logging.Logger

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	// Request ID counter for server-initiated messages
	nextRequestID atomic.Uint32

	eventChan chan *Event
}

// Client represents a connected client
type Client struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Version      string
	Name         string
	ConnectedAt  time.Time
	LastActivity time.Time
	Logger       *slog.Logger

	// Write serialization
	writeMu sync.Mutex
}

// subscription tracks event subscriptions. out is drained by a dedicated
// writer so a slow subscriber cannot stall the broadcaster.
type subscription struct {
	clientID string
	events   map[EventType]bool
	out      chan *Event
}

// ServerHooks receive connection lifecycle notifications.
type ServerHooks struct {
	Connected   func()
	Subscribers func(n int)
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string // Unix socket path
	Version        string // Server version
	Permissions    os.FileMode
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
	// SameUserOnly rejects peers whose uid differs from the daemon's, where
	// the platform reports peer credentials.
	SameUserOnly bool
	Logger       *logging.Logger
	Hooks        ServerHooks
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:     socketPath,
		Version:        "dev",
		Permissions:    0600,
		IdleTimeout:    300 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 8,
		SameUserOnly:   true,
	}
}

// subscriberBuffer is the per-subscriber event backlog.
const subscriberBuffer = 256

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path is required")
	}
	defaults := DefaultServerConfig(cfg.SocketPath)
	if cfg.Permissions == 0 {
		cfg.Permissions = defaults.Permissions
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaults.MaxConnections
	}
	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		socketPath:  cfg.SocketPath,
		handler:     handler,
		version:     cfg.Version,
		config:      cfg,
		logger:      cfg.Logger.WithComponent(logging.ComponentIngress),
		clients:     make(map[string]*Client),
		subscribers: make(map[string]*subscription),
		ctx:         ctx,
		cancel:      cancel,
		eventChan:   make(chan *Event, 1024),
	}, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	if s.running.Load() {
		return errors.New("ipc: server already running")
	}

	socketDir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.socketPath) {
		return fmt.Errorf("socket %s is already in use", s.socketPath)
	}
	if err := CleanupSocket(s.socketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	if err := SetSocketPermissions(s.socketPath, s.config.Permissions); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(1)
	go s.eventBroadcaster()

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("ipc server listening", "socket", s.socketPath)
	return nil
}

// Stop gracefully shuts down the server. Subscribers receive a
// DaemonShutdown event before their connections close.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.notifyShutdown()
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("ipc server stop timed out")
	}

	os.Remove(s.socketPath)
	s.logger.Info("ipc server stopped")
	return nil
}

// notifyShutdown writes the shutdown event to every subscriber directly,
// bypassing the broadcaster which is about to exit.
func (s *Server) notifyShutdown() {
	event := &Event{Type: EventDaemonShutdown, Timestamp: time.Now()}

	s.mu.RLock()
	targets := make([]*Client, 0, len(s.subscribers))
	for clientID, sub := range s.subscribers {
		if !sub.events[EventDaemonShutdown] {
			continue
		}
		if client, ok := s.clients[clientID]; ok {
			targets = append(targets, client)
		}
	}
	s.mu.RUnlock()

	for _, client := range targets {
		s.sendEvent(client, event)
	}
}

// SetHandler replaces the message handler. It lets the daemon build the
// server before the machine that observes into it.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.socketPath
}

// StartedAt returns when Start last succeeded.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// Version returns the server version reported in handshakes.
func (s *Server) Version() string {
	return s.version
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// SubscriberCount returns the number of event subscribers.
func (s *Server) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Broadcast queues an event for all subscribed clients. It never blocks;
// events are dropped when the queue is full or the server is stopped.
func (s *Server) Broadcast(event *Event) {
	if !s.running.Load() {
		return
	}
	select {
	case s.eventChan <- event:
	default:
		s.logger.Debug("event queue full, dropping event", "type", event.Type.String())
	}
}

// Observe implements fsm.Observer.
func (s *Server) Observe(ev fsm.Event) {
	et, ok := eventTypeFor(ev.Kind)
	if !ok {
		return
	}
	s.Broadcast(&Event{Type: et, Timestamp: ev.At, Machine: NewMachineEvent(ev)})
}

// acceptLoop accepts new connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		if s.config.SameUserOnly {
			if err := verifyPeer(conn); err != nil {
				s.logger.Warn("rejected peer", "error", err)
				conn.Close()
				continue
			}
		}

		s.mu.RLock()
		count := len(s.clients)
		s.mu.RUnlock()

		if count >= s.config.MaxConnections {
			s.logger.Warn("rejected connection", "error", ErrTooManyConnections, "limit", s.config.MaxConnections)
			conn.Close()
			continue
		}

		id := s.logger.NewRequestID()
		now := time.Now()
		client := &Client{
			ID:           id,
			conn:         conn,
			ConnectedAt:  now,
			LastActivity: now,
			Logger:       s.logger.WithRequestID(id).Logger,
		}

		s.mu.Lock()
		s.clients[client.ID] = client
		s.mu.Unlock()

		if s.config.Hooks.Connected != nil {
			s.config.Hooks.Connected()
		}
		client.Logger.Debug("client connected")

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

// verifyPeer rejects connections from other users. Platforms without peer
// credentials accept every connection; the socket mode still applies.
func verifyPeer(conn net.Conn) error {
	cred, err := GetPeerCredentials(conn)
	if errors.Is(err, ErrPeerCredentialsUnsupported) {
		return nil
	}
	if err != nil {
		return err
	}
	if cred.UID != os.Getuid() {
		return fmt.Errorf("peer uid %d does not match daemon uid %d", cred.UID, os.Getuid())
	}
	return nil
}

// handleConnection handles a single client connection
func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.removeSubscription(client.ID)
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.conn.Close()
		client.Logger.Debug("client disconnected")
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		client.conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		msg, err := ReadMessage(client.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				client.Logger.Debug("closing idle connection")
				return
			}
			client.Logger.Warn("read failed", "error", err)
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		response, err := s.processMessage(client, msg)
		if err != nil {
			client.Logger.Error("request failed", "type", msg.Header.Type.String(), "error", err)
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}

		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				client.Logger.Debug("write failed", "error", err)
				return
			}
		}
	}
}

// processMessage processes a single message
func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil

	case MsgPong:
		return nil, nil

	case MsgHandshake:
		return s.handleHandshake(client, msg)

	case MsgSubscribe:
		return s.handleSubscribe(client, msg)

	case MsgUnsubscribe:
		return s.handleUnsubscribe(client, msg)

	default:
		s.mu.RLock()
		handler := s.handler
		s.mu.RUnlock()
		if handler == nil {
			return NewErrorMessage(msg.Header.RequestID, ErrNotReady, "daemon not ready"), nil
		}
		ctx := logging.ContextWithRequestID(s.ctx, client.ID)
		return handler.HandleMessage(ctx, client, msg)
	}
}

// handleHandshake processes handshake request
func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion)), nil
	}

	client.mu.Lock()
	client.Version = req.ClientVersion
	client.Name = req.ClientName
	client.mu.Unlock()
	client.Logger.Debug("handshake", "client", req.ClientName, "client_version", req.ClientVersion)

	resp := &HandshakeResponse{
		ServerVersion:   s.version,
		ProtocolVersion: ProtocolVersion,
		SessionID:       client.ID,
	}

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, resp)
}

// handleSubscribe processes event subscription. A second subscribe from
// the same client replaces the event set.
func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
		}
	}

	events := make(map[EventType]bool)
	if len(req.Events) == 0 {
		for et := range eventNames {
			events[et] = true
		}
	} else {
		for _, et := range req.Events {
			if _, ok := eventNames[et]; !ok {
				return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
					fmt.Sprintf("unknown event type %d", et)), nil
			}
			events[et] = true
		}
	}

	// The response must reach the client before the first event does, so
	// it is written here and the writer starts afterwards.
	resp, err := NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{
		Success:        true,
		SubscriptionID: client.ID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.sendMessage(client, resp); err != nil {
		return nil, err
	}

	s.removeSubscription(client.ID)

	sub := &subscription{
		clientID: client.ID,
		events:   events,
		out:      make(chan *Event, subscriberBuffer),
	}
	s.mu.Lock()
	s.subscribers[client.ID] = sub
	n := len(s.subscribers)
	s.mu.Unlock()
	s.subscribersChanged(n)

	s.wg.Add(1)
	go s.subscriberWriter(client, sub)

	return nil, nil
}

// handleUnsubscribe processes event unsubscription
func (s *Server) handleUnsubscribe(client *Client, msg *Message) (*Message, error) {
	s.removeSubscription(client.ID)
	return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil
}

func (s *Server) removeSubscription(clientID string) {
	s.mu.Lock()
	sub, ok := s.subscribers[clientID]
	if ok {
		delete(s.subscribers, clientID)
		close(sub.out)
	}
	n := len(s.subscribers)
	s.mu.Unlock()
	if ok {
		s.subscribersChanged(n)
	}
}

func (s *Server) subscribersChanged(n int) {
	if s.config.Hooks.Subscribers != nil {
		s.config.Hooks.Subscribers(n)
	}
}

// eventBroadcaster fans queued events out to subscriber backlogs.
func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.eventChan:
			s.mu.RLock()
			for _, sub := range s.subscribers {
				if !sub.events[event.Type] {
					continue
				}
				select {
				case sub.out <- event:
				default:
					s.logger.Debug("subscriber backlog full, dropping event",
						"client", sub.clientID, "type", event.Type.String())
				}
			}
			s.mu.RUnlock()
		}
	}
}

// subscriberWriter delivers one subscriber's events in order.
func (s *Server) subscriberWriter(client *Client, sub *subscription) {
	defer s.wg.Done()
	for event := range sub.out {
		if err := s.sendEvent(client, event); err != nil {
			client.Logger.Debug("event write failed", "error", err)
			client.conn.Close()
			for range sub.out {
			}
			return
		}
	}
}

// sendEvent sends an event to a client
func (s *Server) sendEvent(client *Client, event *Event) error {
	payload, err := Encode(event)
	if err != nil {
		return err
	}

	msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)
	return s.sendMessage(client, msg)
}

// sendMessage sends a message to a client
func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	return msg.Write(client.conn)
}
