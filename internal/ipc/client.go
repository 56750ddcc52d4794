package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"gestured/internal/pointer"
	"gestured/internal/posture"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// IPCClient is the client for communicating with the gestured daemon
type IPCClient struct {
	mu        sync.RWMutex
	conn      net.Conn
	sessionID string
	version   string

	connected atomic.Bool

	// Request handling
	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32
	writeMu   sync.Mutex

	// Event handling
	eventChan chan *Event
	eventOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	config ClientConfig
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	EventBuffer    int
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "gesturectl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
		EventBuffer:    256,
	}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &IPCClient{
		pending:   make(map[uint32]chan *Message),
		eventChan: make(chan *Event, cfg.EventBuffer),
		ctx:       ctx,
		cancel:    cancel,
		config:    cfg,
	}
}

// Connect dials the daemon and performs the handshake.
func (c *IPCClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected.Load() {
		c.mu.Unlock()
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.config.SocketPath)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("%w: %s", ErrDaemonNotRunning, c.config.SocketPath)
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)

	if err := c.handshake(ctx); err != nil {
		c.close()
		return fmt.Errorf("handshake: %w", err)
	}

	return nil
}

// Close closes the connection to the daemon
func (c *IPCClient) Close() error {
	c.cancel()
	c.close()
	c.wg.Wait()
	c.closeEvents()
	return nil
}

func (c *IPCClient) closeEvents() {
	c.eventOnce.Do(func() { close(c.eventChan) })
}

// close closes the connection and fails all pending requests
func (c *IPCClient) close() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)
	c.mu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// SessionID returns the session ID assigned by the server
func (c *IPCClient) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ServerVersion returns the version reported in the handshake.
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Events returns the event channel. It is closed when the connection ends.
func (c *IPCClient) Events() <-chan *Event {
	return c.eventChan
}

func (c *IPCClient) handshake(ctx context.Context) error {
	req := &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}

	var ack HandshakeResponse
	if err := c.call(ctx, MsgHandshake, req, MsgHandshakeAck, &ack); err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionID = ack.SessionID
	c.version = ack.ServerVersion
	c.mu.Unlock()
	return nil
}

// call sends a request, waits for the response and decodes it into out
// when out is non-nil. Error responses become *RemoteError.
func (c *IPCClient) call(ctx context.Context, msgType MessageType, payload any, want MessageType, out any) error {
	resp, err := c.request(ctx, msgType, payload)
	if err != nil {
		return err
	}

	if resp.Header.Type == MsgError {
		var e ErrorResponse
		if err := Decode(resp.Payload, &e); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &RemoteError{Code: e.Code, Message: e.Message}
	}
	if resp.Header.Type != want {
		return fmt.Errorf("unexpected response type: %s", resp.Header.Type)
	}
	if out != nil && len(resp.Payload) > 0 {
		if err := Decode(resp.Payload, out); err != nil {
			return fmt.Errorf("decode %s: %w", want, err)
		}
	}
	return nil
}

// request sends a request and waits for the matching response
func (c *IPCClient) request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		if data, err = Encode(payload); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	if err := c.write(conn, msg); err != nil {
		c.close()
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *IPCClient) write(conn net.Conn, msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.config.RequestTimeout))
	return msg.Write(conn)
}

// readLoop reads messages until the connection closes.
func (c *IPCClient) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer c.closeEvents()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			c.close()
			return
		}
		c.handleMessage(conn, msg)
	}
}

// handleMessage processes an incoming message
func (c *IPCClient) handleMessage(conn net.Conn, msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		c.write(conn, NewMessage(MsgPong, msg.Header.RequestID, nil))

	case MsgEvent:
		var event Event
		if err := Decode(msg.Payload, &event); err != nil {
			return
		}
		select {
		case c.eventChan <- &event:
		default:
			// Consumer is behind; drop.
		}

	default:
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// High-level API methods

// Ping checks the daemon is responsive.
func (c *IPCClient) Ping(ctx context.Context) error {
	return c.call(ctx, MsgPing, nil, MsgPong, nil)
}

// Status requests the daemon status
func (c *IPCClient) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(ctx, MsgStatusRequest, nil, MsgStatusResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitPosture submits one posture and reports whether the daemon's
// queue accepted it.
func (c *IPCClient) SubmitPosture(ctx context.Context, g posture.Gesture) (bool, error) {
	return c.submit(ctx, &SubmitPostureRequest{Gesture: g})
}

// SubmitPostureAt moves the cursor to the raw position and submits g.
func (c *IPCClient) SubmitPostureAt(ctx context.Context, g posture.Gesture, x, y float64) (bool, error) {
	return c.submit(ctx, &SubmitPostureRequest{Gesture: g, X: &x, Y: &y})
}

func (c *IPCClient) submit(ctx context.Context, req *SubmitPostureRequest) (bool, error) {
	var resp SubmitPostureResponse
	if err := c.call(ctx, MsgSubmitPosture, req, MsgSubmitPostureResp, &resp); err != nil {
		return false, err
	}
	return resp.Accepted, nil
}

// MoveCursor sets the raw cursor position and returns the mapped screen
// position.
func (c *IPCClient) MoveCursor(ctx context.Context, x, y float64) (pointer.Point, error) {
	var resp MoveCursorResponse
	if err := c.call(ctx, MsgMoveCursor, &MoveCursorRequest{X: x, Y: y}, MsgMoveCursorResp, &resp); err != nil {
		return pointer.Point{}, err
	}
	return resp.Screen, nil
}

// Subscribe starts event streaming. An empty list subscribes to all
// events. Events arrive on Events().
func (c *IPCClient) Subscribe(ctx context.Context, events ...EventType) (string, error) {
	var resp SubscribeResponse
	if err := c.call(ctx, MsgSubscribe, &SubscribeRequest{Events: events}, MsgSubscribeResp, &resp); err != nil {
		return "", err
	}
	return resp.SubscriptionID, nil
}

// Unsubscribe stops event streaming.
func (c *IPCClient) Unsubscribe(ctx context.Context) error {
	return c.call(ctx, MsgUnsubscribe, &UnsubscribeRequest{SubscriptionID: c.SessionID()}, MsgUnsubscribeResp, nil)
}

// Shutdown asks the daemon to stop.
func (c *IPCClient) Shutdown(ctx context.Context) error {
	var resp ShutdownResponse
	return c.call(ctx, MsgShutdown, nil, MsgShutdownResp, &resp)
}
