package ipc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gestured/internal/fsm"
	"gestured/internal/logging"
	"gestured/internal/pointer"
	"gestured/internal/posture"
)

type fakeMachine struct {
	mu        sync.Mutex
	submitted []posture.Gesture
	cursor    [2]float64
	full      bool
	stopped   bool
}

func (f *fakeMachine) Submit(g posture.Gesture) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full || f.stopped {
		return false
	}
	f.submitted = append(f.submitted, g)
	return true
}

func (f *fakeMachine) SetCursor(x, y float64) pointer.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursor = [2]float64{x, y}
	return pointer.Point{X: int(x * 2), Y: int(y * 2)}
}

func (f *fakeMachine) Status() fsm.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fsm.Status{QueueLen: len(f.submitted), QueueCap: 64, Backend: "fake", Running: !f.stopped}
}

func (f *fakeMachine) Submitted() []posture.Gesture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]posture.Gesture(nil), f.submitted...)
}

func quietLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New(&logging.Config{Level: logging.LevelError, Writer: io.Discard})
	require.NoError(t, err)
	return l
}

// socketPath returns a short path; unix socket paths are length-limited.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "gst")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

func startServer(t *testing.T, handler Handler, configure ...func(*ServerConfig)) *Server {
	t.Helper()
	cfg := DefaultServerConfig(socketPath(t))
	cfg.Version = "test"
	cfg.Logger = quietLogger(t)
	for _, fn := range configure {
		fn(&cfg)
	}
	srv, err := NewServer(cfg, handler)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func connect(t *testing.T, srv *Server) *IPCClient {
	t.Helper()
	cfg := DefaultClientConfig(srv.SocketPath())
	cfg.RequestTimeout = 2 * time.Second
	c := NewClient(cfg)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestMessageRoundTrip(t *testing.T) {
	payload, err := Encode(&SubmitPostureRequest{Gesture: posture.Drag})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewMessage(MsgSubmitPosture, 42, payload).Write(&buf))
	assert.Equal(t, HeaderSize+len(payload), buf.Len())
	assert.Equal(t, []byte("GSTR"), buf.Bytes()[:4])

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgSubmitPosture, msg.Header.Type)
	assert.Equal(t, uint32(42), msg.Header.RequestID)

	var req SubmitPostureRequest
	require.NoError(t, Decode(msg.Payload, &req))
	assert.Equal(t, posture.Drag, req.Gesture)
	assert.JSONEq(t, `{"gesture":"drag"}`, string(msg.Payload))
}

func TestReadMessageRejectsBadFrames(t *testing.T) {
	t.Run("magic", func(t *testing.T) {
		var buf bytes.Buffer
		msg := NewMessage(MsgPing, 1, nil)
		msg.Header.Magic = 0x57495043
		require.NoError(t, msg.Write(&buf))
		_, err := ReadMessage(&buf)
		assert.ErrorContains(t, err, "invalid magic")
	})

	t.Run("version", func(t *testing.T) {
		var buf bytes.Buffer
		msg := NewMessage(MsgPing, 1, nil)
		msg.Header.Version = ProtocolVersion + 1
		require.NoError(t, msg.Write(&buf))
		_, err := ReadMessage(&buf)
		assert.ErrorContains(t, err, "unsupported protocol version")
	})

	t.Run("oversized", func(t *testing.T) {
		var buf bytes.Buffer
		h := Header{Magic: ProtocolMagic, Version: ProtocolVersion, Type: MsgPing, Length: MaxPayloadSize + 1}
		require.NoError(t, h.Write(&buf))
		_, err := ReadMessage(&buf)
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	})

	t.Run("truncated", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewMessage(MsgPing, 1, []byte(`{"x":1}`)).Write(&buf))
		_, err := ReadMessage(bytes.NewReader(buf.Bytes()[:buf.Len()-2]))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func TestEventTypeNames(t *testing.T) {
	for et, name := range eventNames {
		parsed, err := ParseEventType(name)
		require.NoError(t, err)
		assert.Equal(t, et, parsed)
	}
	_, err := ParseEventType("keystroke")
	assert.Error(t, err)

	_, ok := eventTypeFor(fsm.EventEmptyFlush)
	assert.False(t, ok, "empty flushes are not streamed")
}

func TestSubmitPostureAndStatus(t *testing.T) {
	machine := &fakeMachine{}
	var accepted []posture.Gesture
	var mu sync.Mutex
	h := NewMachineHandler(MachineHandlerConfig{
		Machine: machine,
		Version: "test",
		OnAccepted: func(g posture.Gesture) {
			mu.Lock()
			accepted = append(accepted, g)
			mu.Unlock()
		},
	})
	srv := startServer(t, h)
	h.AttachServer(srv)
	c := connect(t, srv)
	ctx := context.Background()

	assert.NotEmpty(t, c.SessionID())
	assert.Equal(t, "test", c.ServerVersion())
	require.NoError(t, c.Ping(ctx))

	ok, err := c.SubmitPosture(ctx, posture.Left)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SubmitPostureAt(ctx, posture.Track, 100, 50)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []posture.Gesture{posture.Left, posture.Track}, machine.Submitted())
	machine.mu.Lock()
	assert.Equal(t, [2]float64{100, 50}, machine.cursor)
	machine.mu.Unlock()

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, 2, status.Machine.QueueLen)
	assert.Equal(t, "fake", status.Machine.Backend)
	assert.Equal(t, 1, status.Clients)

	mu.Lock()
	assert.Equal(t, []posture.Gesture{posture.Left, posture.Track}, accepted)
	mu.Unlock()
}

func TestSubmitPostureDropped(t *testing.T) {
	machine := &fakeMachine{full: true}
	srv := startServer(t, NewMachineHandler(MachineHandlerConfig{Machine: machine}))
	c := connect(t, srv)

	ok, err := c.SubmitPosture(context.Background(), posture.Right)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubmitPostureAfterStop(t *testing.T) {
	srv := startServer(t, NewMachineHandler(MachineHandlerConfig{Machine: &fakeMachine{stopped: true}}))
	c := connect(t, srv)

	_, err := c.SubmitPosture(context.Background(), posture.Track)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Equal(t, ErrMachineClosed, remote.Code)
}

func TestSubmitPostureRejectsBadRequests(t *testing.T) {
	srv := startServer(t, NewMachineHandler(MachineHandlerConfig{Machine: &fakeMachine{}}))
	c := connect(t, srv)
	ctx := context.Background()

	tests := []struct {
		name string
		req  any
	}{
		{"missing gesture", map[string]any{}},
		{"unknown gesture", map[string]any{"gesture": "wave"}},
		{"nop", map[string]any{"gesture": "nop"}},
		{"x without y", map[string]any{"gesture": "track", "x": 1.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.call(ctx, MsgSubmitPosture, tt.req, MsgSubmitPostureResp, nil)
			var remote *RemoteError
			require.True(t, errors.As(err, &remote), "got %v", err)
			assert.Equal(t, ErrInvalidRequest, remote.Code)
		})
	}
}

func TestMoveCursor(t *testing.T) {
	srv := startServer(t, NewMachineHandler(MachineHandlerConfig{Machine: &fakeMachine{}}))
	c := connect(t, srv)

	screen, err := c.MoveCursor(context.Background(), 10, 20)
	require.NoError(t, err)
	assert.Equal(t, pointer.Point{X: 20, Y: 40}, screen)
}

func TestShutdownRequiresCallback(t *testing.T) {
	srv := startServer(t, NewMachineHandler(MachineHandlerConfig{Machine: &fakeMachine{}}))
	c := connect(t, srv)

	err := c.Shutdown(context.Background())
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, ErrPermissionDenied, remote.Code)
}

func TestShutdownInvokesCallback(t *testing.T) {
	stopped := make(chan struct{})
	srv := startServer(t, NewMachineHandler(MachineHandlerConfig{
		Machine:    &fakeMachine{},
		OnShutdown: func() { close(stopped) },
	}))
	c := connect(t, srv)

	require.NoError(t, c.Shutdown(context.Background()))
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback not invoked")
	}
}

func TestServerWithoutHandlerIsNotReady(t *testing.T) {
	srv := startServer(t, nil)
	c := connect(t, srv)

	_, err := c.Status(context.Background())
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, ErrNotReady, remote.Code)
}

func TestConnectionLimit(t *testing.T) {
	srv := startServer(t, NewMachineHandler(MachineHandlerConfig{Machine: &fakeMachine{}}),
		func(cfg *ServerConfig) { cfg.MaxConnections = 1 })
	connect(t, srv)
	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	c := NewClient(DefaultClientConfig(srv.SocketPath()))
	defer c.Close()
	assert.Error(t, c.Connect(context.Background()))
}

func TestConnectWithoutDaemon(t *testing.T) {
	c := NewClient(DefaultClientConfig(socketPath(t)))
	defer c.Close()
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
}

func TestStartRefusesLiveSocket(t *testing.T) {
	srv := startServer(t, nil)

	cfg := DefaultServerConfig(srv.SocketPath())
	cfg.Logger = quietLogger(t)
	second, err := NewServer(cfg, nil)
	require.NoError(t, err)
	assert.ErrorContains(t, second.Start(), "already in use")
}

func TestSocketPermissions(t *testing.T) {
	srv := startServer(t, nil)
	info, err := os.Stat(srv.SocketPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestPeerIsCurrentUser(t *testing.T) {
	srv := startServer(t, nil)
	connect(t, srv)
	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func nextEvent(t *testing.T, c *IPCClient, want EventType) *Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "event stream closed")
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", want)
			return nil
		}
	}
}

func TestMachineEventsAreStreamed(t *testing.T) {
	var subs []int
	var subsMu sync.Mutex
	srv := startServer(t, nil, func(cfg *ServerConfig) {
		cfg.Hooks.Subscribers = func(n int) {
			subsMu.Lock()
			subs = append(subs, n)
			subsMu.Unlock()
		}
	})

	rec := pointer.NewRecorder()
	m, err := fsm.New(fsm.Options{
		Injector:      rec,
		Observer:      srv,
		Logger:        slog.New(slog.DiscardHandler),
		ClickInterval: 30 * time.Millisecond,
		Calibration:   pointer.Identity(),
	})
	require.NoError(t, err)
	h := NewMachineHandler(MachineHandlerConfig{Machine: m})
	h.AttachServer(srv)
	srv.SetHandler(h)

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(context.Background()) }()
	t.Cleanup(func() { m.Close() })

	c := connect(t, srv)
	ctx := context.Background()
	_, err = c.Subscribe(ctx, EventBatchDelivered, EventTransition)
	require.NoError(t, err)

	ok, err := c.SubmitPostureAt(ctx, posture.Track, 10, 20)
	require.NoError(t, err)
	require.True(t, ok)

	tr := nextEvent(t, c, EventTransition)
	require.NotNil(t, tr.Machine)
	assert.Equal(t, posture.Track, tr.Machine.Gesture)

	batch := nextEvent(t, c, EventBatchDelivered)
	require.NotNil(t, batch.Machine)
	assert.Equal(t, fsm.EventBatch, batch.Machine.Kind)
	require.Len(t, batch.Machine.Actions, 1)
	assert.Equal(t, pointer.Move, batch.Machine.Actions[0].Kind)
	assert.Equal(t, 1, batch.Machine.Delivered)

	require.NoError(t, c.Unsubscribe(ctx))
	assert.Equal(t, 0, srv.SubscriberCount())

	subsMu.Lock()
	assert.Equal(t, []int{1, 0}, subs)
	subsMu.Unlock()
}

func TestStopNotifiesSubscribers(t *testing.T) {
	srv := startServer(t, nil)
	c := connect(t, srv)

	_, err := c.Subscribe(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Stop())
	ev := nextEvent(t, c, EventDaemonShutdown)
	assert.Nil(t, ev.Machine)

	_, err = os.Stat(srv.SocketPath())
	assert.True(t, os.IsNotExist(err), "socket removed on stop")
	assert.Eventually(t, func() bool { return !c.IsConnected() }, 2*time.Second, 5*time.Millisecond)
}
