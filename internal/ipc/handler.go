package ipc

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"gestured/internal/fsm"
	"gestured/internal/logging"
	"gestured/internal/pointer"
	"gestured/internal/posture"
)

// Machine is the part of fsm.Machine the handler drives.
type Machine interface {
	Submit(g posture.Gesture) bool
	SetCursor(x, y float64) pointer.Point
	Status() fsm.Status
}

// MachineHandler implements Handler on top of a running state machine.
type MachineHandler struct {
	mu        sync.RWMutex
	machine   Machine
	version   string
	startedAt time.Time
	server    *Server

	onAccepted func(posture.Gesture)
	onShutdown func()
}

// MachineHandlerConfig configures the machine handler
type MachineHandlerConfig struct {
	Machine Machine
	Version string
	// OnAccepted is called for every posture the queue accepted.
	OnAccepted func(posture.Gesture)
	// OnShutdown is called, on its own goroutine, after a Shutdown request
	// has been acknowledged.
	OnShutdown func()
}

// NewMachineHandler creates a new machine handler
func NewMachineHandler(cfg MachineHandlerConfig) *MachineHandler {
	return &MachineHandler{
		machine:    cfg.Machine,
		version:    cfg.Version,
		startedAt:  time.Now(),
		onAccepted: cfg.OnAccepted,
		onShutdown: cfg.OnShutdown,
	}
}

// AttachServer lets Status report connection counts.
func (h *MachineHandler) AttachServer(s *Server) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.server = s
}

// HandleMessage processes an IPC message
func (h *MachineHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgSubmitPosture:
		return h.handleSubmitPosture(ctx, client, msg)

	case MsgMoveCursor:
		return h.handleMoveCursor(ctx, client, msg)

	case MsgStatusRequest:
		return h.handleStatus(ctx, client, msg)

	case MsgShutdown:
		return h.handleShutdown(ctx, client, msg)

	default:
		return NewErrorMessage(msg.Header.RequestID, ErrUnknown,
			fmt.Sprintf("unknown message type: %s", msg.Header.Type)), nil
	}
}

func (h *MachineHandler) handleSubmitPosture(_ context.Context, client *Client, msg *Message) (*Message, error) {
	var req SubmitPostureRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid submit request: "+err.Error()), nil
	}
	if !req.Gesture.Valid() {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("invalid gesture %s", req.Gesture)), nil
	}
	if (req.X == nil) != (req.Y == nil) {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "x and y must be given together"), nil
	}

	if req.X != nil {
		if !finite(*req.X) || !finite(*req.Y) {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "coordinates must be finite"), nil
		}
		h.machine.SetCursor(*req.X, *req.Y)
	}

	accepted := h.machine.Submit(req.Gesture)
	if accepted && h.onAccepted != nil {
		h.onAccepted(req.Gesture)
	}
	if !accepted {
		if !h.machine.Status().Running {
			return NewErrorMessage(msg.Header.RequestID, ErrMachineClosed, "machine stopped"), nil
		}
		client.Logger.Debug("posture dropped", "gesture", req.Gesture.String())
	}

	return NewResponse(MsgSubmitPostureResp, msg.Header.RequestID, &SubmitPostureResponse{Accepted: accepted})
}

func (h *MachineHandler) handleMoveCursor(_ context.Context, _ *Client, msg *Message) (*Message, error) {
	var req MoveCursorRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid move request: "+err.Error()), nil
	}
	if !finite(req.X) || !finite(req.Y) {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "coordinates must be finite"), nil
	}

	screen := h.machine.SetCursor(req.X, req.Y)
	return NewResponse(MsgMoveCursorResp, msg.Header.RequestID, &MoveCursorResponse{Screen: screen})
}

func (h *MachineHandler) handleStatus(_ context.Context, _ *Client, msg *Message) (*Message, error) {
	resp := &StatusResponse{
		Version:   h.version,
		StartedAt: h.startedAt,
		Uptime:    time.Since(h.startedAt).Truncate(time.Second).String(),
		Machine:   h.machine.Status(),
	}

	h.mu.RLock()
	srv := h.server
	h.mu.RUnlock()
	if srv != nil {
		resp.Clients = srv.ClientCount()
		resp.Subscribers = srv.SubscriberCount()
	}

	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

func (h *MachineHandler) handleShutdown(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if h.onShutdown == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "shutdown not permitted"), nil
	}

	client.Logger.Info("shutdown requested", "request_id", logging.RequestIDFromContext(ctx))
	// Give the acknowledgement a head start on the teardown.
	time.AfterFunc(50*time.Millisecond, h.onShutdown)

	return NewResponse(MsgShutdownResp, msg.Header.RequestID, &ShutdownResponse{Stopping: true})
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
