// Package ipc provides inter-process communication between the gestured
// daemon and its clients (gesturectl, the vision pipeline, third-party
// tools).
//
// The protocol is designed for:
// - Request/response pattern for commands
// - Event streaming of machine notifications
// - Protocol versioning for compatibility
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"gestured/internal/fsm"
	"gestured/internal/pointer"
	"gestured/internal/posture"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x47535452 // "GSTR"
)

// MaxPayloadSize bounds a single message payload.
const MaxPayloadSize = 1 << 20

// ErrPayloadTooLarge is returned by ReadMessage for oversized frames.
var ErrPayloadTooLarge = errors.New("ipc: payload too large")

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005
	MsgShutdown     MessageType = 0x0006
	MsgShutdownResp MessageType = 0x0007

	// Machine input (0x01xx)
	MsgSubmitPosture     MessageType = 0x0101
	MsgSubmitPostureResp MessageType = 0x0102
	MsgMoveCursor        MessageType = 0x0103
	MsgMoveCursorResp    MessageType = 0x0104

	// Queries (0x02xx)
	MsgStatusRequest  MessageType = 0x0201
	MsgStatusResponse MessageType = 0x0202

	// Event streaming (0x03xx)
	MsgSubscribe       MessageType = 0x0301
	MsgSubscribeResp   MessageType = 0x0302
	MsgUnsubscribe     MessageType = 0x0303
	MsgUnsubscribeResp MessageType = 0x0304
	MsgEvent           MessageType = 0x0305
)

var messageNames = map[MessageType]string{
	MsgPing:              "ping",
	MsgPong:              "pong",
	MsgHandshake:         "handshake",
	MsgHandshakeAck:      "handshake_ack",
	MsgError:             "error",
	MsgShutdown:          "shutdown",
	MsgShutdownResp:      "shutdown_resp",
	MsgSubmitPosture:     "submit_posture",
	MsgSubmitPostureResp: "submit_posture_resp",
	MsgMoveCursor:        "move_cursor",
	MsgMoveCursorResp:    "move_cursor_resp",
	MsgStatusRequest:     "status",
	MsgStatusResponse:    "status_resp",
	MsgSubscribe:         "subscribe",
	MsgSubscribeResp:     "subscribe_resp",
	MsgUnsubscribe:       "unsubscribe",
	MsgUnsubscribeResp:   "unsubscribe_resp",
	MsgEvent:             "event",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("message(0x%04x)", uint16(t))
}

// EventType identifies the type of streamed event
type EventType uint16

const (
	EventBatchDelivered EventType = 0x0001
	EventAnomaly        EventType = 0x0002
	EventTransition     EventType = 0x0003
	EventDropped        EventType = 0x0004
	EventTimer          EventType = 0x0005
	EventDaemonShutdown EventType = 0x0006
)

var eventNames = map[EventType]string{
	EventBatchDelivered: "batch",
	EventAnomaly:        "anomaly",
	EventTransition:     "transition",
	EventDropped:        "dropped",
	EventTimer:          "timer",
	EventDaemonShutdown: "shutdown",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", uint16(t))
}

// ParseEventType parses an event name as printed by String.
func ParseEventType(s string) (EventType, error) {
	for t, name := range eventNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown event type: %q", s)
}

// eventTypeFor maps a machine notification onto the streamed event type.
// Empty flushes are not streamed.
func eventTypeFor(kind fsm.EventKind) (EventType, bool) {
	switch kind {
	case fsm.EventBatch:
		return EventBatchDelivered, true
	case fsm.EventAnomaly:
		return EventAnomaly, true
	case fsm.EventTransition:
		return EventTransition, true
	case fsm.EventDropped:
		return EventDropped, true
	case fsm.EventTimer:
		return EventTimer, true
	}
	return 0, false
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagJSON        uint8 = 0x04
	FlagStreamStart uint8 = 0x08
	FlagStreamEnd   uint8 = 0x10
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}

	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Write writes the message to a writer in a single call so concurrent
// writers guarded by one mutex never interleave frames.
func (m *Message) Write(w io.Writer) error {
	m.Header.Length = uint32(len(m.Payload))
	frame := make([]byte, HeaderSize, HeaderSize+len(m.Payload))
	binary.BigEndian.PutUint32(frame[0:4], m.Header.Magic)
	frame[4] = m.Header.Version
	frame[5] = m.Header.Flags
	binary.BigEndian.PutUint16(frame[6:8], uint16(m.Header.Type))
	binary.BigEndian.PutUint32(frame[8:12], m.Header.RequestID)
	binary.BigEndian.PutUint32(frame[12:16], m.Header.Length)
	frame = append(frame, m.Payload...)
	_, err := w.Write(frame)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	SessionID       string `json:"session_id"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrPermissionDenied = 3
	ErrInternalError    = 4
	ErrNotReady         = 5
	ErrMachineClosed    = 6
)

// RemoteError is an ErrorResponse surfaced by the client.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// SubmitPostureRequest submits one posture. When X and Y are both set the
// cursor is moved before the posture is queued.
type SubmitPostureRequest struct {
	Gesture posture.Gesture `json:"gesture"`
	X       *float64        `json:"x,omitempty"`
	Y       *float64        `json:"y,omitempty"`
}

// SubmitPostureResponse reports whether the queue accepted the posture.
type SubmitPostureResponse struct {
	Accepted bool `json:"accepted"`
}

// MoveCursorRequest sets the raw camera-space cursor position.
type MoveCursorRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// MoveCursorResponse returns the mapped screen position.
type MoveCursorResponse struct {
	Screen pointer.Point `json:"screen"`
}

// StatusResponse contains the daemon status
type StatusResponse struct {
	Version     string     `json:"version"`
	StartedAt   time.Time  `json:"started_at"`
	Uptime      string     `json:"uptime"`
	Machine     fsm.Status `json:"machine"`
	Clients     int        `json:"clients"`
	Subscribers int        `json:"subscribers"`
}

// ShutdownResponse acknowledges a shutdown request.
type ShutdownResponse struct {
	Stopping bool `json:"stopping"`
}

// SubscribeRequest requests event subscription
type SubscribeRequest struct {
	Events []EventType `json:"events"` // Empty means all events
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
}

// UnsubscribeRequest requests event unsubscription
type UnsubscribeRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

// Event is a streamed event
type Event struct {
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Machine   *MachineEvent `json:"machine,omitempty"`
}

// MachineEvent is the wire form of an fsm.Event.
type MachineEvent struct {
	Kind      fsm.EventKind    `json:"kind"`
	Seq       uint64           `json:"seq,omitempty"`
	Gesture   posture.Gesture  `json:"gesture,omitempty"`
	Previous  posture.Gesture  `json:"previous,omitempty"`
	Next      posture.Gesture  `json:"next,omitempty"`
	Actions   []pointer.Action `json:"actions,omitempty"`
	Delivered int              `json:"delivered,omitempty"`
	LatencyUs int64            `json:"latency_us,omitempty"`
	Timer     fsm.TimerOutcome `json:"timer,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// NewMachineEvent converts a machine notification for the wire.
func NewMachineEvent(ev fsm.Event) *MachineEvent {
	me := &MachineEvent{
		Kind:      ev.Kind,
		Seq:       ev.Seq,
		Gesture:   ev.Gesture,
		Previous:  ev.Previous,
		Next:      ev.Next,
		Actions:   ev.Actions,
		Delivered: ev.Delivered,
		LatencyUs: ev.Latency.Microseconds(),
		Timer:     ev.Timer,
	}
	if ev.Err != nil {
		me.Error = ev.Err.Error()
	}
	return me
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
