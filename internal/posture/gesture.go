// Package posture defines the hand-posture events produced by the vision
// pipeline and the bounded queue that carries them to the dispatcher.
package posture

import (
	"fmt"
	"strings"
	"time"
)

// Gesture is a discrete posture classification.
type Gesture uint8

const (
	// Nop is the empty-queue sentinel. It is never enqueued.
	Nop Gesture = iota
	// Left is a left-click posture.
	Left
	// Right is a right-click posture.
	Right
	// Zoom is the zoom posture (bookkeeping only).
	Zoom
	// Track is the open-hand tracking posture that moves the pointer.
	Track
	// Drag is the press-and-hold posture.
	Drag
	// Quit terminates the state machine.
	Quit
)

var gestureNames = [...]string{
	Nop:   "nop",
	Left:  "left",
	Right: "right",
	Zoom:  "zoom",
	Track: "track",
	Drag:  "drag",
	Quit:  "quit",
}

// String returns the lower-case gesture name.
func (g Gesture) String() string {
	if int(g) < len(gestureNames) {
		return gestureNames[g]
	}
	return fmt.Sprintf("gesture(%d)", uint8(g))
}

// Valid reports whether g is a gesture a producer may submit.
func (g Gesture) Valid() bool {
	return g > Nop && g <= Quit
}

// ParseGesture parses a gesture name. Matching is case-insensitive.
func ParseGesture(s string) (Gesture, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range gestureNames {
		if n == name && Gesture(i) != Nop {
			return Gesture(i), nil
		}
	}
	return Nop, fmt.Errorf("unknown gesture: %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (g Gesture) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *Gesture) UnmarshalText(b []byte) error {
	parsed, err := ParseGesture(string(b))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// Event is a posture observed by the vision pipeline.
type Event struct {
	Gesture Gesture   `json:"gesture"`
	At      time.Time `json:"at"`
}
