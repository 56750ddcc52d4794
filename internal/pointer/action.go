// Package pointer provides the primitive pointer actions synthesised by the
// gesture state machine and the backends that deliver them to the host.
//
// Backends:
//   - Recorder: in-memory, keeps every delivered batch
//   - LogInjector: dry run, logs batches without touching the host
//   - UInput: Linux virtual absolute pointer through /dev/uinput
//   - Portal: xdg-desktop-portal RemoteDesktop session over D-Bus (Linux)
package pointer

import (
	"fmt"
	"strings"
)

// Kind distinguishes primitive pointer actions.
type Kind uint8

const (
	// Move positions the pointer at X, Y.
	Move Kind = iota + 1
	// ButtonDown presses Button.
	ButtonDown
	// ButtonUp releases Button.
	ButtonUp
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Move:
		return "move"
	case ButtonDown:
		return "down"
	case ButtonUp:
		return "up"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Button identifies a pointer button.
type Button uint8

const (
	ButtonLeft Button = iota + 1
	ButtonRight
	ButtonMiddle
)

// String returns the button name.
func (b Button) String() string {
	switch b {
	case ButtonLeft:
		return "left"
	case ButtonRight:
		return "right"
	case ButtonMiddle:
		return "middle"
	default:
		return fmt.Sprintf("button(%d)", uint8(b))
	}
}

// Point is a screen coordinate in pixels.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Action is one primitive pointer action. X and Y are only meaningful for
// Move; Button is only meaningful for ButtonDown and ButtonUp.
type Action struct {
	Kind   Kind   `json:"kind"`
	X      int    `json:"x,omitempty"`
	Y      int    `json:"y,omitempty"`
	Button Button `json:"button,omitempty"`
}

// MoveTo returns a Move action.
func MoveTo(p Point) Action {
	return Action{Kind: Move, X: p.X, Y: p.Y}
}

// Down returns a ButtonDown action.
func Down(b Button) Action {
	return Action{Kind: ButtonDown, Button: b}
}

// Up returns a ButtonUp action.
func Up(b Button) Action {
	return Action{Kind: ButtonUp, Button: b}
}

// String renders the action compactly, e.g. "move(10,20)" or "down(left)".
func (a Action) String() string {
	if a.Kind == Move {
		return fmt.Sprintf("move(%d,%d)", a.X, a.Y)
	}
	return fmt.Sprintf("%s(%s)", a.Kind, a.Button)
}

// Click returns a press/release pair for b.
func Click(b Button) []Action {
	return []Action{Down(b), Up(b)}
}

// DoubleClick returns two press/release pairs for b.
func DoubleClick(b Button) []Action {
	return []Action{Down(b), Up(b), Down(b), Up(b)}
}

// FormatBatch renders a batch as a space-separated list.
func FormatBatch(batch []Action) string {
	parts := make([]string, len(batch))
	for i, a := range batch {
		parts[i] = a.String()
	}
	return strings.Join(parts, " ")
}
