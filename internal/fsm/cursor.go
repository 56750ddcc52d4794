package fsm

import (
	"sync"

	"gestured/internal/pointer"
)

// Cursor holds the last tracked hand position in screen coordinates.
// Ingress updates it continuously; handlers read it when they move the
// pointer.
type Cursor struct {
	mu    sync.RWMutex
	cal   pointer.Calibration
	pos   pointer.Point
	known bool
}

// NewCursor creates a cursor with no known position.
func NewCursor(cal pointer.Calibration) *Cursor {
	return &Cursor{cal: cal}
}

// Set maps a camera coordinate through the calibration and stores it.
func (c *Cursor) Set(x, y float64) pointer.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos = c.cal.Map(x, y)
	c.known = true
	return c.pos
}

// Position returns the last position and whether one has been set.
func (c *Cursor) Position() (pointer.Point, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pos, c.known
}

// Calibration returns the active calibration.
func (c *Cursor) Calibration() pointer.Calibration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cal
}

// SetCalibration replaces the calibration for subsequent updates.
func (c *Cursor) SetCalibration(cal pointer.Calibration) {
	c.mu.Lock()
	c.cal = cal
	c.mu.Unlock()
}
