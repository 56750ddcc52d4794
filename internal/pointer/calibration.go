package pointer

import "math"

// Calibration maps camera-space hand coordinates to screen pixels.
//
// Each axis is mapped as screen = (raw - Offset + 1) * Scale and clamped to
// [0, Width-1] / [0, Height-1] when the screen size is known.
type Calibration struct {
	OffsetX float64 `toml:"offset_x" json:"offset_x" yaml:"offset_x"`
	OffsetY float64 `toml:"offset_y" json:"offset_y" yaml:"offset_y"`
	ScaleX  float64 `toml:"scale_x" json:"scale_x" yaml:"scale_x"`
	ScaleY  float64 `toml:"scale_y" json:"scale_y" yaml:"scale_y"`
	Width   int     `toml:"-" json:"-" yaml:"-"`
	Height  int     `toml:"-" json:"-" yaml:"-"`
}

// DefaultCalibration returns the mapping of the reference camera rig:
// a 380x300 capture window whose useful area starts at (40, 63).
func DefaultCalibration() Calibration {
	return Calibration{
		OffsetX: 40,
		OffsetY: 63,
		ScaleX:  8.95,
		ScaleY:  7.7,
	}
}

// Identity returns a calibration that passes coordinates through unchanged.
func Identity() Calibration {
	return Calibration{OffsetX: 1, OffsetY: 1, ScaleX: 1, ScaleY: 1}
}

// Map converts a camera coordinate to a screen coordinate.
func (c Calibration) Map(x, y float64) Point {
	sx := (x - c.OffsetX + 1) * c.ScaleX
	sy := (y - c.OffsetY + 1) * c.ScaleY
	return Point{
		X: clamp(sx, c.Width),
		Y: clamp(sy, c.Height),
	}
}

func clamp(v float64, size int) int {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if size > 0 && v > float64(size-1) {
		return size - 1
	}
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(v)
}
