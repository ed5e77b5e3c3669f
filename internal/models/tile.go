package models

import (
	"github.com/ctessum/geom"

	"histotrace/pkg/raster"
)

// Tile identifies one rectangle of the source plane handed to a worker.
type Tile struct {
	// Index is the position of this tile in row-major grid order.
	Index int

	// Col and Row locate the tile within the grid.
	Col int
	Row int

	// X0, Y0, X1, Y1 are the half-open pixel bounds of the tile within
	// the source plane, including any overlap with neighboring tiles.
	X0, Y0, X1, Y1 int
}

// Width returns the tile width in pixels.
func (t Tile) Width() int {
	return t.X1 - t.X0
}

// Height returns the tile height in pixels.
func (t Tile) Height() int {
	return t.Y1 - t.Y0
}

// Bounds returns the tile rectangle mapped through the calibration into
// geometry space.
func (t Tile) Bounds(cal raster.PixelCalibration) *geom.Bounds {
	x0, y0 := cal.Apply(float64(t.X0), float64(t.Y0))
	x1, y1 := cal.Apply(float64(t.X1), float64(t.Y1))
	return &geom.Bounds{
		Min: geom.Point{X: x0, Y: y0},
		Max: geom.Point{X: x1, Y: y1},
	}
}

// Stage identifies one step of the per-tile processing sequence,
// used for progress reporting.
type Stage int

const (
	StageThreshold Stage = iota
	StageCleanup
	StageTrace
	StageMerge
)

// String returns the stage name used in log events.
func (s Stage) String() string {
	switch s {
	case StageThreshold:
		return "threshold"
	case StageCleanup:
		return "cleanup"
	case StageTrace:
		return "trace"
	case StageMerge:
		return "merge"
	default:
		return "unknown"
	}
}
