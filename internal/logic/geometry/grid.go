package geometry

import (
	"fmt"
	"math"

	"github.com/treecore/trim/internal/logic/motion"
)

// RasterPlan is a column-by-column traversal of a rectangular sample area,
// starting at Origin (top left of the area).
type RasterPlan struct {
	Columns int     // frames along X
	Rows    int     // frames along Y
	StepX   float64 // mm between columns
	StepY   float64 // mm between rows

	Origin motion.Position
}

// CalculateRasterPlan covers a widthMm x heightMm area with frames sized by
// the FOV calculator. Rounds up so the far edge is always covered.
func CalculateRasterPlan(fov *FOVCalculator, widthMm, heightMm float64, origin motion.Position) *RasterPlan {
	return &RasterPlan{
		Columns: framesToCover(widthMm, fov.HorizontalFOV(), fov.HorizontalStep()),
		Rows:    framesToCover(heightMm, fov.VerticalFOV(), fov.VerticalStep()),
		StepX:   fov.HorizontalStep(),
		StepY:   fov.VerticalStep(),
		Origin:  origin,
	}
}

// NewRasterPlan builds a plan with explicit counts and steps, for rigs
// without optics configuration.
func NewRasterPlan(columns, rows int, stepX, stepY float64, origin motion.Position) (*RasterPlan, error) {
	if columns < 1 || rows < 1 {
		return nil, fmt.Errorf("raster needs at least 1x1 frames, got %dx%d", columns, rows)
	}
	if (columns > 1 && stepX <= 0) || (rows > 1 && stepY <= 0) {
		return nil, fmt.Errorf("raster steps must be > 0, got x=%.3f y=%.3f", stepX, stepY)
	}
	return &RasterPlan{Columns: columns, Rows: rows, StepX: stepX, StepY: stepY, Origin: origin}, nil
}

// framesToCover returns how many frames of size fov, advanced by step,
// span length. Always at least 1.
func framesToCover(length, fov, step float64) int {
	if length <= fov || step <= 0 {
		return 1
	}
	return int(math.Ceil((length-fov)/step)) + 1
}

// Frames is the total number of stills in the plan.
func (p *RasterPlan) Frames() int {
	return p.Columns * p.Rows
}

// Positions lists the stage positions in serpentine order:
// column 0 top to bottom, column 1 bottom to top, and so on.
func (p *RasterPlan) Positions() []motion.Position {
	out := make([]motion.Position, 0, p.Frames())
	for col := 0; col < p.Columns; col++ {
		for i := 0; i < p.Rows; i++ {
			row := i
			if col%2 == 1 {
				row = p.Rows - 1 - i
			}
			out = append(out, motion.Position{
				X: p.Origin.X + float64(col)*p.StepX,
				Y: p.Origin.Y + float64(row)*p.StepY,
				Z: p.Origin.Z,
			})
		}
	}
	return out
}
