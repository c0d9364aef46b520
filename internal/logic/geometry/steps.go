package geometry

import (
	"math"

	"github.com/treecore/trim/internal/config"
)

// StepsCalculator converts stage travel to motor step counts.
type StepsCalculator struct {
	xStepsPerMm float64
	yStepsPerMm float64
	zStepsPerMm float64
}

// NewStepsCalculator creates a step calculator from the stage configuration.
func NewStepsCalculator(cfg *config.Config) *StepsCalculator {
	return &StepsCalculator{
		xStepsPerMm: cfg.Stage.X.StepsPerMm(),
		yStepsPerMm: cfg.Stage.Y.StepsPerMm(),
		zStepsPerMm: cfg.Stage.Z.StepsPerMm(),
	}
}

// XStepsFromMm converts an X travel in millimetres to motor steps.
func (s *StepsCalculator) XStepsFromMm(mm float64) int {
	return int(math.Round(mm * s.xStepsPerMm))
}

// YStepsFromMm converts a Y travel in millimetres to motor steps.
func (s *StepsCalculator) YStepsFromMm(mm float64) int {
	return int(math.Round(mm * s.yStepsPerMm))
}

// ZStepsFromMm converts a focus travel in millimetres to motor steps.
func (s *StepsCalculator) ZStepsFromMm(mm float64) int {
	return int(math.Round(mm * s.zStepsPerMm))
}

// XStepsForOverlap is the number of X steps between two frames.
func (s *StepsCalculator) XStepsForOverlap(fov *FOVCalculator) int {
	return s.XStepsFromMm(fov.HorizontalStep())
}

// YStepsForOverlap is the number of Y steps between two rows.
func (s *StepsCalculator) YStepsForOverlap(fov *FOVCalculator) int {
	return s.YStepsFromMm(fov.VerticalStep())
}
