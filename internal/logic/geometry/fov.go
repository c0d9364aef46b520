package geometry

import (
	"fmt"

	"github.com/treecore/trim/internal/config"
)

// FOVCalculator computes the area of the sample seen in one frame and the
// stage travel between frames from the sensor size and magnification.
type FOVCalculator struct {
	optics  config.OpticsConfig
	overlap float64
}

// NewFOVCalculator creates a new FOV calculator.
// Returns an error if optics information is not available
// (required for calculations).
func NewFOVCalculator(cfg *config.Config) (*FOVCalculator, error) {
	if cfg.Optics == nil {
		return nil, fmt.Errorf("optics configuration is required for FOV calculations")
	}
	if cfg.Optics.Magnification <= 0 {
		return nil, fmt.Errorf("optics.magnification must be > 0, got %.2f", cfg.Optics.Magnification)
	}
	return &FOVCalculator{optics: *cfg.Optics, overlap: cfg.OverlapRatio()}, nil
}

// HorizontalFOV returns the width of the sample covered by one frame, in mm.
// Formula: FOV = sensor_width / magnification
func (f *FOVCalculator) HorizontalFOV() float64 {
	return f.optics.SensorWidthMm / f.optics.Magnification
}

// VerticalFOV returns the height of the sample covered by one frame, in mm.
func (f *FOVCalculator) VerticalFOV() float64 {
	return f.optics.SensorHeightMm / f.optics.Magnification
}

// HorizontalStep is the X travel between two frames that keeps the
// configured overlap. With 30% overlap each frame adds 70% new sample.
func (f *FOVCalculator) HorizontalStep() float64 {
	return f.HorizontalFOV() * (1.0 - f.overlap)
}

// VerticalStep is the Y travel between two rows.
func (f *FOVCalculator) VerticalStep() float64 {
	return f.VerticalFOV() * (1.0 - f.overlap)
}
