package motion

import (
	"context"
	"sync"

	"github.com/treecore/trim/internal/debug"
)

// PrinterDriver is what a serial G-code frame offers (see hw/gcode).
type PrinterDriver interface {
	MoveAbs(ctx context.Context, x, y, z *float64) error
	Position(ctx context.Context) (x, y, z float64, err error)
}

// PrinterStage drives a 3D printer frame in absolute coordinates.
type PrinterStage struct {
	drv PrinterDriver

	mu  sync.Mutex
	pos Position
}

// NewPrinterStage reads the current coordinate from the printer.
func NewPrinterStage(ctx context.Context, drv PrinterDriver) (*PrinterStage, error) {
	x, y, z, err := drv.Position(ctx)
	if err != nil {
		return nil, err
	}
	debug.Info("Printer stage at X%g Y%g Z%g", x, y, z)
	return &PrinterStage{drv: drv, pos: Position{X: x, Y: y, Z: z}}, nil
}

func (s *PrinterStage) Move(ctx context.Context, axis Axis, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	debug.Move(string(axis), delta)
	return s.moveTo(ctx, s.pos.Add(axis, delta))
}

func (s *PrinterStage) MoveTo(ctx context.Context, pos Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moveTo(ctx, pos)
}

func (s *PrinterStage) moveTo(ctx context.Context, pos Position) error {
	if err := s.drv.MoveAbs(ctx, &pos.X, &pos.Y, &pos.Z); err != nil {
		return err
	}
	s.pos = pos
	return nil
}

func (s *PrinterStage) Position() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}
