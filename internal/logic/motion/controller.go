package motion

import (
	"context"
	"fmt"

	"github.com/treecore/trim/internal/debug"
	"github.com/treecore/trim/internal/hw/stepper"
)

// Controller drives an XYZ stage built from three lead-screw steppers.
// It's an intermediate layer between business logic (captures, raster
// scans) and low-level GPIO.
type Controller struct {
	axes map[Axis]*stepper.Stepper
}

// NewController builds a stage from its axes. A nil stepper leaves that
// axis out, e.g. z on rigs without a focus drive.
func NewController(x, y, z *stepper.Stepper) *Controller {
	axes := map[Axis]*stepper.Stepper{}
	for a, s := range map[Axis]*stepper.Stepper{AxisX: x, AxisY: y, AxisZ: z} {
		if s != nil {
			axes[a] = s
		}
	}
	return &Controller{axes: axes}
}

// Move travels delta millimetres along one axis.
func (c *Controller) Move(ctx context.Context, axis Axis, delta float64) error {
	s, ok := c.axes[axis]
	if !ok {
		return fmt.Errorf("stage has no %s axis", axis)
	}
	debug.Move(string(axis), delta)
	return s.MoveSteps(ctx, s.StepsFor(delta))
}

// MoveTo moves each axis in turn (X, Y, then Z) to pos.
func (c *Controller) MoveTo(ctx context.Context, pos Position) error {
	cur := c.Position()
	for _, a := range []Axis{AxisX, AxisY, AxisZ} {
		if _, ok := c.axes[a]; !ok {
			continue
		}
		if d := pos.Get(a) - cur.Get(a); d != 0 {
			if err := c.Move(ctx, a, d); err != nil {
				return err
			}
		}
	}
	return nil
}

// Position derives the stage coordinate from the step counters.
func (c *Controller) Position() Position {
	var p Position
	for a, s := range c.axes {
		p = p.Add(a, s.PositionMm())
	}
	return p
}

// EnableMotors enables all axis drivers (holding torque).
func (c *Controller) EnableMotors() error {
	for _, s := range c.axes {
		if err := s.Enable(); err != nil {
			return err
		}
	}
	return nil
}

// DisableMotors disables all axis drivers.
func (c *Controller) DisableMotors() error {
	for _, s := range c.axes {
		if err := s.Disable(); err != nil {
			return err
		}
	}
	return nil
}
