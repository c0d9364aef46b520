package motion

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Axis names one stage axis.
type Axis string

const (
	AxisX Axis = "x"
	AxisY Axis = "y"
	AxisZ Axis = "z"
)

// ParseAxis accepts "x", "y" or "z" in either case.
func ParseAxis(s string) (Axis, error) {
	switch s {
	case "x", "X":
		return AxisX, nil
	case "y", "Y":
		return AxisY, nil
	case "z", "Z":
		return AxisZ, nil
	}
	return "", fmt.Errorf("unknown axis %q", s)
}

// Position is a stage coordinate in millimetres.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Get returns the coordinate on one axis.
func (p Position) Get(a Axis) float64 {
	switch a {
	case AxisY:
		return p.Y
	case AxisZ:
		return p.Z
	}
	return p.X
}

// Add returns p moved by delta along a.
func (p Position) Add(a Axis, delta float64) Position {
	switch a {
	case AxisX:
		p.X += delta
	case AxisY:
		p.Y += delta
	case AxisZ:
		p.Z += delta
	}
	return p
}

// Tag formats the position the way it appears in still filenames:
// "PX{x}Y{y}Z{z}", each value in its shortest form.
func (p Position) Tag() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return "PX" + f(p.X) + "Y" + f(p.Y) + "Z" + f(p.Z)
}

// Stage is the motion boundary that supplies capture positions.
type Stage interface {
	Move(ctx context.Context, axis Axis, delta float64) error
	MoveTo(ctx context.Context, pos Position) error
	Position() Position
}

// Holder is implemented by stages whose motors can be released while a
// still is exposed.
type Holder interface {
	EnableMotors() error
	DisableMotors() error
}

// MemoryStage is a Stage that only tracks coordinates. It backs stage.type
// "mock" and the tests.
type MemoryStage struct {
	mu    sync.Mutex
	pos   Position
	moves []Position
}

// NewMemoryStage returns a stage parked at the origin.
func NewMemoryStage() *MemoryStage {
	return &MemoryStage{}
}

func (m *MemoryStage) Move(ctx context.Context, axis Axis, delta float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos = m.pos.Add(axis, delta)
	m.moves = append(m.moves, m.pos)
	return nil
}

func (m *MemoryStage) MoveTo(ctx context.Context, pos Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos = pos
	m.moves = append(m.moves, m.pos)
	return nil
}

func (m *MemoryStage) Position() Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

// Visited returns every position the stage has been moved to, in order.
func (m *MemoryStage) Visited() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Position(nil), m.moves...)
}
