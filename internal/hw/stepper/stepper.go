package stepper

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/treecore/trim/internal/debug"
	"github.com/treecore/trim/internal/hw/gpio"
)

// Config holds the hardware configuration for one lead-screw axis.
type Config struct {
	Name       string // axis label used in logs ("x", "y", "z")
	StepPin    int
	DirPin     int
	EnablePin  int           // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
	StepsPerMm float64       // microsteps per millimetre of travel
	StepDelay  time.Duration // half-cycle of the STEP pulse, defaults to 1ms
	// Backlash is taken up with extra, uncounted pulses whenever the axis
	// reverses direction.
	Backlash int
}

// Stepper drives one stepper motor and counts the steps it has made.
// The count is relative to where the axis was when the Stepper was created.
type Stepper struct {
	gpio  gpio.Driver
	cfg   Config
	delay time.Duration

	mu      sync.Mutex
	steps   int64
	lastDir int // +1, -1, or 0 before the first move
}

// NewStepper configures the STEP, DIR and ENABLE pins and enables the driver.
func NewStepper(g gpio.Driver, cfg Config) *Stepper {
	if cfg.StepDelay <= 0 {
		cfg.StepDelay = time.Millisecond
	}
	if cfg.Backlash < 0 {
		cfg.Backlash = 0
	}
	s := &Stepper{gpio: g, cfg: cfg, delay: cfg.StepDelay}

	for _, pin := range []int{cfg.StepPin, cfg.DirPin} {
		if err := g.SetupPin(pin, gpio.Output); err != nil {
			debug.Warn("Stepper %s: setup pin %d: %v", cfg.Name, pin, err)
		}
	}
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = s.Enable()
	}
	return s
}

// StepsFor converts a distance in millimetres into whole microsteps.
func (s *Stepper) StepsFor(mm float64) int {
	return int(math.Round(mm * s.cfg.StepsPerMm))
}

// MoveSteps moves the motor by steps, forward when positive. It stops early
// when ctx is cancelled; the steps already made are counted.
func (s *Stepper) MoveSteps(ctx context.Context, steps int) error {
	if steps == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, level := 1, gpio.High
	if steps < 0 {
		dir, level = -1, gpio.Low
		steps = -steps
	}
	if err := s.gpio.WritePin(s.cfg.DirPin, level); err != nil {
		return err
	}

	if s.lastDir != 0 && s.lastDir != dir && s.cfg.Backlash > 0 {
		debug.Verbose("Stepper %s: taking up %d backlash steps", s.cfg.Name, s.cfg.Backlash)
		if _, err := s.pulses(ctx, s.cfg.Backlash); err != nil {
			return err
		}
	}
	s.lastDir = dir

	debug.Printf("Stepper %s: %+d steps on pin %d", s.cfg.Name, dir*steps, s.cfg.StepPin)
	n, err := s.pulses(ctx, steps)
	s.steps += int64(dir * n)
	return err
}

// pulses emits n STEP pulses and reports how many completed.
func (s *Stepper) pulses(ctx context.Context, n int) (int, error) {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
			return i, err
		}
		time.Sleep(s.delay)
		if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
			return i, err
		}
		time.Sleep(s.delay)
	}
	return n, nil
}

// Steps returns the signed step count since creation.
func (s *Stepper) Steps() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

// PositionMm returns the travelled distance in millimetres, or 0 when
// StepsPerMm is not configured.
func (s *Stepper) PositionMm() float64 {
	if s.cfg.StepsPerMm <= 0 {
		return 0
	}
	return float64(s.Steps()) / s.cfg.StepsPerMm
}

// Enable turns on the motor driver so the axis holds position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Low)
}

// Disable lets the motor freewheel. Used while a still is exposed to keep
// motor vibration off the sample.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.High)
}
