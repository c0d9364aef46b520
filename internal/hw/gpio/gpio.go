package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/treecore/trim/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Driver defines the abstract interface for controlling GPIOs.
// The stage steppers use it so the rig can run against a real
// Raspberry Pi header or a mock on a workstation.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// MaxPin is the highest BCM GPIO number on the 40-pin header.
const MaxPin = 27

// ErrPinMode is returned when writing to a pin configured as input.
var ErrPinMode = errors.New("gpio: pin is configured as input")

func checkPin(pin int) error {
	if pin < 0 || pin > MaxPin {
		return fmt.Errorf("gpio: BCM pin %d out of range 0-%d", pin, MaxPin)
	}
	return nil
}

// MockDriver remembers the mode and last level of each pin and logs every
// call. Used for development on PC or testing.
type MockDriver struct {
	mu     sync.Mutex
	modes  map[int]PinMode
	levels map[int]Level
	writes int
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return &MockDriver{}, nil
	}
	return NewRPiRealDriver()
}

func (m *MockDriver) init() {
	if m.levels == nil {
		m.levels = make(map[int]Level)
		m.modes = make(map[int]PinMode)
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	if err := checkPin(pin); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.modes[pin] = mode
	return nil
}

// WritePin sets an output pin. Pins never set up become outputs, like on
// the real driver.
func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	if err := checkPin(pin); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if mode, ok := m.modes[pin]; ok && mode == Input {
		return fmt.Errorf("write pin %d: %w", pin, ErrPinMode)
	}
	m.modes[pin] = Output
	m.levels[pin] = level
	m.writes++
	return nil
}

// ReadPin returns the last level written to pin, Low if none.
func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	if err := checkPin(pin); err != nil {
		return Low, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], nil
}

// Writes returns how many WritePin calls the mock has seen.
func (m *MockDriver) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
