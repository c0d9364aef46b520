package gpio

import (
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/treecore/trim/internal/debug"
)

type rpiPin struct {
	pin  rpio.Pin
	mode PinMode
}

// RPiDriver drives the stage through the Raspberry Pi header with go-rpio.
// Axes may step from different goroutines, so the pin table is locked.
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpiPin
}

// NewRPiRealDriver memory-maps the GPIO registers. Needs /dev/gpiomem or root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("open GPIO: %w (is this a Raspberry Pi?)", err)
	}
	debug.Verbose("GPIO memory mapped")
	return &RPiDriver{pins: make(map[int]rpiPin)}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	if err := checkPin(pin); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.setup(pin, mode)
	return err
}

// setup configures pin. Inputs get a pull-down so an unwired endstop reads Low.
func (r *RPiDriver) setup(pin int, mode PinMode) (rpiPin, error) {
	p := rpiPin{pin: rpio.Pin(pin), mode: mode}
	switch mode {
	case Input:
		p.pin.Input()
		p.pin.PullDown()
	case Output:
		p.pin.Output()
	default:
		return p, fmt.Errorf("gpio: unknown pin mode %d", mode)
	}
	r.pins[pin] = p
	return p, nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	if err := checkPin(pin); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		var err error
		if p, err = r.setup(pin, Output); err != nil {
			return err
		}
	}
	if p.mode == Input {
		return fmt.Errorf("write pin %d: %w", pin, ErrPinMode)
	}
	if level == High {
		p.pin.High()
	} else {
		p.pin.Low()
	}
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	if err := checkPin(pin); err != nil {
		return Low, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		var err error
		if p, err = r.setup(pin, Input); err != nil {
			return Low, err
		}
	}
	if p.pin.Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

// Close returns every used pin to input, which also releases the A4988
// enable lines, and unmaps the registers.
func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")
	r.mu.Lock()
	defer r.mu.Unlock()
	for n, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", n)
		p.pin.Input()
	}
	r.pins = map[int]rpiPin{}
	return rpio.Close()
}
