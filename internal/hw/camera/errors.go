package camera

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceNotFound is returned by Open when enumeration finds no camera.
	ErrDeviceNotFound = errors.New("camera: no device found")

	// ErrSessionClosed is returned by every Session operation after Close.
	ErrSessionClosed = errors.New("camera: session closed")
)

// HardwareCallError reports a failed SDK call.
type HardwareCallError struct {
	Call string
	Err  error
}

func (e *HardwareCallError) Error() string {
	return fmt.Sprintf("camera: %s: %v", e.Call, e.Err)
}

func (e *HardwareCallError) Unwrap() error { return e.Err }

func hwErr(call string, err error) error {
	if err == nil {
		return nil
	}
	return &HardwareCallError{Call: call, Err: err}
}
