// Package camera wraps a pull-mode microscope camera SDK.
//
// The SDK delivers events on its own thread; a Session turns them into
// registered handlers and owns the preview buffers the frames are pulled into.
package camera

// EventKind identifies a hardware notification.
type EventKind int

const (
	EventImage        EventKind = iota + 1 // a preview frame is ready to pull
	EventStillImage                        // a snapped still is ready to pull
	EventExposureStart                     // exposure of the next frame started
	EventError                             // generic hardware error
	EventDisconnected                      // the device went away
)

func (k EventKind) String() string {
	switch k {
	case EventImage:
		return "image"
	case EventStillImage:
		return "still"
	case EventExposureStart:
		return "expo-start"
	case EventError:
		return "error"
	case EventDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Event is one notification from the hardware thread.
type Event struct {
	Kind EventKind
}

// OptionID selects a device option for PutOption/GetOption.
type OptionID int

const (
	OptionByteOrder  OptionID = iota + 1 // 0 = RGB, 1 = BGR
	OptionSharpening                     // [0, 500]
	OptionLinear                         // 0 or 1
	OptionCurve                          // 0 = off, 1 = polynomial, 2 = logarithmic
)

// DeviceInfo describes an enumerated camera.
type DeviceInfo struct {
	ID   string
	Name string
}

// SDK finds and opens cameras.
type SDK interface {
	Enumerate() ([]DeviceInfo, error)
	Open(id string) (Device, error)
}

// Device is an opened camera. Method names follow the vendor SDK so the
// cgo backend stays a thin shim.
type Device interface {
	Size() (width, height int, err error)
	StillResolution(index int) (width, height int, err error)
	// PutResolution selects one of the preview resolutions; streaming must be stopped.
	PutResolution(index int) error

	PutOption(opt OptionID, value int) error
	GetOption(opt OptionID) (int, error)
	PutAutoExpoEnable(enable bool) error
	PutAutoExpoTarget(target int) error
	PutTempTint(temp, tint int) error
	PutLevelRange(low, high [4]int) error
	PutContrast(v int) error
	PutHue(v int) error
	PutSaturation(v int) error
	PutBrightness(v int) error
	PutGamma(v int) error
	PutWhiteBalanceGain(gain [3]int) error

	// StartPullModeWithCallback starts delivery; cb runs on a hardware thread.
	StartPullModeWithCallback(cb func(EventKind)) error
	// PullImage copies the latest preview frame into buf at the given bit depth.
	PullImage(buf []byte, bits int) (width, height int, err error)
	// PullStillImage copies the snapped still into buf, rows unpadded.
	PullStillImage(buf []byte, bits int) (width, height int, err error)
	Snap(resolutionIndex int) error
	Stop() error
	Close() error
}
