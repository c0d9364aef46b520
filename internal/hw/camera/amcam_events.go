//go:build amcam

package camera

/*
#include <amcam.h>
*/
import "C"
import (
	"runtime/cgo"
	"unsafe"
)

// goAmcamEvent runs on the SDK's thread; ctx is the cgo.Handle of the
// callback given to StartPullModeWithCallback.
//export goAmcamEvent
func goAmcamEvent(nEvent C.uint, ctx unsafe.Pointer) {
	cb := cgo.Handle(uintptr(ctx)).Value().(func(EventKind))
	switch nEvent {
	case C.AMCAM_EVENT_IMAGE:
		cb(EventImage)
	case C.AMCAM_EVENT_STILLIMAGE:
		cb(EventStillImage)
	case C.AMCAM_EVENT_EXPO_START:
		cb(EventExposureStart)
	case C.AMCAM_EVENT_ERROR:
		cb(EventError)
	case C.AMCAM_EVENT_DISCONNECTED:
		cb(EventDisconnected)
	}
}

