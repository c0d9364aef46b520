//go:build amcam

package camera

/*
#cgo CFLAGS: -I/usr/local/include
#cgo LDFLAGS: -L/usr/local/lib -lamcam
#include <stdint.h>
#include <stdlib.h>
#include <amcam.h>

extern void goAmcamEvent(unsigned nEvent, void* ctx);

static HRESULT trimStartPull(HAmcam h, uintptr_t ctx) {
	return Amcam_StartPullModeWithCallback(h, goAmcamEvent, (void*)ctx);
}
*/
import "C"
import (
	"fmt"
	"runtime/cgo"
	"unsafe"
)

// AmcamSDK is the vendor SDK for AmScope/Toupcam microscope cameras.
// Build with -tags amcam and libamcam installed in /usr/local.
type AmcamSDK struct{}

func init() {
	registerSDK("amcam", func() SDK { return AmcamSDK{} })
}

func hr(call string, h C.HRESULT) error {
	if h < 0 {
		return fmt.Errorf("%s: HRESULT 0x%08x", call, uint32(h))
	}
	return nil
}

func (AmcamSDK) Enumerate() ([]DeviceInfo, error) {
	var arr [C.AMCAM_MAX]C.AmcamDeviceV2
	n := int(C.Amcam_EnumV2(&arr[0]))
	out := make([]DeviceInfo, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, DeviceInfo{
			ID:   C.GoString(&arr[i].id[0]),
			Name: C.GoString(&arr[i].displayname[0]),
		})
	}
	return out, nil
}

func (AmcamSDK) Open(id string) (Device, error) {
	cid := C.CString(id)
	defer C.free(unsafe.Pointer(cid))
	h := C.Amcam_Open(cid)
	if h == nil {
		return nil, fmt.Errorf("Amcam_Open(%s) returned NULL", id)
	}
	return &amcamDevice{h: h}, nil
}

type amcamDevice struct {
	h      C.HAmcam
	handle cgo.Handle
}

func (d *amcamDevice) Size() (int, int, error) {
	var w, h C.int
	if err := hr("Amcam_get_Size", C.Amcam_get_Size(d.h, &w, &h)); err != nil {
		return 0, 0, err
	}
	return int(w), int(h), nil
}

func (d *amcamDevice) StillResolution(index int) (int, int, error) {
	var w, h C.int
	if err := hr("Amcam_get_StillResolution", C.Amcam_get_StillResolution(d.h, C.uint(index), &w, &h)); err != nil {
		return 0, 0, err
	}
	return int(w), int(h), nil
}

func (d *amcamDevice) PutResolution(index int) error {
	return hr("Amcam_put_eSize", C.Amcam_put_eSize(d.h, C.uint(index)))
}

var amcamOptions = map[OptionID]C.uint{
	OptionByteOrder:  C.AMCAM_OPTION_BYTEORDER,
	OptionSharpening: C.AMCAM_OPTION_SHARPENING,
	OptionLinear:     C.AMCAM_OPTION_LINEAR,
	OptionCurve:      C.AMCAM_OPTION_CURVE,
}

func (d *amcamDevice) PutOption(opt OptionID, value int) error {
	o, ok := amcamOptions[opt]
	if !ok {
		return fmt.Errorf("option %d not mapped", opt)
	}
	return hr("Amcam_put_Option", C.Amcam_put_Option(d.h, o, C.int(value)))
}

func (d *amcamDevice) GetOption(opt OptionID) (int, error) {
	o, ok := amcamOptions[opt]
	if !ok {
		return 0, fmt.Errorf("option %d not mapped", opt)
	}
	var v C.int
	if err := hr("Amcam_get_Option", C.Amcam_get_Option(d.h, o, &v)); err != nil {
		return 0, err
	}
	return int(v), nil
}

func (d *amcamDevice) PutAutoExpoEnable(enable bool) error {
	v := C.int(0)
	if enable {
		v = 1
	}
	return hr("Amcam_put_AutoExpoEnable", C.Amcam_put_AutoExpoEnable(d.h, v))
}

func (d *amcamDevice) PutAutoExpoTarget(target int) error {
	return hr("Amcam_put_AutoExpoTarget", C.Amcam_put_AutoExpoTarget(d.h, C.ushort(target)))
}

func (d *amcamDevice) PutTempTint(temp, tint int) error {
	return hr("Amcam_put_TempTint", C.Amcam_put_TempTint(d.h, C.int(temp), C.int(tint)))
}

func (d *amcamDevice) PutLevelRange(low, high [4]int) error {
	var cl, ch [4]C.ushort
	for i := range low {
		cl[i], ch[i] = C.ushort(low[i]), C.ushort(high[i])
	}
	return hr("Amcam_put_LevelRange", C.Amcam_put_LevelRange(d.h, &cl[0], &ch[0]))
}

func (d *amcamDevice) PutContrast(v int) error {
	return hr("Amcam_put_Contrast", C.Amcam_put_Contrast(d.h, C.int(v)))
}

func (d *amcamDevice) PutHue(v int) error {
	return hr("Amcam_put_Hue", C.Amcam_put_Hue(d.h, C.int(v)))
}

func (d *amcamDevice) PutSaturation(v int) error {
	return hr("Amcam_put_Saturation", C.Amcam_put_Saturation(d.h, C.int(v)))
}

func (d *amcamDevice) PutBrightness(v int) error {
	return hr("Amcam_put_Brightness", C.Amcam_put_Brightness(d.h, C.int(v)))
}

func (d *amcamDevice) PutGamma(v int) error {
	return hr("Amcam_put_Gamma", C.Amcam_put_Gamma(d.h, C.int(v)))
}

func (d *amcamDevice) PutWhiteBalanceGain(gain [3]int) error {
	var g [3]C.int
	for i := range gain {
		g[i] = C.int(gain[i])
	}
	return hr("Amcam_put_WhiteBalanceGain", C.Amcam_put_WhiteBalanceGain(d.h, &g[0]))
}

func (d *amcamDevice) StartPullModeWithCallback(cb func(EventKind)) error {
	d.handle = cgo.NewHandle(cb)
	if err := hr("Amcam_StartPullModeWithCallback", C.trimStartPull(d.h, C.uintptr_t(d.handle))); err != nil {
		d.handle.Delete()
		d.handle = 0
		return err
	}
	return nil
}

func (d *amcamDevice) PullImage(buf []byte, bits int) (int, int, error) {
	var info C.AmcamFrameInfoV2
	if err := hr("Amcam_PullImageV2", C.Amcam_PullImageV2(d.h, unsafe.Pointer(&buf[0]), C.int(bits), &info)); err != nil {
		return 0, 0, err
	}
	return int(info.width), int(info.height), nil
}

func (d *amcamDevice) PullStillImage(buf []byte, bits int) (int, int, error) {
	var info C.AmcamFrameInfoV2
	if err := hr("Amcam_PullStillImageV2", C.Amcam_PullStillImageV2(d.h, unsafe.Pointer(&buf[0]), C.int(bits), &info)); err != nil {
		return 0, 0, err
	}
	return int(info.width), int(info.height), nil
}

func (d *amcamDevice) Snap(resolutionIndex int) error {
	return hr("Amcam_Snap", C.Amcam_Snap(d.h, C.uint(resolutionIndex)))
}

func (d *amcamDevice) Stop() error {
	return hr("Amcam_Stop", C.Amcam_Stop(d.h))
}

func (d *amcamDevice) Close() error {
	C.Amcam_Close(d.h)
	if d.handle != 0 {
		d.handle.Delete()
		d.handle = 0
	}
	return nil
}
