package camera

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/treecore/trim/internal/debug"
)

// Scene renders one pixel of a synthetic frame. t counts pulled frames.
type Scene func(x, y, width, height int, t uint64) (r, g, b uint8)

// RingScene draws concentric growth rings with a dark pith, slowly drifting
// so consecutive preview frames differ.
func RingScene(x, y, width, height int, t uint64) (r, g, b uint8) {
	cx := float64(width)/2 + float64(t%64)
	cy := float64(height) / 2
	d := math.Hypot(float64(x)-cx, float64(y)-cy)
	ring := (math.Sin(d/4) + 1) / 2 // 0..1
	// sharp latewood band every few rings
	if math.Mod(d, 40) < 3 {
		ring *= 0.2
	}
	base := 90 + 140*ring
	return uint8(base), uint8(base * 0.8), uint8(base * 0.55)
}

// FlatScene returns a Scene of one solid colour.
func FlatScene(r, g, b uint8) Scene {
	return func(int, int, int, int, uint64) (uint8, uint8, uint8) { return r, g, b }
}

// SimulatorConfig sizes the simulated camera.
type SimulatorConfig struct {
	Name        string
	Width       int
	Height      int
	StillWidth  int
	StillHeight int
	FPS         int           // 0 disables the frame ticker; use Emit instead
	StillDelay  time.Duration // Snap to EventStillImage
	Scene       Scene
}

// Simulator is an SDK with one synthetic camera. It records every device
// call and can be told to fail any of them.
type Simulator struct {
	cfg SimulatorConfig

	mu       sync.Mutex
	devices  int
	calls    []string
	failures map[string]error
	dev      *simDevice
}

// NewSimulator returns an SDK exposing a single simulated camera.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.Name == "" {
		cfg.Name = "TRIM simulated microscope camera"
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 640, 480
	}
	if cfg.StillWidth <= 0 || cfg.StillHeight <= 0 {
		cfg.StillWidth, cfg.StillHeight = cfg.Width, cfg.Height
	}
	if cfg.Scene == nil {
		cfg.Scene = RingScene
	}
	return &Simulator{cfg: cfg, devices: 1, failures: make(map[string]error)}
}

// SetDevices changes how many cameras Enumerate reports.
func (s *Simulator) SetDevices(n int) {
	s.mu.Lock()
	s.devices = n
	s.mu.Unlock()
}

// Fail makes the named call (e.g. "PutContrast", "Snap") return err.
// A nil err clears the fault.
func (s *Simulator) Fail(call string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, call)
		return
	}
	s.failures[call] = err
}

// Calls returns the recorded device calls, e.g. "PutContrast(10)".
func (s *Simulator) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Emit delivers an event as if the hardware had raised it.
func (s *Simulator) Emit(kind EventKind) {
	s.mu.Lock()
	d := s.dev
	s.mu.Unlock()
	if d != nil {
		d.emit(kind)
	}
}

func (s *Simulator) record(call string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := call
	if len(args) > 0 {
		entry = fmt.Sprintf("%s(%s)", call, fmt.Sprint(args...))
	}
	s.calls = append(s.calls, entry)
	debug.Trace("sim: %s", entry)
	return s.failures[call]
}

func (s *Simulator) Enumerate() ([]DeviceInfo, error) {
	if err := s.record("Enumerate"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceInfo, 0, s.devices)
	for i := 0; i < s.devices; i++ {
		out = append(out, DeviceInfo{ID: fmt.Sprintf("sim-%d", i), Name: s.cfg.Name})
	}
	return out, nil
}

func (s *Simulator) Open(id string) (Device, error) {
	if err := s.record("Open", id); err != nil {
		return nil, err
	}
	d := &simDevice{
		sim:     s,
		width:   s.cfg.Width,
		height:  s.cfg.Height,
		options: map[OptionID]int{OptionByteOrder: 1},
		stop:    make(chan struct{}),
	}
	s.mu.Lock()
	s.dev = d
	s.mu.Unlock()
	return d, nil
}

type simDevice struct {
	sim *Simulator

	mu      sync.Mutex
	width   int
	height  int
	options map[OptionID]int
	cb      func(EventKind)
	frame   uint64
	stills  int // snapped, not yet pulled
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func (d *simDevice) emit(kind EventKind) {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	if cb != nil {
		cb(kind)
	}
}

func (d *simDevice) Size() (int, int, error) {
	if err := d.sim.record("Size"); err != nil {
		return 0, 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.width, d.height, nil
}

func (d *simDevice) StillResolution(index int) (int, int, error) {
	if err := d.sim.record("StillResolution", index); err != nil {
		return 0, 0, err
	}
	if index != 0 {
		return 0, 0, fmt.Errorf("still resolution %d not supported", index)
	}
	return d.sim.cfg.StillWidth, d.sim.cfg.StillHeight, nil
}

// PutResolution halves the preview size per index step.
func (d *simDevice) PutResolution(index int) error {
	if err := d.sim.record("PutResolution", index); err != nil {
		return err
	}
	if index < 0 || index > 2 {
		return fmt.Errorf("resolution index %d out of range", index)
	}
	d.mu.Lock()
	d.width = d.sim.cfg.Width >> uint(index)
	d.height = d.sim.cfg.Height >> uint(index)
	d.mu.Unlock()
	return nil
}

func (d *simDevice) PutOption(opt OptionID, value int) error {
	if err := d.sim.record("PutOption", opt, ",", value); err != nil {
		return err
	}
	d.mu.Lock()
	d.options[opt] = value
	d.mu.Unlock()
	return nil
}

func (d *simDevice) GetOption(opt OptionID) (int, error) {
	if err := d.sim.record("GetOption", opt); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.options[opt], nil
}

func (d *simDevice) PutAutoExpoEnable(enable bool) error {
	return d.sim.record("PutAutoExpoEnable", enable)
}

func (d *simDevice) PutAutoExpoTarget(target int) error {
	return d.sim.record("PutAutoExpoTarget", target)
}

func (d *simDevice) PutTempTint(temp, tint int) error {
	return d.sim.record("PutTempTint", temp, ",", tint)
}

func (d *simDevice) PutLevelRange(low, high [4]int) error {
	return d.sim.record("PutLevelRange", low, high)
}

func (d *simDevice) PutContrast(v int) error   { return d.sim.record("PutContrast", v) }
func (d *simDevice) PutHue(v int) error        { return d.sim.record("PutHue", v) }
func (d *simDevice) PutSaturation(v int) error { return d.sim.record("PutSaturation", v) }
func (d *simDevice) PutBrightness(v int) error { return d.sim.record("PutBrightness", v) }
func (d *simDevice) PutGamma(v int) error      { return d.sim.record("PutGamma", v) }

func (d *simDevice) PutWhiteBalanceGain(gain [3]int) error {
	return d.sim.record("PutWhiteBalanceGain", gain)
}

func (d *simDevice) StartPullModeWithCallback(cb func(EventKind)) error {
	if err := d.sim.record("StartPullModeWithCallback"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return errors.New("device stopped")
	}
	d.cb = cb
	if fps := d.sim.cfg.FPS; fps > 0 {
		d.wg.Add(1)
		go d.run(time.Second / time.Duration(fps))
	}
	return nil
}

func (d *simDevice) run(period time.Duration) {
	defer d.wg.Done()
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-t.C:
			d.emit(EventExposureStart)
			d.emit(EventImage)
		}
	}
}

func (d *simDevice) render(buf []byte, w, h, stride int, t uint64) {
	bgr := d.options[OptionByteOrder] != 0
	scene := d.sim.cfg.Scene
	for y := 0; y < h; y++ {
		row := buf[y*stride:]
		for x := 0; x < w; x++ {
			r, g, b := scene(x, y, w, h, t)
			if bgr {
				r, b = b, r
			}
			row[x*3], row[x*3+1], row[x*3+2] = r, g, b
		}
	}
}

func (d *simDevice) PullImage(buf []byte, bits int) (int, int, error) {
	if err := d.sim.record("PullImage"); err != nil {
		return 0, 0, err
	}
	if bits != 24 {
		return 0, 0, fmt.Errorf("unsupported bit depth %d", bits)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	stride := (d.width*24 + 31) / 32 * 4
	if len(buf) < stride*d.height {
		return 0, 0, fmt.Errorf("buffer too small: %d < %d", len(buf), stride*d.height)
	}
	d.frame++
	d.render(buf, d.width, d.height, stride, d.frame)
	return d.width, d.height, nil
}

func (d *simDevice) Snap(resolutionIndex int) error {
	if err := d.sim.record("Snap", resolutionIndex); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return errors.New("device stopped")
	}
	d.stills++
	d.wg.Add(1)
	go func(delay time.Duration) {
		defer d.wg.Done()
		select {
		case <-d.stop:
		case <-time.After(delay):
			d.emit(EventStillImage)
		}
	}(d.sim.cfg.StillDelay)
	return nil
}

func (d *simDevice) PullStillImage(buf []byte, bits int) (int, int, error) {
	if err := d.sim.record("PullStillImage"); err != nil {
		return 0, 0, err
	}
	if bits != 24 {
		return 0, 0, fmt.Errorf("unsupported bit depth %d", bits)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stills == 0 {
		return 0, 0, errors.New("no still pending")
	}
	w, h := d.sim.cfg.StillWidth, d.sim.cfg.StillHeight
	if len(buf) < w*h*3 {
		return 0, 0, fmt.Errorf("buffer too small: %d < %d", len(buf), w*h*3)
	}
	d.stills--
	d.render(buf, w, h, w*3, d.frame)
	return w, h, nil
}

func (d *simDevice) Stop() error {
	if err := d.sim.record("Stop"); err != nil {
		return err
	}
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.stop)
	}
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

func (d *simDevice) Close() error {
	return d.sim.record("Close")
}
