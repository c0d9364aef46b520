package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/treecore/trim/internal/debug"
	"github.com/treecore/trim/internal/imaging"
)

const previewBits = 24

// Option configures a Session while it is being opened.
type Option func(*Session) error

// WithByteOrder pushes the pixel byte order to the device: "rgb" and "bgr"
// set it explicitly, "native" (or "") keeps whatever the SDK defaults to.
func WithByteOrder(order string) Option {
	return func(s *Session) error {
		switch order {
		case "rgb":
			if err := hwErr("PutOption(ByteOrder)", s.dev.PutOption(OptionByteOrder, 0)); err != nil {
				return err
			}
			s.order = imaging.RGB
		case "bgr":
			if err := hwErr("PutOption(ByteOrder)", s.dev.PutOption(OptionByteOrder, 1)); err != nil {
				return err
			}
			s.order = imaging.BGR
		case "native", "":
			return s.readByteOrder()
		default:
			return fmt.Errorf("camera: unknown byte order %q", order)
		}
		return nil
	}
}

// Session is the exclusive owner of one opened camera.
//
// Preview frames are pulled into a back buffer by the single hardware thread
// and swapped to the front under mu, so readers holding mu.RLock never see a
// half-written frame.
type Session struct {
	dev  Device
	name string

	pullMu sync.Mutex // serialises PullFrame, SetResolution and Close

	mu     sync.RWMutex
	width  int
	height int
	stride int
	front  []byte
	back   []byte
	frames uint64
	last   time.Time
	order  imaging.ChannelOrder

	stateMu   sync.Mutex
	closed    bool
	streaming bool
	scale     float64
	nextID    int
	handlers  map[EventKind]map[int]func(Event)
	catchAll  func(Event)
	closeHook []func()
}

// Open enumerates devices and opens the first one. It fails with
// ErrDeviceNotFound when nothing is attached.
func Open(sdk SDK, opts ...Option) (*Session, error) {
	devs, err := sdk.Enumerate()
	if err != nil {
		return nil, hwErr("Enumerate", err)
	}
	if len(devs) == 0 {
		return nil, ErrDeviceNotFound
	}
	info := devs[0]
	debug.Info("Camera found: %s (%s)", info.Name, info.ID)

	dev, err := sdk.Open(info.ID)
	if err != nil {
		return nil, hwErr("Open", err)
	}
	w, h, err := dev.Size()
	if err != nil {
		dev.Close()
		return nil, hwErr("Size", err)
	}

	s := &Session{
		dev:      dev,
		name:     info.Name,
		scale:    1,
		handlers: make(map[EventKind]map[int]func(Event)),
	}
	s.allocate(w, h)
	if len(opts) == 0 {
		opts = []Option{WithByteOrder("native")}
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			dev.Close()
			return nil, err
		}
	}
	debug.Value("preview", fmt.Sprintf("%dx%d stride=%d order=%s", w, h, s.stride, s.order))
	return s, nil
}

// OpenWithRetry retries Open with exponential backoff; a camera that was just
// plugged in can take a moment to enumerate.
func OpenWithRetry(ctx context.Context, sdk SDK, retries int, opts ...Option) (*Session, error) {
	var s *Session
	op := func() error {
		var err error
		s, err = Open(sdk, opts...)
		if err != nil {
			debug.Warn("camera open failed: %v", err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx))
	return s, err
}

func (s *Session) allocate(w, h int) {
	s.width, s.height = w, h
	s.stride = imaging.RowStride(w)
	s.front = make([]byte, s.stride*h)
	s.back = make([]byte, s.stride*h)
	s.frames = 0
}

func (s *Session) readByteOrder() error {
	v, err := s.dev.GetOption(OptionByteOrder)
	if err != nil {
		return hwErr("GetOption(ByteOrder)", err)
	}
	s.order = imaging.RGB
	if v != 0 {
		s.order = imaging.BGR
	}
	return nil
}

// Name is the model name reported by enumeration.
func (s *Session) Name() string { return s.name }

// Size returns the preview resolution.
func (s *Session) Size() (width, height int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.width, s.height
}

// Order is the channel order of pulled frames.
func (s *Session) Order() imaging.ChannelOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.order
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.closed
}

// Handle registers fn for one event kind. The returned func unregisters it.
// Handlers run on the hardware thread and must not block for long.
func (s *Session) Handle(kind EventKind, fn func(Event)) (remove func()) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	id := s.nextID
	s.nextID++
	if s.handlers[kind] == nil {
		s.handlers[kind] = make(map[int]func(Event))
	}
	s.handlers[kind][id] = fn
	return func() {
		s.stateMu.Lock()
		defer s.stateMu.Unlock()
		delete(s.handlers[kind], id)
	}
}

// OnClose registers fn to run after the device has been released.
func (s *Session) OnClose(fn func()) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.closeHook = append(s.closeHook, fn)
}

// StartStreaming starts pull-mode delivery. all, if non-nil, sees every
// event after the kind-specific handlers. Calling it twice is a no-op.
func (s *Session) StartStreaming(all func(Event)) error {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return ErrSessionClosed
	}
	if s.streaming {
		s.stateMu.Unlock()
		return nil
	}
	s.catchAll = all
	s.streaming = true
	s.stateMu.Unlock()

	if err := s.dev.StartPullModeWithCallback(s.dispatch); err != nil {
		s.stateMu.Lock()
		s.streaming = false
		s.stateMu.Unlock()
		return hwErr("StartPullModeWithCallback", err)
	}
	debug.Info("Camera streaming started")
	return nil
}

// Streaming reports whether pull-mode delivery is running.
func (s *Session) Streaming() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.streaming
}

func (s *Session) dispatch(kind EventKind) {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return
	}
	fns := make([]func(Event), 0, len(s.handlers[kind]))
	for _, fn := range s.handlers[kind] {
		fns = append(fns, fn)
	}
	all := s.catchAll
	s.stateMu.Unlock()

	debug.Trace("camera event: %s", kind)
	ev := Event{Kind: kind}
	switch kind {
	case EventError:
		debug.Warn("camera reported a hardware error")
	case EventDisconnected:
		debug.Warn("camera disconnected")
	}
	for _, fn := range fns {
		fn(ev)
	}
	if all != nil {
		all(ev)
	}
}

// PullFrame pulls the latest preview frame into the back buffer and swaps it
// to the front.
func (s *Session) PullFrame() error {
	s.pullMu.Lock()
	defer s.pullMu.Unlock()
	if s.Closed() {
		return ErrSessionClosed
	}

	// back is only ever touched while pullMu is held
	if _, _, err := s.dev.PullImage(s.back, previewBits); err != nil {
		return hwErr("PullImage", err)
	}

	s.mu.Lock()
	s.front, s.back = s.back, s.front
	s.frames++
	s.last = time.Now()
	s.mu.Unlock()
	return nil
}

// ViewPreview calls fn with the current front buffer wrapped as an Image.
// The Image is only valid inside fn. ok is false before the first frame.
func (s *Session) ViewPreview(fn func(*imaging.Image)) (ok bool, err error) {
	if s.Closed() {
		return false, ErrSessionClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.frames == 0 {
		return false, nil
	}
	fn(&imaging.Image{
		Pix:        s.front,
		Width:      s.width,
		Height:     s.height,
		Stride:     s.stride,
		Order:      s.order,
		CapturedAt: s.last,
	})
	return true, nil
}

// Frames returns how many preview frames have been pulled and when the last one arrived.
func (s *Session) Frames() (n uint64, last time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frames, s.last
}

// Resize recomputes the display scale for a target area, preserving aspect
// ratio. No hardware buffer is touched.
func (s *Session) Resize(targetWidth, targetHeight int) float64 {
	w, h := s.Size()
	scale := 1.0
	if w > 0 && h > 0 && targetWidth > 0 && targetHeight > 0 {
		sw := float64(targetWidth) / float64(w)
		sh := float64(targetHeight) / float64(h)
		scale = sw
		if sh < sw {
			scale = sh
		}
	}
	s.stateMu.Lock()
	s.scale = scale
	s.stateMu.Unlock()
	return scale
}

// Scale is the display scale last computed by Resize.
func (s *Session) Scale() float64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.scale
}

// SetResolution switches the preview resolution and reallocates the buffers.
// It must be called before StartStreaming.
func (s *Session) SetResolution(index int) error {
	s.pullMu.Lock()
	defer s.pullMu.Unlock()
	if s.Closed() {
		return ErrSessionClosed
	}
	if s.Streaming() {
		return fmt.Errorf("camera: cannot change resolution while streaming")
	}
	if err := s.dev.PutResolution(index); err != nil {
		return hwErr("PutResolution", err)
	}
	w, h, err := s.dev.Size()
	if err != nil {
		return hwErr("Size", err)
	}
	s.mu.Lock()
	s.allocate(w, h)
	s.mu.Unlock()
	debug.Info("Preview resolution set to %dx%d", w, h)
	return nil
}

// Snap asks the device for a still at the given resolution index. The still
// arrives later as EventStillImage.
func (s *Session) Snap(resolutionIndex int) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	return hwErr("Snap", s.dev.Snap(resolutionIndex))
}

// StillResolution returns the size of the still at index.
func (s *Session) StillResolution(index int) (width, height int, err error) {
	if s.Closed() {
		return 0, 0, ErrSessionClosed
	}
	w, h, err := s.dev.StillResolution(index)
	return w, h, hwErr("StillResolution", err)
}

// PullStill copies the pending still into buf (width*height*3 bytes).
func (s *Session) PullStill(buf []byte) (width, height int, err error) {
	if s.Closed() {
		return 0, 0, ErrSessionClosed
	}
	w, h, err := s.dev.PullStillImage(buf, previewBits)
	return w, h, hwErr("PullStillImage", err)
}

// Close stops the device, releases it and runs the close hooks. Later calls
// return nil.
func (s *Session) Close() error {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return nil
	}
	s.closed = true
	s.streaming = false
	hooks := s.closeHook
	s.closeHook = nil
	s.stateMu.Unlock()

	// Stop may wait for the hardware thread, which may be inside PullFrame.
	errStop := hwErr("Stop", s.dev.Stop())
	s.pullMu.Lock()
	errClose := hwErr("Close", s.dev.Close())
	s.pullMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	debug.Info("Camera session closed")
	if errStop != nil {
		return errStop
	}
	return errClose
}

func (s *Session) put(call string, fn func() error) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	return hwErr(call, fn())
}

// PutAutoExpoEnable switches auto exposure.
func (s *Session) PutAutoExpoEnable(enable bool) error {
	return s.put("PutAutoExpoEnable", func() error { return s.dev.PutAutoExpoEnable(enable) })
}

// PutAutoExpoTarget sets the auto exposure target brightness.
func (s *Session) PutAutoExpoTarget(target int) error {
	return s.put("PutAutoExpoTarget", func() error { return s.dev.PutAutoExpoTarget(target) })
}

// PutTempTint sets the white balance as colour temperature and tint.
func (s *Session) PutTempTint(temp, tint int) error {
	return s.put("PutTempTint", func() error { return s.dev.PutTempTint(temp, tint) })
}

// PutLevelRange sets the per-channel input level range (R, G, B, gray).
func (s *Session) PutLevelRange(low, high [4]int) error {
	return s.put("PutLevelRange", func() error { return s.dev.PutLevelRange(low, high) })
}

func (s *Session) PutContrast(v int) error {
	return s.put("PutContrast", func() error { return s.dev.PutContrast(v) })
}

func (s *Session) PutHue(v int) error {
	return s.put("PutHue", func() error { return s.dev.PutHue(v) })
}

func (s *Session) PutSaturation(v int) error {
	return s.put("PutSaturation", func() error { return s.dev.PutSaturation(v) })
}

func (s *Session) PutBrightness(v int) error {
	return s.put("PutBrightness", func() error { return s.dev.PutBrightness(v) })
}

func (s *Session) PutGamma(v int) error {
	return s.put("PutGamma", func() error { return s.dev.PutGamma(v) })
}

// PutWhiteBalanceGain sets the RGB white balance gains.
func (s *Session) PutWhiteBalanceGain(gain [3]int) error {
	return s.put("PutWhiteBalanceGain", func() error { return s.dev.PutWhiteBalanceGain(gain) })
}

// PutOption sets a raw device option.
func (s *Session) PutOption(opt OptionID, value int) error {
	return s.put(fmt.Sprintf("PutOption(%d)", opt), func() error { return s.dev.PutOption(opt, value) })
}
