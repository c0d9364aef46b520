// Package stream turns the camera's frame-ready events into a live preview.
package stream

import (
	"errors"
	"image"
	"math"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/treecore/trim/internal/debug"
	"github.com/treecore/trim/internal/hw/camera"
	"github.com/treecore/trim/internal/imaging"
)

// State of a Pipeline.
type State int

const (
	Idle State = iota
	Streaming
)

func (s State) String() string {
	if s == Streaming {
		return "streaming"
	}
	return "idle"
}

// Stats summarises preview delivery.
type Stats struct {
	State      string    `json:"state"`
	Frames     uint64    `json:"frames"`
	LastFrame  time.Time `json:"last_frame"`
	PullErrors uint64    `json:"pull_errors"`
	Scale      float64   `json:"scale"`
}

// Pipeline pulls exactly one frame per frame-ready event into the session's
// double buffer. There is no queue: a slow reader just sees the latest frame.
type Pipeline struct {
	sess *camera.Session

	mu      sync.Mutex
	state   State
	remove  func()
	errors  uint64
	waiters map[int]chan struct{}
	nextID  int
}

// New returns an idle pipeline over sess. Closing the session returns the
// pipeline to Idle.
func New(sess *camera.Session) *Pipeline {
	p := &Pipeline{sess: sess, waiters: make(map[int]chan struct{})}
	sess.OnClose(p.Stop)
	return p
}

// Start registers the frame handler and starts pull-mode delivery.
// Starting a running pipeline is a no-op.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Streaming {
		return nil
	}
	if p.sess.Closed() {
		return camera.ErrSessionClosed
	}
	remove := p.sess.Handle(camera.EventImage, p.onImage)
	if err := p.sess.StartStreaming(nil); err != nil {
		remove()
		return err
	}
	p.remove = remove
	p.state = Streaming
	debug.Live("Preview streaming")
	return nil
}

// Stop detaches the frame handler. The session keeps running.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Idle {
		return
	}
	if p.remove != nil {
		p.remove()
		p.remove = nil
	}
	p.state = Idle
	for id, ch := range p.waiters {
		close(ch)
		delete(p.waiters, id)
	}
	debug.Live("Preview stopped")
}

// State reports Idle or Streaming.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) onImage(camera.Event) {
	if err := p.sess.PullFrame(); err != nil {
		if errors.Is(err, camera.ErrSessionClosed) {
			return
		}
		p.mu.Lock()
		p.errors++
		p.mu.Unlock()
		debug.Warn("preview pull failed: %v", err)
		return
	}
	p.mu.Lock()
	for _, ch := range p.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	p.mu.Unlock()
}

// Subscribe returns a channel that receives a signal after each new frame.
// Signals coalesce; the channel is closed when the pipeline stops.
func (p *Pipeline) Subscribe() (frames <-chan struct{}, cancel func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan struct{}, 1)
	if p.state == Idle {
		close(ch)
		return ch, func() {}
	}
	id := p.nextID
	p.nextID++
	p.waiters[id] = ch
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.waiters[id]; ok {
			delete(p.waiters, id)
			close(ch)
		}
	}
}

// Resize fits CurrentFrame into a display area of width x height,
// keeping the aspect ratio, and returns the new scale.
func (p *Pipeline) Resize(width, height int) float64 {
	scale := p.sess.Resize(width, height)
	debug.Verbose("preview display %dx%d, scale %.3f", width, height, scale)
	return scale
}

// CurrentFrame returns a copy of the latest preview frame scaled by the
// session's display scale, or nil before the first frame.
func (p *Pipeline) CurrentFrame() *image.RGBA {
	var out *image.RGBA
	scale := p.sess.Scale()
	_, _ = p.sess.ViewPreview(func(img *imaging.Image) {
		full := img.ToRGBA()
		if scale <= 0 || scale == 1 {
			out = full
			return
		}
		w := int(math.Max(1, math.Round(float64(img.Width)*scale)))
		h := int(math.Max(1, math.Round(float64(img.Height)*scale)))
		out = image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(out, out.Bounds(), full, full.Bounds(), draw.Src, nil)
	})
	return out
}

// Snapshot returns an unscaled copy of the latest preview frame, or nil.
func (p *Pipeline) Snapshot() *imaging.Image {
	var out *imaging.Image
	_, _ = p.sess.ViewPreview(func(img *imaging.Image) {
		cp := *img
		cp.Pix = append([]byte(nil), img.Pix[:img.Stride*img.Height]...)
		out = &cp
	})
	return out
}

// Stats reports frame counters.
func (p *Pipeline) Stats() Stats {
	n, last := p.sess.Frames()
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		State:      p.state.String(),
		Frames:     n,
		LastFrame:  last,
		PullErrors: p.errors,
		Scale:      p.sess.Scale(),
	}
}
