// Package capture takes full-resolution stills: one at a time through the
// Pipeline, or a whole raster of them through a Sequence.
package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/treecore/trim/internal/debug"
	"github.com/treecore/trim/internal/hw/camera"
	"github.com/treecore/trim/internal/imaging"
	"github.com/treecore/trim/internal/logic/motion"
)

var (
	// ErrCaptureInProgress is returned by Capture while a still is pending.
	ErrCaptureInProgress = errors.New("capture already in progress")

	// ErrCaptureTimeout is returned by Wait when the still did not arrive in time.
	ErrCaptureTimeout = errors.New("capture timed out")
)

// Request is one pending still. It is completed exactly once.
type Request struct {
	Position  motion.Position
	Requested time.Time

	once sync.Once
	done chan struct{}
	img  *imaging.Image
	err  error
}

func newRequest(pos motion.Position) *Request {
	return &Request{Position: pos, Requested: time.Now(), done: make(chan struct{})}
}

func (r *Request) finish(img *imaging.Image, err error) {
	r.once.Do(func() {
		r.img, r.err = img, err
		close(r.done)
	})
}

// Done is closed when the request has completed.
func (r *Request) Done() <-chan struct{} { return r.done }

// Result returns the still or the reason there is none. Only valid after Done.
func (r *Request) Result() (*imaging.Image, error) {
	<-r.done
	return r.img, r.err
}

// Saver persists a still. *storage.Recorder implements it.
type Saver interface {
	Save(img *imaging.Image, pos motion.Position, format string) (string, error)
}

// Config wires a Pipeline to persistence.
type Config struct {
	Saver   Saver
	Format  func() string // image format for the next save, e.g. from the settings manager
	Timeout time.Duration // bound used by CaptureAndPersist
}

// Pipeline serializes still captures on one camera session: Idle until
// Capture, Busy until the still arrives, times out or the session closes.
type Pipeline struct {
	sess *camera.Session
	cfg  Config

	mu      sync.Mutex
	pending *Request
	owed    int // stills of abandoned requests the camera has yet to deliver

	lastMu sync.RWMutex
	last   *imaging.Image
}

// NewPipeline registers the still-ready handler on sess.
func NewPipeline(sess *camera.Session, cfg Config) *Pipeline {
	if cfg.Format == nil {
		cfg.Format = func() string { return "png" }
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	p := &Pipeline{sess: sess, cfg: cfg}
	sess.Handle(camera.EventStillImage, func(camera.Event) { p.OnStillReady() })
	sess.OnClose(p.abort)
	return p
}

// Busy reports whether a still is pending.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending != nil
}

// Capture asks the camera for a still taken at pos. The still arrives
// asynchronously; use Wait or the request's Done channel.
func (p *Pipeline) Capture(pos motion.Position) (*Request, error) {
	p.mu.Lock()
	if p.sess.Closed() {
		p.mu.Unlock()
		return nil, camera.ErrSessionClosed
	}
	if p.pending != nil {
		p.mu.Unlock()
		return nil, ErrCaptureInProgress
	}
	req := newRequest(pos)
	p.pending = req
	p.mu.Unlock()

	if err := p.sess.Snap(0); err != nil {
		p.release(req)
		req.finish(nil, err)
		return nil, err
	}
	debug.Verbose("snap requested at %s", pos.Tag())
	return req, nil
}

// release clears req if it is still the pending request.
func (p *Pipeline) release(req *Request) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending != req {
		return false
	}
	p.pending = nil
	return true
}

// OnStillReady pulls the full-resolution still, publishes it as the last
// image and completes the pending request. Stills arrive in snap order, so
// one owed by an abandoned request is drained before the pending request is
// served. A still nobody asked for is pulled and dropped.
func (p *Pipeline) OnStillReady() {
	p.mu.Lock()
	req := p.pending
	late := p.owed > 0
	if late {
		p.owed--
		req = nil
	}
	p.mu.Unlock()

	img, err := p.pullStill(req)
	if late {
		debug.Verbose("late still of an abandoned capture discarded")
		return
	}
	if req == nil {
		if err != nil {
			debug.Verbose("stray still could not be drained: %v", err)
		} else {
			debug.Verbose("stray still discarded")
		}
		return
	}

	p.mu.Lock()
	if p.pending != req {
		// abandoned by Wait while we were pulling: this was its still
		if p.owed > 0 {
			p.owed--
		}
		p.mu.Unlock()
		return
	}
	p.pending = nil
	if err == nil {
		p.lastMu.Lock()
		p.last = img
		p.lastMu.Unlock()
	}
	p.mu.Unlock()

	if err == nil {
		debug.Still(img.Width, img.Height, req.Position.X, req.Position.Y, req.Position.Z)
	}
	req.finish(img, err)
}

func (p *Pipeline) pullStill(req *Request) (*imaging.Image, error) {
	w, h, err := p.sess.StillResolution(0)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, w*h*3)
	pw, ph, err := p.sess.PullStill(buf)
	if err != nil {
		return nil, err
	}
	pos := motion.Position{}
	if req != nil {
		pos = req.Position
	}
	return imaging.New(buf, pw, ph, pw*3, p.sess.Order(), pos)
}

// Wait blocks until req completes, ctx ends or timeout elapses. On timeout
// the request is abandoned and the pipeline is free again.
func (p *Pipeline) Wait(ctx context.Context, req *Request, timeout time.Duration) (*imaging.Image, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-req.Done():
		return req.Result()
	case <-t.C:
		return p.abandon(req, ErrCaptureTimeout)
	case <-ctx.Done():
		return p.abandon(req, ctx.Err())
	}
}

func (p *Pipeline) abandon(req *Request, reason error) (*imaging.Image, error) {
	p.mu.Lock()
	released := p.pending == req
	if released {
		p.pending = nil
		p.owed++
	}
	p.mu.Unlock()
	if released {
		debug.Warn("capture at %s abandoned: %v", req.Position.Tag(), reason)
		req.finish(nil, reason)
	}
	// completed concurrently: report what it got
	return req.Result()
}

func (p *Pipeline) abort() {
	p.mu.Lock()
	req := p.pending
	p.pending = nil
	p.owed = 0
	p.mu.Unlock()
	if req != nil {
		req.finish(nil, camera.ErrSessionClosed)
	}
}

// Last returns the most recent still, or nil.
func (p *Pipeline) Last() *imaging.Image {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	return p.last
}

// Result of CaptureAndPersist.
type Result struct {
	Image *imaging.Image
	Path  string
}

// CaptureAndPersist captures a still at pos, waits for it and saves it.
// Nothing is written when the capture fails.
func (p *Pipeline) CaptureAndPersist(ctx context.Context, pos motion.Position) (Result, error) {
	req, err := p.Capture(pos)
	if err != nil {
		return Result{}, err
	}
	img, err := p.Wait(ctx, req, p.cfg.Timeout)
	if err != nil {
		return Result{}, err
	}
	path, err := p.Persist(img)
	return Result{Image: img, Path: path}, err
}

// Persist saves img at its recorded position in the current format.
func (p *Pipeline) Persist(img *imaging.Image) (string, error) {
	if p.cfg.Saver == nil {
		return "", nil
	}
	return p.cfg.Saver.Save(img, img.Position, p.cfg.Format())
}
