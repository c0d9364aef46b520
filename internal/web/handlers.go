package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"io/fs"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/treecore/trim/internal/debug"
	"github.com/treecore/trim/internal/hw/camera"
	"github.com/treecore/trim/internal/imaging"
	"github.com/treecore/trim/internal/logic/capture"
	"github.com/treecore/trim/internal/logic/focus"
	"github.com/treecore/trim/internal/logic/motion"
	"github.com/treecore/trim/internal/logic/settings"
	"github.com/treecore/trim/internal/logic/stream"
	"github.com/treecore/trim/internal/storage"
)

// MaxBodyBytes caps JSON request bodies.
const MaxBodyBytes = 1 << 20

// ScanInterval is the minimum time between two accepted POST /scan requests.
const ScanInterval = 5 * time.Second

// PreviewJPEGQuality is used for /preview.jpg and the MJPEG stream.
const PreviewJPEGQuality = 80

// Previewer is the live preview. *stream.Pipeline implements it.
type Previewer interface {
	CurrentFrame() *image.RGBA
	Snapshot() *imaging.Image
	Subscribe() (<-chan struct{}, func())
	Stats() stream.Stats
	Resize(width, height int) float64
}

// Capturer takes and persists stills. *capture.Pipeline implements it.
type Capturer interface {
	CaptureAndPersist(ctx context.Context, pos motion.Position) (capture.Result, error)
	Last() *imaging.Image
	Busy() bool
}

// ScanRequest holds the parameters of a raster scan. Either Columns/Rows
// with explicit steps, or WidthMm/HeightMm when the rig has optics
// configured to derive the steps.
type ScanRequest struct {
	Columns        int              `json:"columns"`
	Rows           int              `json:"rows"`
	StepXMm        float64          `json:"step_x_mm"`
	StepYMm        float64          `json:"step_y_mm"`
	WidthMm        float64          `json:"width_mm"`
	HeightMm       float64          `json:"height_mm"`
	Origin         *motion.Position `json:"origin,omitempty"` // defaults to the current position
	Subfolder      string           `json:"subfolder"`
	SkipDegenerate *bool            `json:"skip_degenerate,omitempty"`
}

// RunScanFunc runs a scan. It is called from the POST /scan handler in a goroutine.
type RunScanFunc func(ctx context.Context, req ScanRequest) (capture.ScanResult, error)

// FormConfig holds default values for the control page (from config).
type FormConfig struct {
	Columns        int     `json:"columns"`
	Rows           int     `json:"rows"`
	StepXMm        float64 `json:"step_x_mm"`
	StepYMm        float64 `json:"step_y_mm"`
	OverlapPercent float64 `json:"overlap_percent"`
	SettleMs       int     `json:"settle_ms"`
	SkipDegenerate bool    `json:"skip_degenerate"`
	HasOptics      bool    `json:"has_optics"`
	CapturePath    string  `json:"capture_path"`
	CaptureName    string  `json:"capture_name"`
	PreviewFPS     int     `json:"preview_fps"`
}

// Deps are the components the handlers drive. Nil members disable their routes
// with 503 Service Unavailable.
type Deps struct {
	Broadcaster *StatusBroadcaster
	Preview     Previewer
	Capture     Capturer
	Settings    *settings.Manager
	Camera      settings.Controls
	Stage       motion.Stage
	RunScan     RunScanFunc
	Form        FormConfig
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Deps

	runningMu  sync.Mutex
	running    bool
	cancelScan context.CancelFunc
	scanLimit  *rate.Limiter

	moveMu   sync.Mutex
	staticFS fs.FS
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(deps Deps, staticFS fs.FS) *Handlers {
	if deps.Broadcaster == nil {
		deps.Broadcaster = NewStatusBroadcaster()
	}
	if deps.Form.PreviewFPS <= 0 {
		deps.Form.PreviewFPS = 10
	}
	return &Handlers{
		Deps:      deps,
		scanLimit: rate.NewLimiter(rate.Every(ScanInterval), 1),
		staticFS:  staticFS,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeBody decodes a size-capped JSON body. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	var pe *storage.PersistenceError
	var hw *camera.HardwareCallError
	switch {
	case errors.Is(err, capture.ErrCaptureInProgress):
		return http.StatusConflict
	case errors.Is(err, capture.ErrCaptureTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, camera.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &hw):
		return http.StatusBadGateway
	case errors.As(err, &pe):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

var (
	errUnavailable = errors.New("not configured")
	errScanRunning = errors.New("scan in progress")
)

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Form)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandlePreviewJPEG serves the current preview frame as one JPEG.
func (h *Handlers) HandlePreviewJPEG(w http.ResponseWriter, r *http.Request) {
	if h.Preview == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	frame := h.Preview.CurrentFrame()
	if frame == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no preview frame yet"))
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	if err := jpeg.Encode(w, frame, &jpeg.Options{Quality: PreviewJPEGQuality}); err != nil {
		debug.Warn("preview encode: %v", err)
	}
}

// MaxPreviewSide bounds the display area a client may ask the preview to fit.
const MaxPreviewSide = 8192

type previewSize struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Scale  float64 `json:"scale,omitempty"`
}

// HandlePreviewSize rescales the preview to fit the client's display area,
// e.g. after the browser window was resized.
func (h *Handlers) HandlePreviewSize(w http.ResponseWriter, r *http.Request) {
	if h.Preview == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	var req previewSize
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Width < 1 || req.Height < 1 || req.Width > MaxPreviewSide || req.Height > MaxPreviewSide {
		writeError(w, http.StatusBadRequest, fmt.Errorf("preview size must be 1..%d per side", MaxPreviewSide))
		return
	}
	req.Scale = h.Preview.Resize(req.Width, req.Height)
	writeJSON(w, http.StatusOK, req)
}

// HandlePreviewStream serves the preview as multipart/x-mixed-replace JPEGs,
// at most Form.PreviewFPS per second per client.
func (h *Handlers) HandlePreviewStream(w http.ResponseWriter, r *http.Request) {
	if h.Preview == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	frames, cancel := h.Preview.Subscribe()
	defer cancel()

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	limit := rate.NewLimiter(rate.Limit(h.Form.PreviewFPS), 1)
	ctx := r.Context()
	send := func() bool {
		frame := h.Preview.CurrentFrame()
		if frame == nil {
			return true
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"image/jpeg"}})
		if err != nil {
			return false
		}
		if err := jpeg.Encode(part, frame, &jpeg.Options{Quality: PreviewJPEGQuality}); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// the latest frame goes out immediately so a paused camera still shows something
	if !send() {
		return
	}
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}
		if err := limit.Wait(ctx); err != nil {
			return
		}
		if !send() {
			return
		}
	}
}

type captureResponse struct {
	Path     string          `json:"path"`
	Width    int             `json:"width"`
	Height   int             `json:"height"`
	Position motion.Position `json:"position"`
}

// HandleCapture takes one still at the posted position (or the stage's
// current one) and saves it. Refused while a scan owns the camera and the
// output folder.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	if h.Capture == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	var body struct {
		Position *motion.Position `json:"position"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if h.scanning() {
		writeError(w, http.StatusConflict, errScanRunning)
		return
	}
	var pos motion.Position
	switch {
	case body.Position != nil:
		pos = *body.Position
	case h.Stage != nil:
		pos = h.Stage.Position()
	}

	res, err := h.Capture.CaptureAndPersist(r.Context(), pos)
	if err != nil {
		debug.Warn("capture failed: %v", err)
		writeError(w, statusFor(err), err)
		return
	}
	h.Broadcaster.BroadcastMsg("Saved " + res.Path)
	writeJSON(w, http.StatusOK, captureResponse{
		Path:     res.Path,
		Width:    res.Image.Width,
		Height:   res.Image.Height,
		Position: res.Image.Position,
	})
}

type focusResponse struct {
	focus.Score
	Source     string     `json:"source"`
	Degenerate bool       `json:"degenerate"`
	StdDev     [3]float64 `json:"stddev"`
}

// HandleFocus scores the last still, or the live preview with ?source=preview.
func (h *Handlers) HandleFocus(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	var img *imaging.Image
	switch source {
	case "", "still":
		source = "still"
		if h.Capture != nil {
			img = h.Capture.Last()
		}
	case "preview":
		if h.Preview != nil {
			img = h.Preview.Snapshot()
		}
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown source %q", source))
		return
	}
	if img == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("no %s image yet", source))
		return
	}
	score, err := focus.ScoreFocus(img)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, focusResponse{
		Score:      score,
		Source:     source,
		Degenerate: focus.IsDegenerate(img),
		StdDev:     focus.StdDevs(img),
	})
}

// HandleGetSettings returns the current camera settings.
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	if h.Settings == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.Settings.Get())
}

type settingsResponse struct {
	Settings       settings.Settings     `json:"settings"`
	Rejected       []settings.FieldError `json:"rejected,omitempty"`
	HardwareErrors []string              `json:"hardware_errors,omitempty"`
}

// HandlePatchSettings merges a partial settings object and pushes the
// result to the camera. Out-of-range fields are rejected individually;
// the request fails with 400 only when nothing could be merged.
func (h *Handlers) HandlePatchSettings(w http.ResponseWriter, r *http.Request) {
	if h.Settings == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	var raw map[string]interface{}
	if err := decodeBody(w, r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var resp settingsResponse
	var re *settings.RangeError
	upd, err := settings.UpdateFromMap(raw)
	if errors.As(err, &re) {
		resp.Rejected = re.Fields
	} else if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if upd.Empty() {
		if len(resp.Rejected) > 0 {
			writeJSON(w, http.StatusBadRequest, resp)
			return
		}
		writeError(w, http.StatusBadRequest, errors.New("no known settings in request"))
		return
	}

	merged, err := h.Settings.Merge(upd)
	if errors.As(err, &re) {
		resp.Rejected = append(resp.Rejected, re.Fields...)
		if merged.Empty() {
			writeJSON(w, http.StatusBadRequest, resp)
			return
		}
	}
	if h.Camera != nil {
		if err := h.Settings.Apply(h.Camera, nil); err != nil {
			for _, e := range unwrapJoined(err) {
				resp.HardwareErrors = append(resp.HardwareErrors, e.Error())
			}
		}
	}
	resp.Settings = h.Settings.Get()
	writeJSON(w, http.StatusOK, resp)
}

func unwrapJoined(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// MoveRequest is a relative move along one axis, or an absolute move when To is set.
type MoveRequest struct {
	Axis  string           `json:"axis"`
	Delta float64          `json:"delta"`
	To    *motion.Position `json:"to,omitempty"`
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// HandleMove moves the stage. Moves are refused while a scan is running.
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	if h.Stage == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	var req MoveRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if h.scanning() {
		writeError(w, http.StatusConflict, errScanRunning)
		return
	}

	h.moveMu.Lock()
	defer h.moveMu.Unlock()
	var err error
	if req.To != nil {
		if !finite(req.To.X, req.To.Y, req.To.Z) {
			writeError(w, http.StatusBadRequest, errors.New("target must be finite"))
			return
		}
		err = h.Stage.MoveTo(r.Context(), *req.To)
	} else {
		axis, perr := motion.ParseAxis(req.Axis)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr)
			return
		}
		if !finite(req.Delta) || req.Delta == 0 {
			writeError(w, http.StatusBadRequest, errors.New("delta must be a non-zero finite number"))
			return
		}
		err = h.Stage.Move(r.Context(), axis, req.Delta)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Stage.Position())
}

// HandlePosition returns the stage position.
func (h *Handlers) HandlePosition(w http.ResponseWriter, r *http.Request) {
	if h.Stage == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.Stage.Position())
}

// ValidateScanRequest checks the raster parameters of a scan request.
func ValidateScanRequest(req ScanRequest, hasOptics bool) error {
	if !finite(req.StepXMm, req.StepYMm, req.WidthMm, req.HeightMm) {
		return errors.New("scan dimensions must be finite numbers")
	}
	if req.Origin != nil && !finite(req.Origin.X, req.Origin.Y, req.Origin.Z) {
		return errors.New("origin must be finite")
	}
	if req.WidthMm != 0 || req.HeightMm != 0 {
		if !hasOptics {
			return errors.New("width_mm/height_mm need optics configuration; use columns/rows")
		}
		if req.WidthMm <= 0 || req.WidthMm > 1000 || req.HeightMm <= 0 || req.HeightMm > 1000 {
			return errors.New("width_mm and height_mm must be between 0 and 1000")
		}
		return nil
	}
	if req.Columns < 1 || req.Columns > 10000 || req.Rows < 1 || req.Rows > 1000 {
		return errors.New("columns must be between 1 and 10000, rows between 1 and 1000")
	}
	if req.Columns > 1 && (req.StepXMm <= 0 || req.StepXMm > 100) {
		return errors.New("step_x_mm must be between 0 and 100")
	}
	if req.Rows > 1 && (req.StepYMm <= 0 || req.StepYMm > 100) {
		return errors.New("step_y_mm must be between 0 and 100")
	}
	return nil
}

func (h *Handlers) scanning() bool {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()
	return h.running
}

// HandleScan handles POST /scan to start a raster scan.
func (h *Handlers) HandleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ScanRequest
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateScanRequest(req, h.Form.HasOptics); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.RunScan == nil {
		http.Error(w, "scan not configured", http.StatusServiceUnavailable)
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "scan already in progress", http.StatusConflict)
		return
	}
	if !h.scanLimit.Allow() {
		h.runningMu.Unlock()
		http.Error(w, "too many scan requests", http.StatusTooManyRequests)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.running = true
	h.cancelScan = cancel
	h.runningMu.Unlock()

	// Run in goroutine; clear running when done
	go func() {
		defer func() {
			cancel()
			h.runningMu.Lock()
			h.running = false
			h.cancelScan = nil
			h.runningMu.Unlock()
		}()

		res, err := h.RunScan(ctx, req)
		switch {
		case errors.Is(err, context.Canceled):
			h.Broadcaster.Broadcast("warn", fmt.Sprintf("Scan cancelled after %d stills", len(res.Saved)))
		case err != nil:
			h.Broadcaster.Broadcast("error", "Scan failed: "+err.Error())
			debug.Warn("scan failed: %v", err)
		default:
			h.Broadcaster.Broadcast("info", fmt.Sprintf("Scan complete: %d saved, %d skipped", len(res.Saved), res.Skipped))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleCancelScan stops a running scan after its current still.
func (h *Handlers) HandleCancelScan(w http.ResponseWriter, r *http.Request) {
	h.runningMu.Lock()
	cancel := h.cancelScan
	h.runningMu.Unlock()
	if cancel == nil {
		writeError(w, http.StatusNotFound, errors.New("no scan running"))
		return
	}
	cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

type statusResponse struct {
	Preview  *stream.Stats    `json:"preview,omitempty"`
	Busy     bool             `json:"capture_busy"`
	Scanning bool             `json:"scanning"`
	Position *motion.Position `json:"position,omitempty"`
}

// HandleStatus returns a one-shot summary of the rig.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Scanning: h.scanning()}
	if h.Preview != nil {
		st := h.Preview.Stats()
		resp.Preview = &st
	}
	if h.Capture != nil {
		resp.Busy = h.Capture.Busy()
	}
	if h.Stage != nil {
		pos := h.Stage.Position()
		resp.Position = &pos
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
