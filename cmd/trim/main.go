package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/treecore/trim/internal/config"
	"github.com/treecore/trim/internal/debug"
	"github.com/treecore/trim/internal/hw/camera"
	"github.com/treecore/trim/internal/hw/gcode"
	"github.com/treecore/trim/internal/hw/gpio"
	"github.com/treecore/trim/internal/hw/stepper"
	"github.com/treecore/trim/internal/logic/capture"
	"github.com/treecore/trim/internal/logic/geometry"
	"github.com/treecore/trim/internal/logic/motion"
	"github.com/treecore/trim/internal/logic/settings"
	"github.com/treecore/trim/internal/logic/stream"
	"github.com/treecore/trim/internal/storage"
	"github.com/treecore/trim/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{}
	flag.Var(webPort, "web", "start web server on port; -web= for web.addr from config, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	debugLevel := flag.Int("debug", -1, "override defaults.debug_level (0-4)")
	columns := flag.Int("columns", 1, "headless scan: columns along the core")
	rows := flag.Int("rows", 1, "headless scan: rows across the core")
	stepX := flag.Float64("step_x_mm", 0, "headless scan: column step in mm")
	stepY := flag.Float64("step_y_mm", 0, "headless scan: row step in mm")
	widthMm := flag.Float64("width_mm", 0, "headless scan: area width in mm (needs optics config)")
	heightMm := flag.Float64("height_mm", 0, "headless scan: area height in mm (needs optics config)")
	subfolder := flag.String("subfolder", "", "headless scan: folder under capture.path, e.g. the core ID")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if *debugLevel >= 0 {
		cfg.Defaults.DebugLevel = *debugLevel
	}

	var broadcaster *web.StatusBroadcaster
	if webPort.set {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	r, err := newRig(ctx, cfg)
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	defer r.Close()

	if webPort.set {
		addr := cfg.Web.Addr
		if p := webPort.port(); p > 0 {
			addr = fmt.Sprintf(":%d", p)
		}
		srv, err := web.NewServer(addr, web.Deps{
			Broadcaster: broadcaster,
			Preview:     r.preview,
			Capture:     r.capture,
			Settings:    r.settings,
			Camera:      r.sess,
			Stage:       r.stage,
			RunScan: func(ctx context.Context, req web.ScanRequest) (capture.ScanResult, error) {
				return r.runScan(ctx, req, broadcaster.BroadcastProgress)
			},
			Form: formConfig(cfg),
		})
		if err != nil {
			log.Fatalf("web server: %v", err)
		}
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	req := web.ScanRequest{
		Columns:   *columns,
		Rows:      *rows,
		StepXMm:   *stepX,
		StepYMm:   *stepY,
		WidthMm:   *widthMm,
		HeightMm:  *heightMm,
		Subfolder: *subfolder,
	}
	if err := web.ValidateScanRequest(req, cfg.Optics != nil); err != nil {
		log.Fatalf("invalid scan: %v", err)
	}
	res, err := r.runScan(ctx, req, nil)
	if err != nil {
		log.Fatalf("scan failed after %d stills: %v", len(res.Saved), err)
	}
	for _, p := range res.Saved {
		fmt.Println(p)
	}
}

// rig is every long-lived component, wired together.
type rig struct {
	cfg      *config.Config
	sess     *camera.Session
	preview  *stream.Pipeline
	recorder *storage.Recorder
	capture  *capture.Pipeline
	settings *settings.Manager
	stage    motion.Stage

	closers []func() error
}

func newRig(ctx context.Context, cfg *config.Config) (*rig, error) {
	r := &rig{cfg: cfg}

	debug.Step(1, "Initializing stage")
	debug.Value("Stage type", cfg.Stage.Type)
	stage, closeStage, err := newStage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init stage: %w", err)
	}
	r.stage = stage
	if closeStage != nil {
		r.closers = append(r.closers, closeStage)
	}

	debug.Step(2, "Opening camera")
	debug.Value("Camera driver", cfg.Camera.Driver)
	sdk, err := camera.NewSDK(cfg.Camera.Driver, camera.SimulatorConfig{
		Width:       cfg.Camera.Simulator.Width,
		Height:      cfg.Camera.Simulator.Height,
		StillWidth:  cfg.Camera.Simulator.StillWidth,
		StillHeight: cfg.Camera.Simulator.StillHeight,
		FPS:         cfg.Camera.Simulator.FPS,
		StillDelay:  cfg.StillDelay(),
	})
	if err != nil {
		r.Close()
		return nil, err
	}
	sess, err := camera.OpenWithRetry(ctx, sdk, cfg.Camera.OpenRetries, camera.WithByteOrder(cfg.Camera.ByteOrder))
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("open camera: %w", err)
	}
	r.sess = sess
	r.closers = append(r.closers, sess.Close)
	debug.Value("Camera", sess.Name())

	debug.Step(3, "Applying camera settings")
	r.settings = settings.NewManager()
	if path := cfg.SettingsFile; path != "" {
		if err := r.settings.Load(path); err != nil {
			debug.Warn("using default camera settings: %v", err)
		}
		err := r.settings.Watch(path, func(_ settings.Settings, err error) {
			if err != nil {
				debug.Warn("settings reload: %v", err)
				return
			}
			debug.Info("Settings file changed, re-applying")
			r.settings.Apply(sess, nil)
		})
		if err != nil {
			debug.Warn("settings file will not be reloaded: %v", err)
		}
	}
	if err := r.settings.Apply(sess, nil); err != nil {
		debug.Warn("some camera settings were not applied: %v", err)
	}
	debug.PrintStruct("Camera settings", r.settings.Get())

	debug.Step(4, "Starting preview")
	scale := sess.Resize(cfg.Web.PreviewWidth, cfg.Web.PreviewHeight)
	debug.Value("Preview scale", scale)
	r.preview = stream.New(sess)
	if err := r.preview.Start(); err != nil {
		r.Close()
		return nil, fmt.Errorf("start preview: %w", err)
	}

	debug.Step(5, "Preparing still capture")
	r.recorder = storage.NewRecorder(cfg.Capture.Path, cfg.Capture.Subfolder, cfg.Capture.Name, cfg.Capture.StartIndex)
	if err := r.recorder.Resume(); err != nil {
		debug.Warn("could not scan %s for earlier stills: %v", cfg.Capture.Path, err)
	}
	debug.Value("Next still index", r.recorder.Index())
	r.capture = capture.NewPipeline(sess, capture.Config{
		Saver:   r.recorder,
		Format:  func() string { return r.settings.Get().ImageFormat },
		Timeout: cfg.CaptureTimeout(),
	})
	return r, nil
}

// Close releases everything in reverse order of creation.
func (r *rig) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			debug.Warn("shutdown: %v", err)
		}
	}
	r.closers = nil
}

// newStage selects the motion stage from stage.type.
func newStage(ctx context.Context, cfg *config.Config) (motion.Stage, func() error, error) {
	switch cfg.Stage.Type {
	case "mock":
		return motion.NewMemoryStage(), nil, nil

	case "gpio":
		debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
		drv, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
		if err != nil {
			return nil, nil, err
		}
		stepDelay := cfg.MoveSpeed() / 2
		axis := func(name string, sc config.StepperConfig) *stepper.Stepper {
			if sc.StepPin == 0 {
				return nil
			}
			debug.PrintStruct(name+" stepper config", sc)
			return stepper.NewStepper(drv, stepper.Config{
				Name:       name,
				StepPin:    sc.StepPin,
				DirPin:     sc.DirPin,
				EnablePin:  sc.EnablePin,
				StepsPerMm: sc.StepsPerMm(),
				StepDelay:  stepDelay,
				Backlash:   sc.BacklashSteps,
			})
		}
		ctrl := motion.NewController(axis("x", cfg.Stage.X), axis("y", cfg.Stage.Y), axis("z", cfg.Stage.Z))
		return ctrl, drv.Close, nil

	case "gcode":
		printer, err := gcode.Open(cfg.Stage.Serial.Port, cfg.Stage.Serial.Baud, cfg.SerialTimeout())
		if err != nil {
			return nil, nil, err
		}
		st, err := motion.NewPrinterStage(ctx, printer)
		if err != nil {
			printer.Close()
			return nil, nil, err
		}
		return st, printer.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported stage type: %s", cfg.Stage.Type)
}

// planFor turns a scan request into a raster plan starting at origin.
func planFor(cfg *config.Config, req web.ScanRequest, origin motion.Position) (*geometry.RasterPlan, error) {
	if req.Origin != nil {
		origin = *req.Origin
	}
	if req.WidthMm > 0 || req.HeightMm > 0 {
		fov, err := geometry.NewFOVCalculator(cfg)
		if err != nil {
			return nil, fmt.Errorf("create FOV calculator: %w", err)
		}
		debug.Value("Field of view (mm)", fmt.Sprintf("%.3f x %.3f", fov.HorizontalFOV(), fov.VerticalFOV()))
		return geometry.CalculateRasterPlan(fov, req.WidthMm, req.HeightMm, origin), nil
	}
	return geometry.NewRasterPlan(req.Columns, req.Rows, req.StepXMm, req.StepYMm, origin)
}

// runScan plans and runs one raster scan with the rig's stage and camera.
func (r *rig) runScan(ctx context.Context, req web.ScanRequest, progress func(capture.ScanProgress)) (capture.ScanResult, error) {
	cfg := r.cfg
	plan, err := planFor(cfg, req, r.stage.Position())
	if err != nil {
		return capture.ScanResult{}, err
	}

	debug.Summary("Raster Plan Summary")
	debug.Value("Columns", plan.Columns)
	debug.Value("Rows", plan.Rows)
	debug.Value("Step X (mm)", plan.StepX)
	debug.Value("Step Y (mm)", plan.StepY)
	if cfg.Stage.Type == "gpio" {
		steps := geometry.NewStepsCalculator(cfg)
		debug.Info("Step sizes: x=%d microsteps, y=%d microsteps", steps.XStepsFromMm(plan.StepX), steps.YStepsFromMm(plan.StepY))
	}

	if req.Subfolder != "" {
		r.recorder.SetSubfolder(req.Subfolder)
		defer r.recorder.SetSubfolder(cfg.Capture.Subfolder)
		if err := r.recorder.Resume(); err != nil {
			debug.Warn("could not scan %s for earlier stills: %v", req.Subfolder, err)
		}
	}
	skip := cfg.Scan.SkipDegenerate
	if req.SkipDegenerate != nil {
		skip = *req.SkipDegenerate
	}

	seq := capture.NewSequence(r.stage, r.capture)
	res, err := seq.RunScan(ctx, capture.ScanParams{
		Plan:           plan,
		Settle:         cfg.SettleDelay(),
		SkipDegenerate: skip,
		Progress:       progress,
	})
	if err != nil {
		return res, err
	}
	debug.Section("Scan Complete")
	return res, nil
}

func formConfig(cfg *config.Config) web.FormConfig {
	fc := web.FormConfig{
		Columns:        1,
		Rows:           1,
		OverlapPercent: cfg.Scan.OverlapPercent,
		SettleMs:       cfg.Scan.SettleMs,
		SkipDegenerate: cfg.Scan.SkipDegenerate,
		CapturePath:    cfg.Capture.Path,
		CaptureName:    cfg.Capture.Name,
		PreviewFPS:     cfg.Web.PreviewFPS,
	}
	if fov, err := geometry.NewFOVCalculator(cfg); err == nil {
		fc.HasOptics = true
		fc.StepXMm = fov.HorizontalStep()
		fc.StepYMm = fov.VerticalStep()
	}
	return fc
}

// webPortFlag implements flag.Value for -web: unset = headless, -web= uses
// web.addr from config, -web 8980 listens on :8980.
type webPortFlag struct {
	set bool
	val int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.set = true
		w.val = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.set = true
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
