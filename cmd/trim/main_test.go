package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/treecore/trim/internal/config"
	"github.com/treecore/trim/internal/logic/motion"
	"github.com/treecore/trim/internal/web"
)

// ---------- webPortFlag ----------

func TestWebPortFlag_EmptyString(t *testing.T) {
	w := &webPortFlag{}
	if err := w.Set(""); err != nil {
		t.Fatalf("Set(\"\") error: %v", err)
	}
	if !w.set {
		t.Error("-web= should enable the web server")
	}
	if w.port() != 0 {
		t.Errorf("expected port 0 (use web.addr), got %d", w.port())
	}
}

func TestWebPortFlag_ValidPorts(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"8080", 8080},
		{"1", 1},
		{"65535", 65535},
		{"3000", 3000},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			w := &webPortFlag{}
			if err := w.Set(tc.input); err != nil {
				t.Fatalf("Set(%q) error: %v", tc.input, err)
			}
			if w.port() != tc.want || !w.set {
				t.Errorf("port() = %d set=%v, want %d", w.port(), w.set, tc.want)
			}
		})
	}
}

func TestWebPortFlag_InvalidPorts(t *testing.T) {
	cases := []string{"0", "65536", "-1", "abc", "8080.5"}
	for _, input := range cases {
		t.Run(input, func(t *testing.T) {
			w := &webPortFlag{}
			if err := w.Set(input); err == nil {
				t.Errorf("Set(%q) should fail, got nil", input)
			}
			if w.set {
				t.Error("failed Set should not enable the server")
			}
		})
	}
}

func TestWebPortFlag_String(t *testing.T) {
	w := &webPortFlag{val: 0}
	if s := w.String(); s != "0" {
		t.Errorf("String() = %q, want \"0\"", s)
	}
	w.val = 9090
	if s := w.String(); s != "9090" {
		t.Errorf("String() = %q, want \"9090\"", s)
	}
}

// ---------- planFor ----------

func newTestConfig(t *testing.T) *config.Config {
	return &config.Config{
		Camera: config.CameraConfig{
			Driver:           "simulator",
			ByteOrder:        "native",
			CaptureTimeoutMs: 2000,
			OpenRetries:      1,
			Simulator: config.SimulatorConfig{
				Width: 64, Height: 48,
				StillWidth: 64, StillHeight: 48,
				StillDelayMs: 1,
			},
		},
		Capture: config.CaptureConfig{
			Path:       t.TempDir(),
			Name:       "core",
			StartIndex: 1,
		},
		Stage: config.StageConfig{
			Type:        "mock",
			MoveSpeedMs: 2,
			X:           config.StepperConfig{StepPin: 17, DirPin: 27, StepsPerRev: 200, Microstepping: 16, MmPerRev: 2},
			Y:           config.StepperConfig{StepPin: 22, DirPin: 23, StepsPerRev: 200, Microstepping: 16, MmPerRev: 2},
		},
		Scan: config.ScanConfig{OverlapPercent: 20},
		Web:  config.WebConfig{Addr: ":0", PreviewFPS: 5, PreviewWidth: 32, PreviewHeight: 24},
		Defaults: config.DefaultsConfig{
			MockGPIO: true,
		},
	}
}

func TestPlanFor_Explicit(t *testing.T) {
	cfg := newTestConfig(t)
	plan, err := planFor(cfg, web.ScanRequest{Columns: 4, Rows: 2, StepXMm: 1.5, StepYMm: 1}, motion.Position{X: 3})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Columns != 4 || plan.Rows != 2 || plan.StepX != 1.5 {
		t.Errorf("plan = %+v", plan)
	}
	if plan.Origin != (motion.Position{X: 3}) {
		t.Errorf("origin = %+v, want the current position", plan.Origin)
	}
}

func TestPlanFor_OriginOverride(t *testing.T) {
	cfg := newTestConfig(t)
	origin := motion.Position{X: 10, Y: 5}
	plan, err := planFor(cfg, web.ScanRequest{Columns: 1, Rows: 1, Origin: &origin}, motion.Position{})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Origin != origin {
		t.Errorf("origin = %+v, want %+v", plan.Origin, origin)
	}
}

func TestPlanFor_Area(t *testing.T) {
	cfg := newTestConfig(t)
	if _, err := planFor(cfg, web.ScanRequest{WidthMm: 20, HeightMm: 3}, motion.Position{}); err == nil {
		t.Error("area scan without optics should fail")
	}

	cfg.Optics = &config.OpticsConfig{SensorWidthMm: 6.4, SensorHeightMm: 4.8, Magnification: 4}
	plan, err := planFor(cfg, web.ScanRequest{WidthMm: 20, HeightMm: 3}, motion.Position{})
	if err != nil {
		t.Fatal(err)
	}
	// 1.6 x 1.2 mm field, 20% overlap: 1.28 x 0.96 mm steps
	if plan.Columns != 16 || plan.Rows != 3 {
		t.Errorf("plan = %dx%d, want 16x3", plan.Columns, plan.Rows)
	}
}

// ---------- formConfig ----------

func TestFormConfig(t *testing.T) {
	cfg := newTestConfig(t)
	fc := formConfig(cfg)
	if fc.HasOptics || fc.PreviewFPS != 5 || fc.CaptureName != "core" {
		t.Errorf("form = %+v", fc)
	}

	cfg.Optics = &config.OpticsConfig{SensorWidthMm: 6.4, SensorHeightMm: 4.8, Magnification: 4}
	fc = formConfig(cfg)
	if !fc.HasOptics {
		t.Error("HasOptics should be set")
	}
	if d := fc.StepXMm - 1.28; d > 1e-9 || d < -1e-9 {
		t.Errorf("StepXMm = %v, want 1.28", fc.StepXMm)
	}
}

// ---------- newStage ----------

func TestNewStage(t *testing.T) {
	cases := []struct {
		typ     string
		wantErr bool
	}{
		{"mock", false},
		{"gpio", false},
		{"hexapod", true},
	}
	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			cfg := newTestConfig(t)
			cfg.Stage.Type = tc.typ
			st, closeFn, err := newStage(context.Background(), cfg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if closeFn != nil {
				defer closeFn()
			}
			// 16 microsteps on the gpio stage
			if err := st.Move(context.Background(), motion.AxisX, 0.01); err != nil {
				t.Fatalf("Move: %v", err)
			}
			if st.Position().X != 0.01 {
				t.Errorf("X = %v, want 0.01", st.Position().X)
			}
		})
	}
}

// ---------- rig ----------

func TestRig_ScanWithSimulator(t *testing.T) {
	cfg := newTestConfig(t)
	r, err := newRig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newRig: %v", err)
	}
	defer r.Close()

	res, err := r.runScan(context.Background(), web.ScanRequest{
		Columns: 2, Rows: 1, StepXMm: 1, Subfolder: "core42",
	}, nil)
	if err != nil {
		t.Fatalf("runScan: %v", err)
	}
	want := []string{
		filepath.Join(cfg.Capture.Path, "core42", "core1PX0Y0Z0.png"),
		filepath.Join(cfg.Capture.Path, "core42", "core2PX1Y0Z0.png"),
	}
	if len(res.Saved) != 2 || res.Saved[0] != want[0] || res.Saved[1] != want[1] {
		t.Errorf("saved = %v, want %v", res.Saved, want)
	}
	for _, p := range want {
		if _, err := os.Stat(p); err != nil {
			t.Error(err)
		}
	}
	if r.recorder.Subfolder != "" {
		t.Errorf("subfolder not restored: %q", r.recorder.Subfolder)
	}
}

func TestRig_SettingsFileMissing(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.SettingsFile = filepath.Join(t.TempDir(), "missing.yaml")
	r, err := newRig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("a missing settings file should not be fatal: %v", err)
	}
	defer r.Close()
	if got := r.settings.Get().ImageFormat; got != "png" {
		t.Errorf("ImageFormat = %q, want default png", got)
	}
}
