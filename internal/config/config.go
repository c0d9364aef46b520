package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a configuration file read by Load.
const MaxConfigFileBytes = 1 << 20

// StepperConfig holds the configuration for one stage axis driven by a stepper motor.
type StepperConfig struct {
	StepPin       int     `yaml:"step_pin"`
	DirPin        int     `yaml:"dir_pin"`
	EnablePin     int     `yaml:"enable_pin"` // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
	StepsPerRev   int     `yaml:"steps_per_rev"`
	Microstepping int     `yaml:"microstepping"`
	MmPerRev      float64 `yaml:"mm_per_rev"` // lead screw pitch
	BacklashSteps int     `yaml:"backlash_steps"`
}

// StepsPerMm returns the number of microsteps needed to travel one millimetre.
func (s StepperConfig) StepsPerMm() float64 {
	if s.MmPerRev <= 0 {
		return 0
	}
	return float64(s.StepsPerRev*s.Microstepping) / s.MmPerRev
}

// SerialConfig describes a serial G-code motion controller (3D printer frame).
type SerialConfig struct {
	Port      string `yaml:"port"`       // e.g., "/dev/ttyUSB0"
	Baud      int    `yaml:"baud"`       // e.g., 115200
	TimeoutMs int    `yaml:"timeout_ms"` // per-command reply timeout
}

// StageConfig selects and configures the motion stage supplying capture positions.
type StageConfig struct {
	Type        string        `yaml:"type"` // "mock", "gpio" or "gcode"
	X           StepperConfig `yaml:"x_stepper"`
	Y           StepperConfig `yaml:"y_stepper"`
	Z           StepperConfig `yaml:"z_stepper"`
	MoveSpeedMs int           `yaml:"move_speed_ms"` // delay between motor steps
	Serial      SerialConfig  `yaml:"serial"`
}

// SimulatorConfig sizes the simulated camera used when no hardware is attached.
type SimulatorConfig struct {
	Width        int `yaml:"width"`
	Height       int `yaml:"height"`
	StillWidth   int `yaml:"still_width"`
	StillHeight  int `yaml:"still_height"`
	FPS          int `yaml:"fps"`
	StillDelayMs int `yaml:"still_delay_ms"` // delay between Snap and the still-ready event
}

// CameraConfig describes how to talk to the microscope camera.
// Driver selects the SDK backend ("simulator", or "amcam" when built with -tags amcam).
type CameraConfig struct {
	Driver           string          `yaml:"driver"`
	ByteOrder        string          `yaml:"byte_order"`         // "rgb", "bgr" or "native"
	CaptureTimeoutMs int             `yaml:"capture_timeout_ms"` // bound on Snap -> still-ready
	OpenRetries      int             `yaml:"open_retries"`       // attempts to enumerate a device at startup
	Simulator        SimulatorConfig `yaml:"simulator"`
}

// CaptureConfig controls where stills are written.
type CaptureConfig struct {
	Path       string `yaml:"path"`        // root folder, e.g. "./output/"
	Name       string `yaml:"name"`        // filename prefix, e.g. "test"
	Subfolder  string `yaml:"subfolder"`   // optional folder under Path
	StartIndex int    `yaml:"start_index"` // first sequence index
}

// OpticsConfig is optional: sensor and magnification, used to size raster steps.
type OpticsConfig struct {
	SensorWidthMm  float64 `yaml:"sensor_width_mm"`
	SensorHeightMm float64 `yaml:"sensor_height_mm"`
	Magnification  float64 `yaml:"magnification"`
}

// ScanConfig contains raster scan parameters.
type ScanConfig struct {
	OverlapPercent float64 `yaml:"overlap_percent"` // desired overlap between stills (0-100)
	SettleMs       int     `yaml:"settle_ms"`       // delay after a move before capturing
	SkipDegenerate bool    `yaml:"skip_degenerate"` // do not persist blank/saturated frames
}

// WebConfig controls the HTTP control surface.
type WebConfig struct {
	Addr          string `yaml:"addr"`
	PreviewFPS    int    `yaml:"preview_fps"`
	PreviewWidth  int    `yaml:"preview_width"`
	PreviewHeight int    `yaml:"preview_height"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Camera       CameraConfig   `yaml:"camera"`
	Capture      CaptureConfig  `yaml:"capture"`
	SettingsFile string         `yaml:"settings_file"`
	Stage        StageConfig    `yaml:"stage"`
	Optics       *OpticsConfig  `yaml:"optics,omitempty"` // optional
	Scan         ScanConfig     `yaml:"scan"`
	Web          WebConfig      `yaml:"web"`
	Defaults     DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath rejects paths that are empty, not .yaml, or not inside a configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	// Basic validation
	if cfg.Camera.Driver == "" {
		return nil, fmt.Errorf("camera.driver is required")
	}
	switch cfg.Camera.ByteOrder {
	case "":
		cfg.Camera.ByteOrder = "native"
	case "rgb", "bgr", "native":
	default:
		return nil, fmt.Errorf("camera.byte_order must be rgb, bgr or native, got %q", cfg.Camera.ByteOrder)
	}
	if cfg.Camera.CaptureTimeoutMs <= 0 {
		cfg.Camera.CaptureTimeoutMs = 5000 // stills at full resolution take a few hundred ms
	}
	if cfg.Camera.OpenRetries <= 0 {
		cfg.Camera.OpenRetries = 3
	}
	sim := &cfg.Camera.Simulator
	if sim.Width <= 0 || sim.Height <= 0 {
		sim.Width, sim.Height = 640, 480
	}
	if sim.StillWidth <= 0 || sim.StillHeight <= 0 {
		sim.StillWidth, sim.StillHeight = 2*sim.Width, 2*sim.Height
	}
	if sim.FPS <= 0 {
		sim.FPS = 15
	}
	if sim.StillDelayMs <= 0 {
		sim.StillDelayMs = 150
	}

	if cfg.Capture.Path == "" {
		cfg.Capture.Path = "./output/"
	}
	if cfg.Capture.Name == "" {
		cfg.Capture.Name = "test"
	}
	if cfg.Capture.StartIndex <= 0 {
		cfg.Capture.StartIndex = 1
	}

	switch cfg.Stage.Type {
	case "":
		cfg.Stage.Type = "mock"
	case "mock", "gpio", "gcode":
	default:
		return nil, fmt.Errorf("stage.type must be mock, gpio or gcode, got %q", cfg.Stage.Type)
	}
	if cfg.Stage.MoveSpeedMs <= 0 {
		cfg.Stage.MoveSpeedMs = 2 // reasonable default
	}
	if cfg.Stage.Type == "gcode" && cfg.Stage.Serial.Port == "" {
		return nil, fmt.Errorf("stage.serial.port is required for gcode stages")
	}
	if cfg.Stage.Serial.Baud <= 0 {
		cfg.Stage.Serial.Baud = 115200
	}
	if cfg.Stage.Serial.TimeoutMs <= 0 {
		cfg.Stage.Serial.TimeoutMs = 2000
	}

	if cfg.Scan.OverlapPercent < 0 || cfg.Scan.OverlapPercent >= 100 {
		return nil, fmt.Errorf("overlap_percent must be between 0 and 100, got %.2f", cfg.Scan.OverlapPercent)
	}
	if cfg.Scan.OverlapPercent == 0 {
		cfg.Scan.OverlapPercent = 30 // reasonable default (30%)
	}
	if cfg.Scan.SettleMs <= 0 {
		cfg.Scan.SettleMs = 300 // 300ms after a move before capturing
	}
	if o := cfg.Optics; o != nil && o.Magnification < 0 {
		return nil, fmt.Errorf("optics.magnification must be > 0, got %.2f", o.Magnification)
	}

	if cfg.Web.Addr == "" {
		cfg.Web.Addr = ":8080"
	}
	if cfg.Web.PreviewFPS <= 0 {
		cfg.Web.PreviewFPS = 10
	}
	if cfg.Web.PreviewWidth <= 0 || cfg.Web.PreviewHeight <= 0 {
		cfg.Web.PreviewWidth, cfg.Web.PreviewHeight = 780, 720 // 1280x720 window minus the 500px control column
	}

	return &cfg, nil
}

// CaptureTimeout returns the bound on waiting for a still after Snap.
func (c *Config) CaptureTimeout() time.Duration {
	return time.Duration(c.Camera.CaptureTimeoutMs) * time.Millisecond
}

// MoveSpeed returns the duration between two motor steps.
func (c *Config) MoveSpeed() time.Duration {
	return time.Duration(c.Stage.MoveSpeedMs) * time.Millisecond
}

// SerialTimeout returns the per-command reply timeout of a G-code stage.
func (c *Config) SerialTimeout() time.Duration {
	return time.Duration(c.Stage.Serial.TimeoutMs) * time.Millisecond
}

// StillDelay returns the simulated delay between Snap and still-ready.
func (c *Config) StillDelay() time.Duration {
	return time.Duration(c.Camera.Simulator.StillDelayMs) * time.Millisecond
}

// SettleDelay returns the delay after a stage move before capturing.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Scan.SettleMs) * time.Millisecond
}

// OverlapRatio returns the overlap as a ratio (0.0 to 1.0).
// For example, 30% becomes 0.3.
func (c *Config) OverlapRatio() float64 {
	return c.Scan.OverlapPercent / 100.0
}
