package settings

import (
	"errors"
	"fmt"
	"sync"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/mitchellh/mapstructure"

	"github.com/treecore/trim/internal/debug"
	"github.com/treecore/trim/internal/hw/camera"
)

// Controls is the subset of a camera session the manager pushes values to.
type Controls interface {
	PutAutoExpoEnable(enable bool) error
	PutAutoExpoTarget(target int) error
	PutTempTint(temp, tint int) error
	PutLevelRange(low, high [4]int) error
	PutContrast(v int) error
	PutHue(v int) error
	PutSaturation(v int) error
	PutBrightness(v int) error
	PutGamma(v int) error
	PutWhiteBalanceGain(gain [3]int) error
	PutOption(opt camera.OptionID, value int) error
}

// Manager owns the current settings. It is safe for concurrent use.
type Manager struct {
	mu  sync.RWMutex
	cur Settings

	watchMu sync.Mutex
	watched *file.File
}

// NewManager returns a manager holding Defaults().
func NewManager() *Manager {
	return &Manager{cur: Defaults()}
}

// Get returns a copy of the current settings.
func (m *Manager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Reset restores the defaults.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.cur = Defaults()
	m.mu.Unlock()
}

// Merge validates upd and merges its in-range fields. It returns the update
// that was actually merged and a *RangeError naming every rejected field.
func (m *Manager) Merge(upd Update) (Update, error) {
	ok, bad := validate(upd)
	m.mu.Lock()
	m.cur.merge(ok)
	m.mu.Unlock()
	if len(bad) > 0 {
		return ok, &RangeError{Fields: bad}
	}
	return ok, nil
}

// Load reads a YAML settings file and merges the keys it contains. A missing
// or malformed file leaves the current values untouched.
func (m *Manager) Load(path string) error {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("settings %s: %w", path, err)
	}
	upd, bad, err := decode(k)
	if err != nil {
		return fmt.Errorf("settings %s: %w", path, err)
	}
	_, err = m.Merge(upd)
	if err := withRejected(bad, err); err != nil {
		return fmt.Errorf("settings %s: %w", path, err)
	}
	debug.Verbose("settings loaded from %s", path)
	return nil
}

// UpdateFromMap decodes loosely typed values (e.g. a JSON request body) with
// the same rules as the settings file: 0/1 for booleans, numeric strings for
// integers. Lists of the wrong length are left out of the update and
// reported in a *RangeError.
func UpdateFromMap(in map[string]interface{}) (Update, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(in, ""), nil); err != nil {
		return Update{}, err
	}
	upd, bad, err := decode(k)
	if err != nil {
		return Update{}, err
	}
	return upd, withRejected(bad, nil)
}

func decode(k *koanf.Koanf) (Update, []FieldError, error) {
	raw := k.Raw()
	bad := checkLists(raw)

	var upd Update
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &upd,
		TagName:          "koanf",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Update{}, nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return Update{}, nil, fmt.Errorf("decode: %w", err)
	}
	return upd, bad, nil
}

// withRejected folds fields rejected before decoding into the error of a merge.
func withRejected(bad []FieldError, err error) error {
	if len(bad) == 0 {
		return err
	}
	var re *RangeError
	if errors.As(err, &re) {
		return &RangeError{Fields: append(bad, re.Fields...)}
	}
	if err != nil {
		return err
	}
	return &RangeError{Fields: bad}
}

// Watch reloads path whenever it changes on disk and hands the fresh
// settings to onChange. Only one file can be watched at a time.
func (m *Manager) Watch(path string, onChange func(Settings, error)) error {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.watched != nil {
		return errors.New("settings: already watching a file")
	}
	f := file.Provider(path)
	err := f.Watch(func(event interface{}, err error) {
		if err != nil {
			onChange(m.Get(), err)
			return
		}
		err = m.Load(path)
		onChange(m.Get(), err)
	})
	if err != nil {
		return fmt.Errorf("settings watch %s: %w", path, err)
	}
	m.watched = f
	return nil
}

// Apply merges upd (nil pushes everything unchanged) and then writes every
// current value to the camera, one call per setting. A failing call is
// logged and the rest still run; the failures come back joined, together
// with any *RangeError from the merge.
func (m *Manager) Apply(c Controls, upd *Update) error {
	var errs []error
	if upd != nil {
		if _, err := m.Merge(*upd); err != nil {
			errs = append(errs, err)
		}
	}
	s := m.Get()

	call := func(name string, fn func() error) {
		if err := fn(); err != nil {
			debug.Warn("camera setting %s failed: %v", name, err)
			errs = append(errs, err)
			return
		}
		debug.Trace("camera setting %s applied", name)
	}

	call("auto_expo", func() error { return c.PutAutoExpoEnable(s.AutoExposure) })
	call("exposure", func() error { return c.PutAutoExpoTarget(s.ExposureTarget) })
	call("temp/tint", func() error { return c.PutTempTint(s.ColorTemp, s.Tint) })
	call("levelrange", func() error { return c.PutLevelRange(s.LevelRangeLow, s.LevelRangeHigh) })
	call("contrast", func() error { return c.PutContrast(s.Contrast) })
	call("hue", func() error { return c.PutHue(s.Hue) })
	call("saturation", func() error { return c.PutSaturation(s.Saturation) })
	call("brightness", func() error { return c.PutBrightness(s.Brightness) })
	call("gamma", func() error { return c.PutGamma(s.Gamma) })
	call("wbgain", func() error { return c.PutWhiteBalanceGain(s.WhiteBalanceGain) })
	call("sharpening", func() error { return c.PutOption(camera.OptionSharpening, s.Sharpening) })
	linear := 0
	if s.Linear {
		linear = 1
	}
	call("linear", func() error { return c.PutOption(camera.OptionLinear, linear) })
	if v, ok := s.Curve.code(); ok {
		call("curve", func() error { return c.PutOption(camera.OptionCurve, v) })
	} else {
		debug.Warn("camera setting curve: unknown mode %q, skipped", s.Curve)
	}

	return errors.Join(errs...)
}
