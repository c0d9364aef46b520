package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/treecore/trim/internal/hw/camera"
)

func intp(v int) *int { return &v }

func boolp(v bool) *bool { return &v }

// recordingControls captures every call pushed to the camera.
type recordingControls struct {
	calls []string
	fail  map[string]error
}

func (r *recordingControls) rec(name string, args ...interface{}) error {
	r.calls = append(r.calls, fmt.Sprintf("%s%v", name, args))
	return r.fail[name]
}

func (r *recordingControls) PutAutoExpoEnable(v bool) error { return r.rec("AutoExpoEnable", v) }
func (r *recordingControls) PutAutoExpoTarget(v int) error  { return r.rec("AutoExpoTarget", v) }
func (r *recordingControls) PutTempTint(t, n int) error     { return r.rec("TempTint", t, n) }
func (r *recordingControls) PutLevelRange(lo, hi [4]int) error {
	return r.rec("LevelRange", lo, hi)
}
func (r *recordingControls) PutContrast(v int) error   { return r.rec("Contrast", v) }
func (r *recordingControls) PutHue(v int) error        { return r.rec("Hue", v) }
func (r *recordingControls) PutSaturation(v int) error { return r.rec("Saturation", v) }
func (r *recordingControls) PutBrightness(v int) error { return r.rec("Brightness", v) }
func (r *recordingControls) PutGamma(v int) error      { return r.rec("Gamma", v) }
func (r *recordingControls) PutWhiteBalanceGain(g [3]int) error {
	return r.rec("WhiteBalanceGain", g)
}
func (r *recordingControls) PutOption(opt camera.OptionID, v int) error {
	return r.rec(fmt.Sprintf("Option%d", opt), v)
}

func TestDefaultsArePerInstance(t *testing.T) {
	a := Defaults()
	a.LevelRangeHigh[0] = 1
	b := Defaults()
	if b.LevelRangeHigh[0] != 255 {
		t.Fatal("Defaults() shares state between calls")
	}
	if b.ExposureTarget != 120 || b.ColorTemp != 11616 || b.Tint != 925 ||
		b.Saturation != 126 || b.Brightness != -64 || b.Gamma != 100 ||
		b.Sharpening != 500 || b.Curve != CurvePolynomial || b.ImageFormat != FormatPNG {
		t.Errorf("Defaults() = %+v", b)
	}
}

func TestMerge(t *testing.T) {
	m := NewManager()
	_, err := m.Merge(Update{Contrast: intp(10), Linear: boolp(true)})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	got := m.Get()
	want := Defaults()
	want.Contrast = 10
	want.Linear = true
	if !reflect.DeepEqual(got, want) {
		t.Errorf("after merge = %+v\nwant %+v", got, want)
	}

	m.Reset()
	if !reflect.DeepEqual(m.Get(), Defaults()) {
		t.Error("Reset did not restore defaults")
	}
}

func TestMergeRejectsOutOfRange(t *testing.T) {
	low := [4]int{0, 0, 0, 300}
	curve := CurveMode("Cubic")
	format := "tiff"
	tests := []struct {
		name  string
		upd   Update
		field string
	}{
		{"exposure low", Update{ExposureTarget: intp(15)}, "exposure"},
		{"exposure high", Update{ExposureTarget: intp(236)}, "exposure"},
		{"temp", Update{ColorTemp: intp(1999)}, "temp"},
		{"tint", Update{Tint: intp(2501)}, "tint"},
		{"contrast", Update{Contrast: intp(-101)}, "contrast"},
		{"hue", Update{Hue: intp(181)}, "hue"},
		{"gamma", Update{Gamma: intp(19)}, "gamma"},
		{"brightness", Update{Brightness: intp(65)}, "brightness"},
		{"sharpening", Update{Sharpening: intp(501)}, "sharpening"},
		{"level range element", Update{LevelRangeLow: &low}, "levelrange_low"},
		{"curve", Update{Curve: &curve}, "curve"},
		{"format", Update{ImageFormat: &format}, "fformat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			merged, err := m.Merge(tt.upd)
			var re *RangeError
			if !errors.As(err, &re) {
				t.Fatalf("Merge err = %v, want *RangeError", err)
			}
			if !re.Rejected(tt.field) {
				t.Errorf("field %s not reported: %v", tt.field, re)
			}
			if !merged.Empty() {
				t.Errorf("merged = %+v, want empty", merged)
			}
			if !reflect.DeepEqual(m.Get(), Defaults()) {
				t.Error("rejected value leaked into settings")
			}
		})
	}
}

func TestMergeKeepsValidFields(t *testing.T) {
	m := NewManager()
	_, err := m.Merge(Update{Hue: intp(500), Saturation: intp(200)})
	var re *RangeError
	if !errors.As(err, &re) || len(re.Fields) != 1 {
		t.Fatalf("err = %v", err)
	}
	s := m.Get()
	if s.Saturation != 200 || s.Hue != 0 {
		t.Errorf("saturation=%d hue=%d", s.Saturation, s.Hue)
	}
}

func TestBoundaryValuesAccepted(t *testing.T) {
	m := NewManager()
	upd := Update{
		ExposureTarget: intp(16), ColorTemp: intp(15000), Tint: intp(200),
		Contrast: intp(100), Hue: intp(-180), Gamma: intp(180),
		Brightness: intp(64), Sharpening: intp(0),
	}
	if _, err := m.Merge(upd); err != nil {
		t.Fatalf("Merge boundaries: %v", err)
	}
}

func TestApplyPushesEveryField(t *testing.T) {
	m := NewManager()
	c := &recordingControls{}
	if err := m.Apply(c, &Update{Contrast: intp(10)}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := []string{
		"AutoExpoEnable[false]",
		"AutoExpoTarget[120]",
		"TempTint[11616 925]",
		"LevelRange[[0 0 0 0] [255 255 255 255]]",
		"Contrast[10]",
		"Hue[0]",
		"Saturation[126]",
		"Brightness[-64]",
		"Gamma[100]",
		"WhiteBalanceGain[[0 0 0]]",
		fmt.Sprintf("Option%d[500]", camera.OptionSharpening),
		fmt.Sprintf("Option%d[0]", camera.OptionLinear),
		fmt.Sprintf("Option%d[1]", camera.OptionCurve),
	}
	if !reflect.DeepEqual(c.calls, want) {
		t.Errorf("calls = %v\nwant %v", c.calls, want)
	}
	if m.Get().Contrast != 10 {
		t.Error("Apply did not merge")
	}
}

func TestApplyCurveCodes(t *testing.T) {
	for mode, code := range map[CurveMode]int{CurveOff: 0, CurvePolynomial: 1, CurveLogarithmic: 2} {
		mode := mode
		m := NewManager()
		c := &recordingControls{}
		if err := m.Apply(c, &Update{Curve: &mode}); err != nil {
			t.Fatalf("Apply(%s): %v", mode, err)
		}
		last := c.calls[len(c.calls)-1]
		if want := fmt.Sprintf("Option%d[%d]", camera.OptionCurve, code); last != want {
			t.Errorf("%s: last call %s, want %s", mode, last, want)
		}
	}
}

func TestApplyContinuesPastFailures(t *testing.T) {
	m := NewManager()
	boom := errors.New("boom")
	c := &recordingControls{fail: map[string]error{"Contrast": boom, "Gamma": boom}}
	err := m.Apply(c, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("Apply err = %v, want boom", err)
	}
	if len(c.calls) != 13 {
		t.Errorf("made %d calls, want 13", len(c.calls))
	}
}

func TestApplyAgainstSimulator(t *testing.T) {
	sim := camera.NewSimulator(camera.SimulatorConfig{Width: 8, Height: 8})
	sess, err := camera.Open(sim)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	m := NewManager()
	if err := m.Apply(sess, &Update{ColorTemp: intp(6500), Tint: intp(1000)}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	found := false
	for _, call := range sim.Calls() {
		if call == "PutTempTint(6500,1000)" {
			found = true
		}
	}
	if !found {
		t.Errorf("calls = %v", sim.Calls())
	}
}

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "camera_settings.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
auto_expo: 1
exposure: 100
temp: 6500
levelrange_high: [250, 250, 250, 255]
linear: 0
curve: Logarithmic
fformat: fits
unknown_key: 3
`)
	m := NewManager()
	if err := m.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	s := m.Get()
	if !s.AutoExposure || s.ExposureTarget != 100 || s.ColorTemp != 6500 {
		t.Errorf("scalars = %+v", s)
	}
	if s.LevelRangeHigh != [4]int{250, 250, 250, 255} {
		t.Errorf("levelrange_high = %v", s.LevelRangeHigh)
	}
	if s.Curve != CurveLogarithmic || s.ImageFormat != FormatFITS {
		t.Errorf("curve=%s fformat=%s", s.Curve, s.ImageFormat)
	}
	if s.Tint != 925 || s.Gamma != 100 {
		t.Error("absent keys should keep their values")
	}
}

func TestLoadFailuresKeepValues(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(dir, "nope.yaml")},
		{"malformed", writeFile(t, dir, "exposure: [unterminated\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			_, _ = m.Merge(Update{Hue: intp(5)})
			if err := m.Load(tt.path); err == nil {
				t.Fatal("Load should fail")
			}
			want := Defaults()
			want.Hue = 5
			if !reflect.DeepEqual(m.Get(), want) {
				t.Errorf("settings changed: %+v", m.Get())
			}
		})
	}
}

func TestLoadReportsRangeError(t *testing.T) {
	path := writeFile(t, t.TempDir(), "gamma: 10\nhue: 20\n")
	m := NewManager()
	err := m.Load(path)
	var re *RangeError
	if !errors.As(err, &re) || !re.Rejected("gamma") {
		t.Fatalf("Load err = %v", err)
	}
	if m.Get().Hue != 20 {
		t.Error("in-range key from file not merged")
	}
}

func TestUpdateFromMap(t *testing.T) {
	upd, err := UpdateFromMap(map[string]interface{}{
		"linear":   1,
		"contrast": "12",
		"wbgain":   []interface{}{1, 2, 3},
		"curve":    "Off",
	})
	if err != nil {
		t.Fatalf("UpdateFromMap: %v", err)
	}
	if upd.Linear == nil || !*upd.Linear {
		t.Error("linear not decoded")
	}
	if upd.Contrast == nil || *upd.Contrast != 12 {
		t.Error("contrast not decoded")
	}
	if upd.WhiteBalanceGain == nil || *upd.WhiteBalanceGain != [3]int{1, 2, 3} {
		t.Error("wbgain not decoded")
	}
	if upd.Curve == nil || *upd.Curve != CurveOff {
		t.Error("curve not decoded")
	}
	if upd.Hue != nil {
		t.Error("absent key decoded")
	}
}

func TestLoadRejectsWrongLengthLists(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"short_high", "levelrange_high: [255, 255, 255]\n", "levelrange_high"},
		{"long_low", "levelrange_low: [0, 0, 0, 0, 0]\n", "levelrange_low"},
		{"short_wbgain", "wbgain: [1, 2]\n", "wbgain"},
		{"scalar_wbgain", "wbgain: 5\n", "wbgain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.yaml+"hue: 20\n")
			m := NewManager()
			err := m.Load(path)
			var re *RangeError
			if !errors.As(err, &re) || !re.Rejected(tt.field) {
				t.Fatalf("Load err = %v, want %s rejected", err, tt.field)
			}
			if re.Fields[0].Len == 0 {
				t.Errorf("FieldError = %+v, want expected length set", re.Fields[0])
			}
			s := m.Get()
			d := Defaults()
			if s.LevelRangeLow != d.LevelRangeLow || s.LevelRangeHigh != d.LevelRangeHigh || s.WhiteBalanceGain != d.WhiteBalanceGain {
				t.Errorf("list settings changed: %v %v %v", s.LevelRangeLow, s.LevelRangeHigh, s.WhiteBalanceGain)
			}
			if s.Hue != 20 {
				t.Error("other keys in the file should still merge")
			}
		})
	}
}

func TestUpdateFromMapWrongLength(t *testing.T) {
	upd, err := UpdateFromMap(map[string]interface{}{
		"levelrange_high": []interface{}{255, 255, 255},
		"gamma":           90,
	})
	var re *RangeError
	if !errors.As(err, &re) || len(re.Fields) != 1 || re.Fields[0].Field != "levelrange_high" {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "want 4 values in 0..255") {
		t.Errorf("Error() = %q", err.Error())
	}
	if upd.LevelRangeHigh != nil {
		t.Errorf("levelrange_high decoded as %v", *upd.LevelRangeHigh)
	}
	if upd.Gamma == nil || *upd.Gamma != 90 {
		t.Error("gamma not decoded")
	}
}

func TestRangeErrorMessage(t *testing.T) {
	err := &RangeError{Fields: []FieldError{{Field: "gamma", Value: 10, Min: 20, Max: 180}}}
	if !strings.Contains(err.Error(), "gamma=10 (want 20..180)") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "hue: 1\n")
	m := NewManager()
	if err := m.Load(path); err != nil {
		t.Fatal(err)
	}
	changed := make(chan Settings, 8)
	if err := m.Watch(path, func(s Settings, err error) {
		if err == nil {
			changed <- s
		}
	}); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := m.Watch(path, func(Settings, error) {}); err == nil {
		t.Error("second Watch should fail")
	}

	writeFile(t, dir, "hue: 42\n")
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-changed:
			if s.Hue == 42 {
				return
			}
		case <-deadline:
			t.Fatal("no reload after file change")
		}
	}
}
