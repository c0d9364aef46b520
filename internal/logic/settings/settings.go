// Package settings holds the camera calibration parameters: exposure, colour,
// levels, sharpening and tone curve, plus the output file format.
package settings

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// CurveMode is the tone curve applied by the camera.
type CurveMode string

const (
	CurveOff         CurveMode = "Off"
	CurvePolynomial  CurveMode = "Polynomial"
	CurveLogarithmic CurveMode = "Logarithmic"
)

// code maps a curve to the device option value; ok is false for unknown symbols.
func (c CurveMode) code() (v int, ok bool) {
	switch c {
	case CurveOff:
		return 0, true
	case CurvePolynomial:
		return 1, true
	case CurveLogarithmic:
		return 2, true
	}
	return 0, false
}

// Image formats understood by the storage package.
const (
	FormatPNG  = "png"
	FormatJPG  = "jpg"
	FormatFITS = "fits"
)

// Settings is one full set of calibration values.
type Settings struct {
	AutoExposure     bool      `json:"auto_expo" yaml:"auto_expo"`
	ExposureTarget   int       `json:"exposure" yaml:"exposure"`
	ColorTemp        int       `json:"temp" yaml:"temp"`
	Tint             int       `json:"tint" yaml:"tint"`
	LevelRangeLow    [4]int    `json:"levelrange_low" yaml:"levelrange_low"`
	LevelRangeHigh   [4]int    `json:"levelrange_high" yaml:"levelrange_high"`
	Contrast         int       `json:"contrast" yaml:"contrast"`
	Hue              int       `json:"hue" yaml:"hue"`
	Saturation       int       `json:"saturation" yaml:"saturation"`
	Brightness       int       `json:"brightness" yaml:"brightness"`
	Gamma            int       `json:"gamma" yaml:"gamma"`
	WhiteBalanceGain [3]int    `json:"wbgain" yaml:"wbgain"`
	Sharpening       int       `json:"sharpening" yaml:"sharpening"`
	Linear           bool      `json:"linear" yaml:"linear"`
	Curve            CurveMode `json:"curve" yaml:"curve"`
	ImageFormat      string    `json:"fformat" yaml:"fformat"`
}

// Defaults returns the calibration the rig ships with.
func Defaults() Settings {
	return Settings{
		AutoExposure:     false,
		ExposureTarget:   120,
		ColorTemp:        11616,
		Tint:             925,
		LevelRangeLow:    [4]int{0, 0, 0, 0},
		LevelRangeHigh:   [4]int{255, 255, 255, 255},
		Contrast:         0,
		Hue:              0,
		Saturation:       126,
		Brightness:       -64,
		Gamma:            100,
		WhiteBalanceGain: [3]int{0, 0, 0},
		Sharpening:       500,
		Linear:           false,
		Curve:            CurvePolynomial,
		ImageFormat:      FormatPNG,
	}
}

// Update is a partial change: nil fields are left alone. The same keys are
// used in the settings file and in PATCH /settings bodies.
type Update struct {
	AutoExposure     *bool      `json:"auto_expo,omitempty" koanf:"auto_expo"`
	ExposureTarget   *int       `json:"exposure,omitempty" koanf:"exposure"`
	ColorTemp        *int       `json:"temp,omitempty" koanf:"temp"`
	Tint             *int       `json:"tint,omitempty" koanf:"tint"`
	LevelRangeLow    *[4]int    `json:"levelrange_low,omitempty" koanf:"levelrange_low"`
	LevelRangeHigh   *[4]int    `json:"levelrange_high,omitempty" koanf:"levelrange_high"`
	Contrast         *int       `json:"contrast,omitempty" koanf:"contrast"`
	Hue              *int       `json:"hue,omitempty" koanf:"hue"`
	Saturation       *int       `json:"saturation,omitempty" koanf:"saturation"`
	Brightness       *int       `json:"brightness,omitempty" koanf:"brightness"`
	Gamma            *int       `json:"gamma,omitempty" koanf:"gamma"`
	WhiteBalanceGain *[3]int    `json:"wbgain,omitempty" koanf:"wbgain"`
	Sharpening       *int       `json:"sharpening,omitempty" koanf:"sharpening"`
	Linear           *bool      `json:"linear,omitempty" koanf:"linear"`
	Curve            *CurveMode `json:"curve,omitempty" koanf:"curve"`
	ImageFormat      *string    `json:"fformat,omitempty" koanf:"fformat"`
}

// Empty reports whether the update carries no field.
func (u Update) Empty() bool {
	return u == Update{}
}

type bounds struct{ min, max int }

var ranges = map[string]bounds{
	"exposure":        {16, 235},
	"temp":            {2000, 15000},
	"tint":            {200, 2500},
	"levelrange_low":  {0, 255},
	"levelrange_high": {0, 255},
	"contrast":        {-100, 100},
	"hue":             {-180, 180},
	"saturation":      {0, 255},
	"brightness":      {-64, 64},
	"gamma":           {20, 180},
	"wbgain":          {-127, 127},
	"sharpening":      {0, 500},
}

// FieldError describes one rejected field.
type FieldError struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
	Min   int         `json:"min"`
	Max   int         `json:"max"`
	Enum  []string    `json:"enum,omitempty"` // set for enumerated fields instead of Min/Max
	Len   int         `json:"len,omitempty"`  // set when a list has the wrong number of values
}

func (f FieldError) String() string {
	if f.Len > 0 {
		return fmt.Sprintf("%s=%v (want %d values in %d..%d)", f.Field, f.Value, f.Len, f.Min, f.Max)
	}
	if len(f.Enum) > 0 {
		return fmt.Sprintf("%s=%v (want one of %s)", f.Field, f.Value, strings.Join(f.Enum, ", "))
	}
	return fmt.Sprintf("%s=%v (want %d..%d)", f.Field, f.Value, f.Min, f.Max)
}

// RangeError lists the fields of an Update that were rejected. The fields
// that were in range have still been merged.
type RangeError struct {
	Fields []FieldError
}

func (e *RangeError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	sort.Strings(parts)
	return "settings: out of range: " + strings.Join(parts, "; ")
}

// Rejected reports whether field was rejected.
func (e *RangeError) Rejected(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

func inRange(field string, vs ...int) bool {
	b := ranges[field]
	for _, v := range vs {
		if v < b.min || v > b.max {
			return false
		}
	}
	return true
}

// listLens is the number of values each list setting carries, one per
// channel (R, G, B and gray for the level ranges).
var listLens = map[string]int{
	"levelrange_low":  4,
	"levelrange_high": 4,
	"wbgain":          3,
}

// checkLists removes list settings of the wrong length from raw before they
// are decoded, since a short list would otherwise be zero-padded.
func checkLists(raw map[string]interface{}) []FieldError {
	var bad []FieldError
	for field, n := range listLens {
		v, ok := raw[field]
		if !ok {
			continue
		}
		rv := reflect.ValueOf(v)
		if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Len() == n {
			continue
		}
		b := ranges[field]
		bad = append(bad, FieldError{Field: field, Value: v, Min: b.min, Max: b.max, Len: n})
		delete(raw, field)
	}
	sort.Slice(bad, func(i, j int) bool { return bad[i].Field < bad[j].Field })
	return bad
}

// validate splits u into the fields that may be merged and the rejected ones.
func validate(u Update) (Update, []FieldError) {
	var bad []FieldError
	reject := func(field string, v interface{}) {
		b := ranges[field]
		bad = append(bad, FieldError{Field: field, Value: v, Min: b.min, Max: b.max})
	}
	checkInt := func(field string, p **int) {
		if *p != nil && !inRange(field, **p) {
			reject(field, **p)
			*p = nil
		}
	}

	checkInt("exposure", &u.ExposureTarget)
	checkInt("temp", &u.ColorTemp)
	checkInt("tint", &u.Tint)
	checkInt("contrast", &u.Contrast)
	checkInt("hue", &u.Hue)
	checkInt("saturation", &u.Saturation)
	checkInt("brightness", &u.Brightness)
	checkInt("gamma", &u.Gamma)
	checkInt("sharpening", &u.Sharpening)

	if u.LevelRangeLow != nil && !inRange("levelrange_low", u.LevelRangeLow[:]...) {
		reject("levelrange_low", *u.LevelRangeLow)
		u.LevelRangeLow = nil
	}
	if u.LevelRangeHigh != nil && !inRange("levelrange_high", u.LevelRangeHigh[:]...) {
		reject("levelrange_high", *u.LevelRangeHigh)
		u.LevelRangeHigh = nil
	}
	if u.WhiteBalanceGain != nil && !inRange("wbgain", u.WhiteBalanceGain[:]...) {
		reject("wbgain", *u.WhiteBalanceGain)
		u.WhiteBalanceGain = nil
	}
	if u.Curve != nil {
		if _, ok := u.Curve.code(); !ok {
			bad = append(bad, FieldError{Field: "curve", Value: *u.Curve,
				Enum: []string{string(CurveOff), string(CurvePolynomial), string(CurveLogarithmic)}})
			u.Curve = nil
		}
	}
	if u.ImageFormat != nil {
		switch *u.ImageFormat {
		case FormatPNG, FormatJPG, FormatFITS:
		default:
			bad = append(bad, FieldError{Field: "fformat", Value: *u.ImageFormat,
				Enum: []string{FormatPNG, FormatJPG, FormatFITS}})
			u.ImageFormat = nil
		}
	}
	return u, bad
}

// merge copies every non-nil field of u onto s.
func (s *Settings) merge(u Update) {
	if u.AutoExposure != nil {
		s.AutoExposure = *u.AutoExposure
	}
	if u.ExposureTarget != nil {
		s.ExposureTarget = *u.ExposureTarget
	}
	if u.ColorTemp != nil {
		s.ColorTemp = *u.ColorTemp
	}
	if u.Tint != nil {
		s.Tint = *u.Tint
	}
	if u.LevelRangeLow != nil {
		s.LevelRangeLow = *u.LevelRangeLow
	}
	if u.LevelRangeHigh != nil {
		s.LevelRangeHigh = *u.LevelRangeHigh
	}
	if u.Contrast != nil {
		s.Contrast = *u.Contrast
	}
	if u.Hue != nil {
		s.Hue = *u.Hue
	}
	if u.Saturation != nil {
		s.Saturation = *u.Saturation
	}
	if u.Brightness != nil {
		s.Brightness = *u.Brightness
	}
	if u.Gamma != nil {
		s.Gamma = *u.Gamma
	}
	if u.WhiteBalanceGain != nil {
		s.WhiteBalanceGain = *u.WhiteBalanceGain
	}
	if u.Sharpening != nil {
		s.Sharpening = *u.Sharpening
	}
	if u.Linear != nil {
		s.Linear = *u.Linear
	}
	if u.Curve != nil {
		s.Curve = *u.Curve
	}
	if u.ImageFormat != nil {
		s.ImageFormat = *u.ImageFormat
	}
}
