// Package focus rates captured frames: it flags frames with no usable
// content and scores sharpness per image quadrant.
package focus

import (
	"errors"
	"image"
	"sort"

	"github.com/disintegration/gift"
	"gonum.org/v1/gonum/stat"

	"github.com/treecore/trim/internal/imaging"
)

// DegenerateStdDev is the per-channel standard deviation below which a frame
// is considered blank (lens cap, light off, stage outside the sample).
const DegenerateStdDev = 5.0

// Quadrant names, in scan order.
const (
	TopLeft     = "Top Left"
	TopRight    = "Top Right"
	BottomLeft  = "Bottom Left"
	BottomRight = "Bottom Right"
)

// ErrNoImage is returned when there is nothing to score.
var ErrNoImage = errors.New("focus: no image")

// Score is the sharpness of a frame. Value is the best quadrant's score; the
// scale is unbounded and only meaningful relative to other frames of the
// same scene.
type Score struct {
	Value     float64            `json:"value"`
	Quadrants map[string]float64 `json:"quadrants"`
	Best      string             `json:"best"`
}

// StdDevs returns the population standard deviation of the R, G and B channels.
func StdDevs(img *imaging.Image) [3]float64 {
	r, g, b := img.Planes()
	return [3]float64{stat.PopStdDev(r, nil), stat.PopStdDev(g, nil), stat.PopStdDev(b, nil)}
}

// IsDegenerate reports whether any colour channel is nearly flat.
func IsDegenerate(img *imaging.Image) bool {
	for _, sd := range StdDevs(img) {
		if sd < DegenerateStdDev {
			return true
		}
	}
	return false
}

// ScoreFocus splits img into four quadrants and scores each one on the
// spread of its Laplacian response.
func ScoreFocus(img *imaging.Image) (Score, error) {
	if img == nil || img.Width == 0 || img.Height == 0 {
		return Score{}, ErrNoImage
	}
	rgba := img.ToRGBA()
	midX, midY := img.Width/2, img.Height/2
	quads := []struct {
		name string
		rect image.Rectangle
	}{
		{TopLeft, image.Rect(0, 0, midX, midY)},
		{TopRight, image.Rect(midX, 0, img.Width, midY)},
		{BottomLeft, image.Rect(0, midY, midX, img.Height)},
		{BottomRight, image.Rect(midX, midY, img.Width, img.Height)},
	}

	pre := preprocess()
	out := Score{Quadrants: make(map[string]float64, len(quads))}
	first := true
	for _, q := range quads {
		v := 0.0
		if !q.rect.Empty() {
			sub := rgba.SubImage(q.rect)
			gray := image.NewGray(pre.Bounds(sub.Bounds()))
			pre.Draw(gray, sub)
			v = quadrantScore(gray)
		}
		out.Quadrants[q.name] = v
		if first || v > out.Value {
			out.Value, out.Best = v, q.name
			first = false
		}
	}
	return out, nil
}

// binomial3x3 is the 3x3 Gaussian, [1 2 1] x [1 2 1] / 16.
var binomial3x3 = []float32{
	1, 2, 1,
	2, 4, 2,
	1, 2, 1,
}

// preprocess converts a quadrant to gray and smooths it with binomial3x3.
func preprocess() *gift.GIFT {
	return gift.New(gift.Grayscale(), gift.Convolution(binomial3x3, true, false, false, 0))
}

// quadrantScore is (var(|L|) + p90(|L|)) / 2 over the 5x5 Laplacian L.
func quadrantScore(gray *image.Gray) float64 {
	abs := laplacian5(gray)
	for i, v := range abs {
		if v < 0 {
			abs[i] = -v
		}
	}
	variance := stat.PopVariance(abs, nil)
	sort.Float64s(abs)
	return (variance + percentile(abs, 0.9)) / 2
}

// 5-tap second derivative and smoothing, the separable parts of the 5x5
// aperture Laplacian.
var (
	deriv2 = [5]float64{1, 0, -2, 0, 1}
	smooth = [5]float64{1, 4, 6, 4, 1}
)

// laplacian5 returns d2/dx2 + d2/dy2 for every pixel, reflecting the border
// without repeating the edge pixel (dcb|abcd|cba).
func laplacian5(gray *image.Gray) []float64 {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	px := func(x, y int) float64 {
		return float64(gray.Pix[reflect101(y, h)*gray.Stride+reflect101(x, w)])
	}
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float64
			for j := -2; j <= 2; j++ {
				for i := -2; i <= 2; i++ {
					k := deriv2[i+2]*smooth[j+2] + smooth[i+2]*deriv2[j+2]
					if k != 0 {
						sum += k * px(x+i, y+j)
					}
				}
			}
			out[y*w+x] = sum
		}
	}
	return out
}

func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*(n-1) - i
		}
	}
	return i
}

// percentile interpolates linearly between the two closest ranks of the
// sorted sample.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := p * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
