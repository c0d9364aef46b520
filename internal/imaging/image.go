// Package imaging holds the in-memory form of frames pulled from the camera.
package imaging

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/treecore/trim/internal/logic/motion"
)

// ChannelOrder is the byte order of one 24-bit pixel in a buffer.
type ChannelOrder int

const (
	RGB ChannelOrder = iota
	BGR
)

func (o ChannelOrder) String() string {
	if o == BGR {
		return "bgr"
	}
	return "rgb"
}

// ParseChannelOrder maps "rgb" or "bgr" to a ChannelOrder.
func ParseChannelOrder(s string) (ChannelOrder, error) {
	switch s {
	case "rgb":
		return RGB, nil
	case "bgr":
		return BGR, nil
	}
	return RGB, fmt.Errorf("unknown channel order %q", s)
}

// RowStride returns the byte length of one 24-bit row padded to 4 bytes.
func RowStride(width int) int {
	return (width*24 + 31) / 32 * 4
}

// BufferSize is the footprint of a padded 24-bit frame.
func BufferSize(width, height int) int {
	return RowStride(width) * height
}

// Image is a 24-bit frame tagged with the stage position it was taken at.
// An Image is never modified after it has been handed out.
type Image struct {
	Pix        []byte
	Width      int
	Height     int
	Stride     int
	Order      ChannelOrder
	Position   motion.Position
	CapturedAt time.Time
}

// New wraps pix as an Image. pix must hold at least stride*height bytes.
func New(pix []byte, width, height, stride int, order ChannelOrder, pos motion.Position) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if stride < width*3 {
		return nil, fmt.Errorf("stride %d too small for width %d", stride, width)
	}
	if len(pix) < stride*height {
		return nil, fmt.Errorf("buffer holds %d bytes, need %d", len(pix), stride*height)
	}
	return &Image{
		Pix:        pix,
		Width:      width,
		Height:     height,
		Stride:     stride,
		Order:      order,
		Position:   pos,
		CapturedAt: time.Now(),
	}, nil
}

// RGBAt returns the pixel at (x, y) in RGB order regardless of the buffer layout.
func (im *Image) RGBAt(x, y int) (r, g, b uint8) {
	i := y*im.Stride + x*3
	if im.Order == BGR {
		return im.Pix[i+2], im.Pix[i+1], im.Pix[i]
	}
	return im.Pix[i], im.Pix[i+1], im.Pix[i+2]
}

// ColorModel implements image.Image.
func (im *Image) ColorModel() color.Model { return color.RGBAModel }

// Bounds implements image.Image.
func (im *Image) Bounds() image.Rectangle { return image.Rect(0, 0, im.Width, im.Height) }

// At implements image.Image, so an Image can be handed to the stdlib encoders.
func (im *Image) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= im.Width || y >= im.Height {
		return color.RGBA{}
	}
	r, g, b := im.RGBAt(x, y)
	return color.RGBA{R: r, G: g, B: b, A: 0xff}
}

// ToRGBA converts the frame into a packed RGBA image.
func (im *Image) ToRGBA() *image.RGBA {
	dst := image.NewRGBA(im.Bounds())
	for y := 0; y < im.Height; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < im.Width; x++ {
			r, g, b := im.RGBAt(x, y)
			row[x*4] = r
			row[x*4+1] = g
			row[x*4+2] = b
			row[x*4+3] = 0xff
		}
	}
	return dst
}

// Planes splits the frame into R, G and B planes of width*height samples.
func (im *Image) Planes() (r, g, b []float64) {
	n := im.Width * im.Height
	r, g, b = make([]float64, n), make([]float64, n), make([]float64, n)
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			i := y*im.Width + x
			pr, pg, pb := im.RGBAt(x, y)
			r[i], g[i], b[i] = float64(pr), float64(pg), float64(pb)
		}
	}
	return r, g, b
}

// FromRGBA packs an RGBA image into a 24-bit Image with the given order.
func FromRGBA(src *image.RGBA, order ChannelOrder, pos motion.Position) *Image {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	stride := RowStride(w)
	pix := make([]byte, stride*h)
	min := src.Bounds().Min
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := src.RGBAAt(min.X+x, min.Y+y)
			i := y*stride + x*3
			if order == BGR {
				pix[i], pix[i+1], pix[i+2] = c.B, c.G, c.R
			} else {
				pix[i], pix[i+1], pix[i+2] = c.R, c.G, c.B
			}
		}
	}
	return &Image{Pix: pix, Width: w, Height: h, Stride: stride, Order: order, Position: pos, CapturedAt: time.Now()}
}
