// Package storage writes captured frames to disk with position-tagged,
// sequentially numbered file names.
package storage

import (
	"bufio"
	"fmt"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/treecore/trim/internal/debug"
	"github.com/treecore/trim/internal/imaging"
	"github.com/treecore/trim/internal/logic/motion"
)

// JPEGQuality is used for the jpg format.
const JPEGQuality = 95

// PersistenceError reports a failed save. The sequence index is not advanced.
type PersistenceError struct {
	Path string
	Op   string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("save %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Recorder saves images as {Root}/{Subfolder}/{Prefix}{index}PX{x}Y{y}Z{z}.{format}.
// It is safe for concurrent use; saves are serialized.
type Recorder struct {
	mu sync.Mutex

	// Root is the capture directory.
	Root string

	// Subfolder is an optional directory below Root, e.g. one per sample.
	Subfolder string

	// Prefix starts every file name.
	Prefix string

	index int
}

// NewRecorder returns a recorder whose first file gets startIndex.
func NewRecorder(root, subfolder, prefix string, startIndex int) *Recorder {
	return &Recorder{Root: root, Subfolder: subfolder, Prefix: prefix, index: startIndex}
}

// Index is the number the next saved file will carry.
func (r *Recorder) Index() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index
}

// SetSubfolder switches the output directory below Root.
func (r *Recorder) SetSubfolder(sub string) {
	r.mu.Lock()
	r.Subfolder = sub
	r.mu.Unlock()
}

func (r *Recorder) dir() string {
	return filepath.Join(r.Root, r.Subfolder)
}

// FileName builds the name of a file without touching the disk.
func FileName(prefix string, index int, pos motion.Position, format string) string {
	return prefix + strconv.Itoa(index) + pos.Tag() + "." + format
}

// Save encodes img in format ("png", "jpg" or "fits") and returns the path
// written. The file appears atomically: a failed save leaves nothing behind.
func (r *Recorder) Save(img *imaging.Image, pos motion.Position, format string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir := r.dir()
	path := filepath.Join(dir, FileName(r.Prefix, r.index, pos, format))
	if img == nil {
		return "", &PersistenceError{Path: path, Op: "encode", Err: fmt.Errorf("no image")}
	}
	enc, err := encoderFor(format)
	if err != nil {
		return "", &PersistenceError{Path: path, Op: "encode", Err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &PersistenceError{Path: path, Op: "mkdir", Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return "", &PersistenceError{Path: path, Op: "create", Err: err}
	}
	fail := func(op string, err error) (string, error) {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", &PersistenceError{Path: path, Op: op, Err: err}
	}

	bw := bufio.NewWriter(tmp)
	if err := enc(bw, img, pos); err != nil {
		return fail("encode", err)
	}
	if err := bw.Flush(); err != nil {
		return fail("write", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", &PersistenceError{Path: path, Op: "close", Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", &PersistenceError{Path: path, Op: "rename", Err: err}
	}

	r.index++
	debug.Info("saved %s", path)
	return path, nil
}

// Resume moves the index past the highest-numbered file with Prefix already
// in the output directory, so a restarted run does not overwrite earlier
// captures.
func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := os.ReadDir(r.dir())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	highest := r.index - 1
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), r.Prefix) {
			continue
		}
		rest := strings.TrimPrefix(e.Name(), r.Prefix)
		end := strings.Index(rest, "PX")
		if end <= 0 {
			continue
		}
		n, err := strconv.Atoi(rest[:end])
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	r.index = highest + 1
	return nil
}

type encodeFunc func(w io.Writer, img *imaging.Image, pos motion.Position) error

func encoderFor(format string) (encodeFunc, error) {
	switch format {
	case "png":
		return func(w io.Writer, img *imaging.Image, _ motion.Position) error {
			return png.Encode(w, img.ToRGBA())
		}, nil
	case "jpg", "jpeg":
		return func(w io.Writer, img *imaging.Image, _ motion.Position) error {
			return jpeg.Encode(w, img.ToRGBA(), &jpeg.Options{Quality: JPEGQuality})
		}, nil
	case "fits":
		return writeFits, nil
	}
	return nil, fmt.Errorf("unsupported image format %q", format)
}

// writeFits stores the frame as an 8-bit cube of three planes (R, G, B) with
// the stage position in the header.
func writeFits(w io.Writer, img *imaging.Image, pos motion.Position) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	dims := []int{img.Width, img.Height, 3}
	im := fitsio.NewImage(8, dims)
	defer im.Close()
	err = im.Header().Append(
		fitsio.Card{Name: "STAGEX", Value: pos.X, Comment: "stage x (mm)"},
		fitsio.Card{Name: "STAGEY", Value: pos.Y, Comment: "stage y (mm)"},
		fitsio.Card{Name: "STAGEZ", Value: pos.Z, Comment: "stage z (mm)"},
		fitsio.Card{Name: "DATE-OBS", Value: img.CapturedAt.UTC().Format(time.RFC3339)},
	)
	if err != nil {
		return err
	}

	plane := img.Width * img.Height
	data := make([]byte, 3*plane)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			r, g, b := img.RGBAt(x, y)
			i := y*img.Width + x
			data[i], data[plane+i], data[2*plane+i] = r, g, b
		}
	}
	if err := im.Write(data); err != nil {
		return err
	}
	return fits.Write(im)
}
