package storage

import (
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/astrogo/fitsio"

	"github.com/treecore/trim/internal/imaging"
	"github.com/treecore/trim/internal/logic/motion"
)

func testImage(t *testing.T, w, h int) *imaging.Image {
	t.Helper()
	stride := imaging.RowStride(w)
	pix := make([]byte, stride*h)
	for i := range pix {
		pix[i] = byte(i)
	}
	img, err := imaging.New(pix, w, h, stride, imaging.BGR, motion.Position{})
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestFileName(t *testing.T) {
	tests := []struct {
		pos  motion.Position
		want string
	}{
		{motion.Position{X: 1, Y: 2, Z: 3}, "test1PX1Y2Z3.png"},
		{motion.Position{X: 1.5, Y: -0.25, Z: 0}, "test1PX1.5Y-0.25Z0.png"},
	}
	for _, tt := range tests {
		if got := FileName("test", 1, tt.pos, "png"); got != tt.want {
			t.Errorf("FileName(%+v) = %q, want %q", tt.pos, got, tt.want)
		}
	}
}

func TestSavePNG(t *testing.T) {
	root := t.TempDir()
	rec := NewRecorder(root, "sampleA", "test", 1)
	img := testImage(t, 10, 6)

	path, err := rec.Save(img, motion.Position{X: 1, Y: 2, Z: 3}, "png")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	want := filepath.Join(root, "sampleA", "test1PX1Y2Z3.png")
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	dec, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.Bounds().Dx() != 10 || dec.Bounds().Dy() != 6 {
		t.Errorf("decoded size %v", dec.Bounds())
	}
	r, g, b, _ := dec.At(0, 0).RGBA()
	wr, wg, wb := img.RGBAt(0, 0)
	if uint8(r>>8) != wr || uint8(g>>8) != wg || uint8(b>>8) != wb {
		t.Errorf("pixel (0,0) = %d,%d,%d want %d,%d,%d", r>>8, g>>8, b>>8, wr, wg, wb)
	}
	if rec.Index() != 2 {
		t.Errorf("Index = %d, want 2", rec.Index())
	}
}

func TestSaveSequence(t *testing.T) {
	root := t.TempDir()
	rec := NewRecorder(root, "", "ring", 1)
	img := testImage(t, 4, 4)
	for i := 0; i < 3; i++ {
		if _, err := rec.Save(img, motion.Position{X: float64(i)}, "jpg"); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}
	want := []string{"ring1PX0Y0Z0.jpg", "ring2PX1Y0Z0.jpg", "ring3PX2Y0Z0.jpg"}
	if got := listDir(t, root); !reflect.DeepEqual(got, want) {
		t.Errorf("files = %v, want %v", got, want)
	}
}

func TestSaveFailureLeavesNothing(t *testing.T) {
	t.Run("unknown format", func(t *testing.T) {
		root := t.TempDir()
		rec := NewRecorder(root, "", "test", 1)
		_, err := rec.Save(testImage(t, 4, 4), motion.Position{}, "bmp")
		var pe *PersistenceError
		if !errors.As(err, &pe) {
			t.Fatalf("err = %v, want *PersistenceError", err)
		}
		if rec.Index() != 1 {
			t.Errorf("index advanced to %d", rec.Index())
		}
		if got := listDir(t, root); len(got) != 0 {
			t.Errorf("left files %v", got)
		}
	})
	t.Run("root is a file", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "blocked")
		if err := os.WriteFile(root, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		rec := NewRecorder(root, "sub", "test", 7)
		_, err := rec.Save(testImage(t, 4, 4), motion.Position{}, "png")
		var pe *PersistenceError
		if !errors.As(err, &pe) || pe.Op != "mkdir" {
			t.Fatalf("err = %v", err)
		}
		if rec.Index() != 7 {
			t.Errorf("index advanced to %d", rec.Index())
		}
	})
	t.Run("nil image", func(t *testing.T) {
		rec := NewRecorder(t.TempDir(), "", "test", 1)
		if _, err := rec.Save(nil, motion.Position{}, "png"); err == nil {
			t.Fatal("Save(nil) should fail")
		}
	})
}

func TestSaveFITS(t *testing.T) {
	root := t.TempDir()
	rec := NewRecorder(root, "", "test", 1)
	path, err := rec.Save(testImage(t, 5, 3), motion.Position{X: 2.5, Y: 1, Z: -1}, "fits")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	fits, err := fitsio.Open(f)
	if err != nil {
		t.Fatalf("fitsio.Open: %v", err)
	}
	defer fits.Close()
	hdr := fits.HDU(0).Header()
	if got := hdr.Axes(); !reflect.DeepEqual(got, []int{5, 3, 3}) {
		t.Errorf("axes = %v", got)
	}
	if hdr.Bitpix() != 8 {
		t.Errorf("bitpix = %d", hdr.Bitpix())
	}
	card := hdr.Get("STAGEX")
	if card == nil || card.Value != 2.5 {
		t.Errorf("STAGEX card = %+v", card)
	}
}

func TestResume(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"test3PX0Y0Z0.png", "test12PX1Y0Z0.jpg", "other99PX0Y0Z0.png", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(root, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	rec := NewRecorder(root, "", "test", 1)
	if err := rec.Resume(); err != nil {
		t.Fatal(err)
	}
	if rec.Index() != 13 {
		t.Errorf("Index after Resume = %d, want 13", rec.Index())
	}

	empty := NewRecorder(filepath.Join(root, "missing"), "", "test", 4)
	if err := empty.Resume(); err != nil {
		t.Fatal(err)
	}
	if empty.Index() != 4 {
		t.Errorf("Index = %d, want 4", empty.Index())
	}
}

func TestConcurrentSavesGetDistinctIndices(t *testing.T) {
	root := t.TempDir()
	rec := NewRecorder(root, "", "c", 1)
	img := testImage(t, 2, 2)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rec.Save(img, motion.Position{}, "png"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if got := listDir(t, root); len(got) != 8 {
		t.Errorf("files = %v", got)
	}
}
