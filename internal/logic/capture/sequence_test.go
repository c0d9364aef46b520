package capture

import (
	"context"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/treecore/trim/internal/hw/camera"
	"github.com/treecore/trim/internal/hw/gpio"
	"github.com/treecore/trim/internal/hw/stepper"
	"github.com/treecore/trim/internal/logic/geometry"
	"github.com/treecore/trim/internal/logic/motion"
	"github.com/treecore/trim/internal/storage"
)

// holdingStage records motor enable/disable calls around a MemoryStage.
type holdingStage struct {
	*motion.MemoryStage
	mu       sync.Mutex
	enables  int
	disables int
}

func (h *holdingStage) EnableMotors() error {
	h.mu.Lock()
	h.enables++
	h.mu.Unlock()
	return nil
}

func (h *holdingStage) DisableMotors() error {
	h.mu.Lock()
	h.disables++
	h.mu.Unlock()
	return nil
}

func newScanFixture(t *testing.T, scene camera.Scene) (*Pipeline, *storage.Recorder, string) {
	t.Helper()
	root := t.TempDir()
	rec := storage.NewRecorder(root, "", "test", 1)
	_, _, p := newTestPipeline(t, camera.SimulatorConfig{
		Width: 16, Height: 12, StillWidth: 16, StillHeight: 12,
		StillDelay: time.Millisecond,
		Scene:      scene,
	}, Config{Saver: rec, Timeout: time.Second})
	return p, rec, root
}

func mustPlan(t *testing.T, cols, rows int, stepX, stepY float64) *geometry.RasterPlan {
	t.Helper()
	plan, err := geometry.NewRasterPlan(cols, rows, stepX, stepY, motion.Position{X: 10, Y: 0, Z: 1})
	if err != nil {
		t.Fatal(err)
	}
	return plan
}

func TestRunScan_Serpentine(t *testing.T) {
	p, rec, root := newScanFixture(t, nil)
	stage := motion.NewMemoryStage()
	seq := NewSequence(stage, p)

	var progress []ScanProgress
	res, err := seq.RunScan(context.Background(), ScanParams{
		Plan:     mustPlan(t, 2, 2, 1.5, 1),
		Progress: func(sp ScanProgress) { progress = append(progress, sp) },
	})
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}

	wantVisited := []motion.Position{
		{X: 10, Y: 0, Z: 1}, {X: 10, Y: 1, Z: 1},
		{X: 11.5, Y: 1, Z: 1}, {X: 11.5, Y: 0, Z: 1},
	}
	if got := stage.Visited(); !reflect.DeepEqual(got, wantVisited) {
		t.Errorf("visited = %v\nwant %v", got, wantVisited)
	}
	wantFiles := []string{
		root + "/test1PX10Y0Z1.png",
		root + "/test2PX10Y1Z1.png",
		root + "/test3PX11.5Y1Z1.png",
		root + "/test4PX11.5Y0Z1.png",
	}
	if !reflect.DeepEqual(res.Saved, wantFiles) {
		t.Errorf("saved = %v\nwant %v", res.Saved, wantFiles)
	}
	for _, f := range wantFiles {
		if _, err := os.Stat(f); err != nil {
			t.Errorf("missing %s", f)
		}
	}
	if rec.Index() != 5 {
		t.Errorf("recorder index = %d, want 5", rec.Index())
	}
	if len(progress) != 4 || progress[3].Frame != 4 || progress[3].Total != 4 {
		t.Errorf("progress = %+v", progress)
	}
}

func TestRunScan_SkipsDegenerateFrames(t *testing.T) {
	p, rec, _ := newScanFixture(t, camera.FlatScene(20, 20, 20))
	seq := NewSequence(motion.NewMemoryStage(), p)

	res, err := seq.RunScan(context.Background(), ScanParams{
		Plan:           mustPlan(t, 3, 1, 1, 0),
		SkipDegenerate: true,
	})
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if res.Skipped != 3 || len(res.Saved) != 0 {
		t.Errorf("result = %+v, want 3 skipped", res)
	}
	if rec.Index() != 1 {
		t.Errorf("skipped frames advanced the index to %d", rec.Index())
	}
}

func TestRunScan_KeepsDegenerateWhenNotSkipping(t *testing.T) {
	p, _, _ := newScanFixture(t, camera.FlatScene(20, 20, 20))
	seq := NewSequence(motion.NewMemoryStage(), p)
	res, err := seq.RunScan(context.Background(), ScanParams{Plan: mustPlan(t, 2, 1, 1, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Saved) != 2 {
		t.Errorf("saved %d frames, want 2", len(res.Saved))
	}
}

func TestRunScan_ReleasesMotorsDuringStills(t *testing.T) {
	p, _, _ := newScanFixture(t, nil)
	stage := &holdingStage{MemoryStage: motion.NewMemoryStage()}
	seq := NewSequence(stage, p)

	if _, err := seq.RunScan(context.Background(), ScanParams{Plan: mustPlan(t, 2, 1, 1, 0)}); err != nil {
		t.Fatal(err)
	}
	// one enable up front, one after each still; one disable per still and one at the end
	if stage.enables != 3 || stage.disables != 3 {
		t.Errorf("enables=%d disables=%d, want 3/3", stage.enables, stage.disables)
	}
}

func TestRunScan_ContextCancelled(t *testing.T) {
	p, rec, _ := newScanFixture(t, nil)
	seq := NewSequence(motion.NewMemoryStage(), p)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := seq.RunScan(ctx, ScanParams{Plan: mustPlan(t, 2, 2, 1, 1)}); err != context.Canceled {
		t.Fatalf("RunScan err = %v, want context.Canceled", err)
	}
	if rec.Index() != 1 {
		t.Error("cancelled scan should not save")
	}
}

func TestRunScan_CancelDuringSettle(t *testing.T) {
	p, _, _ := newScanFixture(t, nil)
	seq := NewSequence(motion.NewMemoryStage(), p)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := seq.RunScan(ctx, ScanParams{Plan: mustPlan(t, 1, 1, 0, 0), Settle: time.Hour})
	if err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("settle delay ignored cancellation")
	}
}

func TestRunScan_NoPlan(t *testing.T) {
	p, _, _ := newScanFixture(t, nil)
	if _, err := NewSequence(motion.NewMemoryStage(), p).RunScan(context.Background(), ScanParams{}); err == nil {
		t.Error("RunScan without a plan should fail")
	}
}

func TestRunScan_SteppersController(t *testing.T) {
	drv := &gpio.MockDriver{}
	axis := func(name string, pin int) *stepper.Stepper {
		return stepper.NewStepper(drv, stepper.Config{
			Name: name, StepPin: pin, DirPin: pin + 1, EnablePin: pin + 2,
			StepsPerMm: 100, StepDelay: time.Microsecond,
		})
	}
	ctrl := motion.NewController(axis("x", 1), axis("y", 4), nil)
	p, _, _ := newScanFixture(t, nil)

	plan, err := geometry.NewRasterPlan(2, 2, 0.5, 0.25, motion.Position{})
	if err != nil {
		t.Fatal(err)
	}
	res, err := NewSequence(ctrl, p).RunScan(context.Background(), ScanParams{Plan: plan})
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if len(res.Saved) != 4 {
		t.Errorf("saved %d stills, want 4", len(res.Saved))
	}
	// serpentine ends at the top of the second column
	if got := ctrl.Position(); got.X != 0.5 || got.Y != 0 {
		t.Errorf("final position = %+v", got)
	}
	if drv.Writes() == 0 {
		t.Error("no GPIO activity")
	}
}
