package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/treecore/trim/internal/debug"
	"github.com/treecore/trim/internal/logic/focus"
	"github.com/treecore/trim/internal/logic/geometry"
	"github.com/treecore/trim/internal/logic/motion"
)

// Sequence contains high-level logic for multi-still runs over a sample
// (raster scans of a core).
type Sequence struct {
	stage    motion.Stage
	pipeline *Pipeline
}

func NewSequence(stage motion.Stage, p *Pipeline) *Sequence {
	return &Sequence{
		stage:    stage,
		pipeline: p,
	}
}

// ScanParams defines the parameters for a raster scan.
type ScanParams struct {
	Plan *geometry.RasterPlan // calculated raster plan

	Settle         time.Duration // wait after each move before the still (vibration)
	Timeout        time.Duration // per-still bound; 0 uses the pipeline's
	SkipDegenerate bool          // do not persist blank frames

	// Progress, if set, is called after every frame.
	Progress func(ScanProgress)
}

// ScanProgress reports one frame of a running scan.
type ScanProgress struct {
	Frame    int             `json:"frame"`
	Total    int             `json:"total"`
	Position motion.Position `json:"position"`
	Path     string          `json:"path,omitempty"`
	Skipped  bool            `json:"skipped"`
}

// ScanResult summarises a finished or interrupted scan.
type ScanResult struct {
	Saved   []string `json:"saved"`
	Skipped int      `json:"skipped"`
}

// RunScan performs the plan's traversal in columns (serpentine pattern):
// Column 0: top to bottom, then a step along the core
// Column 1: bottom to top, then a step along the core
// etc.
func (s *Sequence) RunScan(ctx context.Context, p ScanParams) (ScanResult, error) {
	var res ScanResult
	plan := p.Plan
	if plan == nil {
		return res, fmt.Errorf("scan: no raster plan")
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = s.pipeline.cfg.Timeout
	}

	holder, _ := s.stage.(motion.Holder)
	if holder != nil {
		// Ensure motors are enabled before any movement
		_ = holder.EnableMotors()
		defer holder.DisableMotors()
	}

	debug.Section("Raster Scan")
	debug.Raster(plan.Columns, plan.Rows, plan.Frames())

	positions := plan.Positions()
	for i, pos := range positions {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if plan.Rows > 0 && i%plan.Rows == 0 {
			col := i / plan.Rows
			direction := "down"
			if col%2 == 1 {
				direction = "up"
			}
			debug.Column(col+1, plan.Columns, direction)
		}

		if err := s.stage.MoveTo(ctx, pos); err != nil {
			return res, fmt.Errorf("move to %s: %w", pos.Tag(), err)
		}

		// No holding torque during the still (less vibration)
		if holder != nil {
			_ = holder.DisableMotors()
		}
		if err := sleep(ctx, p.Settle); err != nil {
			return res, err
		}

		at := s.stage.Position()
		req, err := s.pipeline.Capture(at)
		if err != nil {
			return res, err
		}
		img, err := s.pipeline.Wait(ctx, req, timeout)
		if holder != nil {
			_ = holder.EnableMotors()
		}
		if err != nil {
			return res, fmt.Errorf("still %d/%d at %s: %w", i+1, len(positions), at.Tag(), err)
		}

		prog := ScanProgress{Frame: i + 1, Total: len(positions), Position: at}
		if p.SkipDegenerate && focus.IsDegenerate(img) {
			debug.Info("Frame %d/%d at %s is blank, skipped (stddev %v)", i+1, len(positions), at.Tag(), focus.StdDevs(img))
			res.Skipped++
			prog.Skipped = true
		} else {
			path, err := s.pipeline.Persist(img)
			if err != nil {
				return res, err
			}
			res.Saved = append(res.Saved, path)
			prog.Path = path
		}
		if p.Progress != nil {
			p.Progress(prog)
		}
	}

	debug.Info("Scan complete: %d saved, %d skipped", len(res.Saved), res.Skipped)
	return res, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
