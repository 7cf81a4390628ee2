package tiling

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/blockflow/blockflow"
	"github.com/janelia-flyem/blockflow/inference"
)

// TransformError reports a patch engine failure along with the global box
// of the failing placement for retry bookkeeping.
type TransformError struct {
	Box blockflow.Bbox
	Err error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform failed on patch %s: %v", e.Box, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// Executor tiles an input chunk into fixed-size overlapping patches, runs
// a patch engine on each placement, and blends the results.
type Executor struct {
	engine  inference.Engine
	patch   blockflow.Point3d
	overlap blockflow.Point3d
	workers int
}

// NewExecutor returns an executor for the given engine and patch spec.
// Workers bounds concurrent engine invocations; zero means one worker per
// CPU.
func NewExecutor(engine inference.Engine, patch, overlap blockflow.Point3d, workers int) (*Executor, error) {
	if err := CheckSpec(patch, overlap); err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	return &Executor{
		engine:  engine,
		patch:   patch,
		overlap: overlap,
		workers: workers,
	}, nil
}

// Run covers the input with patches, transforms each, and returns the
// blended output over the input's full bounding box.  Placements are
// mutually independent and run across the worker pool; accumulation is
// serialized inside the blender.  Any engine failure aborts the whole run.
func (ex *Executor) Run(ctx context.Context, img *blockflow.Chunk) (*blockflow.Tensor, error) {
	placements, err := Plan(img.Bbox(), ex.patch, ex.overlap)
	if err != nil {
		return nil, err
	}
	timedLog := blockflow.NewTimeLog()

	blender := NewBlender(ex.engine.Channels(), img.Bbox())
	wp := newWeightProfile(ex.patch, ex.overlap)
	preweighted := ex.engine.MaskedInDevice()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ex.workers)
	for _, placement := range placements {
		placement := placement
		g.Go(func() error {
			patch, err := img.Cutout(placement.Box)
			if err != nil {
				return &TransformError{placement.Box, err}
			}
			out, err := ex.engine.Apply(gctx, patch)
			if err != nil {
				return &TransformError{placement.Box, err}
			}
			if err := inference.CheckShape(patch, out, ex.engine.Channels()); err != nil {
				return &TransformError{placement.Box, err}
			}
			if err := blender.Put(out, wp, preweighted); err != nil {
				return &TransformError{placement.Box, err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out, err := blender.Finalize()
	if err != nil {
		return nil, err
	}
	timedLog.Infof("Ran %d placements over %s with %d workers", len(placements), img.Bbox(), ex.workers)
	return out, nil
}
