/*
Package pipeline sequences one output region through the full processing
chain: fetch the coarse output mask, fetch and validate the input image,
zero known-bad sections, run the tiled transform, crop the margin, apply
the mask, and publish the output with its run log.
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/janelia-flyem/blockflow/blockflow"
	"github.com/janelia-flyem/blockflow/inference"
	"github.com/janelia-flyem/blockflow/mask"
	"github.com/janelia-flyem/blockflow/storage"
	"github.com/janelia-flyem/blockflow/tiling"
	"github.com/janelia-flyem/blockflow/validate"
)

// Params is the per-process pipeline configuration, checked once before
// any I/O.
type Params struct {
	// Patch and Overlap shape the tiling of the expanded input region.
	Patch   blockflow.Point3d
	Overlap blockflow.Point3d

	// Margin is extra context fetched around the output region and
	// cropped back off after the transform.
	Margin blockflow.Point3d

	// MaskScale is the lateral downsampling factor of the output mask
	// volume.  Zero disables masking.
	MaskScale int32

	// ValidateSteps is how many lateral halvings separate the image from
	// the validation reference volume.  Zero disables validation.
	ValidateSteps int

	// MissingSections lists global depth coordinates of known-bad image
	// sections, sorted ascending.
	MissingSections []int32

	// Workers bounds concurrent patch transforms.
	Workers int
}

func (p Params) check() error {
	if err := tiling.CheckSpec(p.Patch, p.Overlap); err != nil {
		return err
	}
	for _, m := range p.Margin {
		if m < 0 {
			return fmt.Errorf("cropping margin %s must be non-negative", p.Margin)
		}
	}
	if p.MaskScale < 0 {
		return fmt.Errorf("mask scale %d must be non-negative", p.MaskScale)
	}
	if p.ValidateSteps < 0 {
		return fmt.Errorf("validation steps %d must be non-negative", p.ValidateSteps)
	}
	for i := 1; i < len(p.MissingSections); i++ {
		if p.MissingSections[i] < p.MissingSections[i-1] {
			return fmt.Errorf("missing section ids %v must be sorted ascending", p.MissingSections)
		}
	}
	return nil
}

// Stores are the external collaborators of one pipeline.  Mask, Ref,
// Sink and Relay may be nil, which disables the stage using them.
type Stores struct {
	Image  storage.VolumeStore
	Output storage.VolumeStore
	Mask   storage.VolumeStore
	Ref    storage.VolumeStore
	Sink   storage.Sink
	Relay  *storage.ActivityRelay
}

// Executor runs the processing pipeline over output regions.  One
// executor is configured per process and is safe to reuse across
// invocations; per-invocation state lives in a fresh runState each Run.
type Executor struct {
	params Params
	tiler  *tiling.Executor
	stores Stores
}

// NewExecutor validates the configuration and builds a pipeline.
func NewExecutor(p Params, engine inference.Engine, stores Stores) (*Executor, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	if stores.Image == nil {
		return nil, fmt.Errorf("pipeline needs an image store")
	}
	if stores.Output == nil {
		return nil, fmt.Errorf("pipeline needs an output store")
	}
	tiler, err := tiling.NewExecutor(engine, p.Patch, p.Overlap, p.Workers)
	if err != nil {
		return nil, err
	}
	return &Executor{params: p, tiler: tiler, stores: stores}, nil
}

// runState is the working state of one invocation, never shared across
// invocations.
type runState struct {
	outBox   blockflow.Bbox
	inputBox blockflow.Bbox

	outMask  *blockflow.Chunk
	img      *blockflow.Chunk
	out      *blockflow.Tensor
	mismatch error

	log       *RunLog
	published bool
}

// stage runs one pipeline step, timing it into the run log and giving
// any failure the stage name and output box as context.
func (rs *runState) stage(name string, f func() error) error {
	timedLog := blockflow.NewTimeLog()
	if err := f(); err != nil {
		return fmt.Errorf("stage %s of %s: %w", name, rs.outBox, err)
	}
	rs.log.Append(name, timedLog.Elapsed())
	timedLog.Debugf("stage %s of %s", name, rs.outBox)
	return nil
}

// Run processes one output region end to end.  A validation mismatch
// doesn't stop the run but routes its log to the error path.  Any other
// stage failure aborts the run with no output written, after a best
// effort attempt to publish the log as an error artifact.
func (e *Executor) Run(ctx context.Context, outBox blockflow.Bbox) error {
	if outBox.IsEmpty() {
		return fmt.Errorf("output region %s is empty", outBox)
	}
	timedLog := blockflow.NewTimeLog()
	rs := &runState{
		outBox:   outBox,
		inputBox: outBox.Expand(e.params.Margin),
		log:      newRunLog(outBox),
	}

	earlyExit, err := e.process(ctx, rs)
	if err != nil {
		rs.log.Status = StatusError
		rs.log.Error = err.Error()
		e.publishLog(ctx, rs)
		return err
	}
	if rs.mismatch != nil {
		rs.log.Status = StatusMismatch
		rs.log.Error = rs.mismatch.Error()
	} else if earlyExit {
		rs.log.Status = StatusEarlyExit
	}
	e.publishLog(ctx, rs)
	e.stores.Relay.LogActivity(rs.log.Activity())
	timedLog.Infof("Processed %s (%s)", outBox, rs.log.Status)
	return nil
}

// process is the linear stage sequence.  It reports whether the run
// exited early on an all-zero output mask.
func (e *Executor) process(ctx context.Context, rs *runState) (earlyExit bool, err error) {
	if e.stores.Mask != nil && e.params.MaskScale > 0 {
		if err := rs.stage("fetch-mask", func() error { return e.fetchMask(ctx, rs) }); err != nil {
			return false, err
		}
		if rs.outMask.AllZero() {
			blockflow.Infof("Output mask of %s is all zero, skipping\n", rs.outBox)
			return true, nil
		}
	}
	if err := rs.stage("fetch-image", func() error { return e.fetchImage(ctx, rs) }); err != nil {
		return false, err
	}
	if err := rs.stage("validate-image", func() error { return e.validateImage(ctx, rs) }); err != nil {
		return false, err
	}
	if err := rs.stage("mask-missing-sections", func() error { return e.maskMissingSections(rs) }); err != nil {
		return false, err
	}
	if err := rs.stage("tile-and-blend", func() error { return e.tileAndBlend(ctx, rs) }); err != nil {
		return false, err
	}
	if err := rs.stage("crop-margin", func() error { return e.cropMargin(rs) }); err != nil {
		return false, err
	}
	if rs.outMask != nil {
		if err := rs.stage("apply-mask", func() error {
			return mask.Apply(rs.out, rs.outMask, e.params.MaskScale)
		}); err != nil {
			return false, err
		}
	}
	if err := rs.stage("publish-output", func() error {
		return e.stores.Output.WriteTensor(ctx, rs.out)
	}); err != nil {
		return false, err
	}
	if e.stores.Sink != nil {
		if err := rs.stage("publish-thumbnail", func() error {
			publishThumbnail(ctx, e.stores.Sink, rs.out)
			return nil
		}); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (e *Executor) fetchMask(ctx context.Context, rs *runState) error {
	coarseBox := mask.CoarseBbox(rs.outBox, e.params.MaskScale)
	m, err := e.stores.Mask.Read(ctx, coarseBox)
	if err != nil {
		return err
	}
	rs.outMask = m
	return nil
}

func (e *Executor) fetchImage(ctx context.Context, rs *runState) error {
	img, err := e.stores.Image.Read(ctx, rs.inputBox)
	if err != nil {
		return err
	}
	rs.img = img
	return nil
}

// validateImage compares a recursively halved copy of the image against
// the independently downsampled reference, and scans the image for
// suspiciously large all-zero blocks.  Mismatches are recorded, not
// returned: the run continues but logs to the error path.
func (e *Executor) validateImage(ctx context.Context, rs *runState) error {
	if !validate.ValidateByTemplateMatching(rs.img) {
		rs.mismatch = fmt.Errorf("image %s has large all-zero blocks, likely missing data", rs.inputBox)
		blockflow.Errorf("%v\n", rs.mismatch)
	}
	if e.stores.Ref == nil || e.params.ValidateSteps == 0 {
		return nil
	}
	factor := int32(1) << e.params.ValidateSteps
	origin := blockflow.Point3d{}
	if o, ok := e.stores.Image.(interface{ Origin() blockflow.Point3d }); ok {
		origin = o.Origin()
	}
	clamped := validate.ClampToScale(rs.inputBox, origin, factor)
	if clamped.IsEmpty() {
		blockflow.Debugf("Region %s too small to validate at factor %d\n", rs.inputBox, factor)
		return nil
	}
	fine, err := rs.img.Cutout(clamped)
	if err != nil {
		return err
	}
	down := validate.Downsample(fine, e.params.ValidateSteps)
	ref, err := e.stores.Ref.Read(ctx, down.Bbox())
	if err != nil {
		return err
	}
	if err := validate.CheckAgainstReference(down, ref); err != nil {
		var mismatch *validate.MismatchError
		if !errors.As(err, &mismatch) {
			return err
		}
		rs.mismatch = err
		blockflow.Errorf("Validation of %s failed: %v\n", rs.inputBox, err)
	}
	return nil
}

func (e *Executor) maskMissingSections(rs *runState) error {
	for _, z := range e.params.MissingSections {
		rs.img.ZeroSection(z)
	}
	return nil
}

func (e *Executor) tileAndBlend(ctx context.Context, rs *runState) error {
	out, err := e.tiler.Run(ctx, rs.img)
	if err != nil {
		return err
	}
	rs.out = out
	rs.img = nil
	return nil
}

func (e *Executor) cropMargin(rs *runState) error {
	out, err := rs.out.CropMargin(e.params.Margin)
	if err != nil {
		return err
	}
	rs.out = out
	return nil
}

// publishLog writes the run log through the sink, exactly once per run,
// to log/ on success or error/ when the run failed or mismatched.
func (e *Executor) publishLog(ctx context.Context, rs *runState) {
	if e.stores.Sink == nil || rs.published {
		return
	}
	rs.published = true
	dir := "log"
	if rs.log.Status == StatusMismatch || rs.log.Status == StatusError {
		dir = "error"
	}
	path := dir + "/" + rs.outBox.Filename()
	if err := e.stores.Sink.Put(ctx, path, rs.log.Marshal(), "application/json"); err != nil {
		blockflow.Errorf("unable to publish run log %q: %v\n", path, err)
	}
}
