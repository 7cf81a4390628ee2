package tiling

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/janelia-flyem/blockflow/blockflow"
)

// constEngine returns the same value for every voxel of every patch.
type constEngine struct {
	value    float32
	channels int

	// taper the output in-engine before returning, mimicking backends
	// that mask on the device
	preweight *weightProfile
}

func (e *constEngine) Channels() int        { return e.channels }
func (e *constEngine) MaskedInDevice() bool { return e.preweight != nil }

func (e *constEngine) Apply(ctx context.Context, patch *blockflow.Chunk) (*blockflow.Tensor, error) {
	out := blockflow.NewTensor(e.channels, patch.Bbox())
	size := patch.Size
	for c := 0; c < e.channels; c++ {
		data := out.Channel(c).Data
		i := 0
		for z := int32(0); z < size[0]; z++ {
			for y := int32(0); y < size[1]; y++ {
				for x := int32(0); x < size[2]; x++ {
					v := e.value
					if e.preweight != nil {
						v *= e.preweight.at(z, y, x)
					}
					data[i] = v
					i++
				}
			}
		}
	}
	return out, nil
}

// failEngine fails on any patch whose offset matches.
type failEngine struct {
	channels int
	badOff   blockflow.Point3d
}

func (e *failEngine) Channels() int        { return e.channels }
func (e *failEngine) MaskedInDevice() bool { return false }

func (e *failEngine) Apply(ctx context.Context, patch *blockflow.Chunk) (*blockflow.Tensor, error) {
	if patch.Off.Equals(e.badOff) {
		return nil, errors.New("synthetic device failure")
	}
	return blockflow.NewTensor(e.channels, patch.Bbox()), nil
}

func TestBlendNormalization(t *testing.T) {
	// For a transform that returns constant v, the blended output must be
	// v everywhere, regardless of overlap or the last-patch shift.
	const v = 3.5
	box := blockflow.BboxFromSize(blockflow.Point3d{4, 10, 10}, blockflow.Point3d{10, 29, 31})
	patch := blockflow.Point3d{5, 12, 12}
	overlap := blockflow.Point3d{1, 4, 4}

	eng := &constEngine{value: v, channels: 2}
	ex, err := NewExecutor(eng, patch, overlap, 4)
	if err != nil {
		t.Fatalf("executor error: %v", err)
	}
	img := blockflow.NewChunk(box)
	out, err := ex.Run(context.Background(), img)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if out.Bbox() != box {
		t.Fatalf("output box %s != input box %s", out.Bbox(), box)
	}
	for i, got := range out.Data {
		if math.Abs(float64(got-v)) > 1e-5 {
			t.Fatalf("sample %d: expected %f, got %f", i, v, got)
		}
	}
}

func TestBlendMaskedInDevice(t *testing.T) {
	// An engine that tapers its own output must blend to the same result
	// as host-side weighting.
	const v = 2.25
	box := blockflow.BboxFromSize(blockflow.Point3d{0, 0, 0}, blockflow.Point3d{6, 20, 20})
	patch := blockflow.Point3d{3, 8, 8}
	overlap := blockflow.Point3d{1, 2, 2}

	eng := &constEngine{value: v, channels: 1, preweight: newWeightProfile(patch, overlap)}
	ex, err := NewExecutor(eng, patch, overlap, 2)
	if err != nil {
		t.Fatalf("executor error: %v", err)
	}
	out, err := ex.Run(context.Background(), blockflow.NewChunk(box))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	for i, got := range out.Data {
		if math.Abs(float64(got-v)) > 1e-5 {
			t.Fatalf("sample %d: expected %f, got %f", i, v, got)
		}
	}
}

func TestTransformFailureAborts(t *testing.T) {
	box := blockflow.BboxFromSize(blockflow.Point3d{0, 0, 0}, blockflow.Point3d{4, 16, 16})
	badOff := blockflow.Point3d{0, 8, 8}
	eng := &failEngine{channels: 1, badOff: badOff}
	ex, err := NewExecutor(eng, blockflow.Point3d{4, 8, 8}, blockflow.Point3d{0, 0, 0}, 1)
	if err != nil {
		t.Fatalf("executor error: %v", err)
	}
	_, err = ex.Run(context.Background(), blockflow.NewChunk(box))
	if err == nil {
		t.Fatal("expected run to abort on transform failure")
	}
	var terr *TransformError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransformError, got %T: %v", err, err)
	}
	if !terr.Box.MinPoint.Equals(badOff) {
		t.Errorf("error reports placement %s, expected offset %s", terr.Box, badOff)
	}
}

func TestFinalizeDetectsGap(t *testing.T) {
	box := blockflow.BboxFromSize(blockflow.Point3d{0, 0, 0}, blockflow.Point3d{2, 4, 4})
	b := NewBlender(1, box)
	patch := blockflow.BboxFromSize(blockflow.Point3d{0, 0, 0}, blockflow.Point3d{2, 4, 2})
	wp := newWeightProfile(patch.Size(), blockflow.Point3d{0, 0, 0})
	if err := b.Put(blockflow.NewTensor(1, patch), wp, false); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if _, err := b.Finalize(); err == nil {
		t.Error("expected finalize to report uncovered voxels")
	}
}
