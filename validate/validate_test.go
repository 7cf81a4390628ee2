package validate

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/janelia-flyem/blockflow/blockflow"
)

func randomChunk(box blockflow.Bbox, seed int64) *blockflow.Chunk {
	rng := rand.New(rand.NewSource(seed))
	c := blockflow.NewChunk(box)
	for i := range c.Data {
		// integer-valued samples so box averages are exact in float32
		c.Data[i] = float32(rng.Intn(256))
	}
	return c
}

func TestDownsampleBy2(t *testing.T) {
	c := blockflow.NewChunk(blockflow.BboxFromSize(blockflow.Point3d{0, 0, 0}, blockflow.Point3d{1, 4, 4}))
	// one 2x2 lateral block per value
	vals := [][]float32{
		{1, 3, 10, 30},
		{5, 7, 50, 70},
		{0, 0, 2, 2},
		{0, 0, 2, 2},
	}
	for y := int32(0); y < 4; y++ {
		for x := int32(0); x < 4; x++ {
			c.Set(0, y, x, vals[y][x])
		}
	}
	down := DownsampleBy2(c)
	if !down.Size.Equals(blockflow.Point3d{1, 2, 2}) {
		t.Fatalf("unexpected downsampled size %s", down.Size)
	}
	want := [][]float32{{4, 40}, {0, 2}}
	for y := int32(0); y < 2; y++ {
		for x := int32(0); x < 2; x++ {
			if got := down.At(0, y, x); got != want[y][x] {
				t.Errorf("coarse (%d,%d): expected %f, got %f", y, x, want[y][x], got)
			}
		}
	}
}

func TestDownsampleKeepsDepth(t *testing.T) {
	box := blockflow.BboxFromSize(blockflow.Point3d{7, 0, 0}, blockflow.Point3d{5, 8, 8})
	down := Downsample(randomChunk(box, 1), 2)
	if !down.Size.Equals(blockflow.Point3d{5, 2, 2}) {
		t.Errorf("depth axis was scaled: %s", down.Size)
	}
	if down.Off[0] != 7 {
		t.Errorf("depth offset changed: %s", down.Off)
	}
}

func TestRecursiveHalvingRoundTrip(t *testing.T) {
	// Halving twice must agree exactly with one aligned 4x4 box average
	// when the samples are integer-valued (sums and averages are then
	// exact in float32).
	box := blockflow.BboxFromSize(blockflow.Point3d{0, 16, 32}, blockflow.Point3d{2, 16, 16})
	c := randomChunk(box, 42)

	down := Downsample(c, 2)

	ref := blockflow.NewChunk(box.DivScale(blockflow.Point3d{1, 4, 4}))
	for z := box.MinPoint[0]; z < box.MaxPoint[0]; z++ {
		for cy := ref.Off[1]; cy < ref.Off[1]+ref.Size[1]; cy++ {
			for cx := ref.Off[2]; cx < ref.Off[2]+ref.Size[2]; cx++ {
				var sum float32
				for y := cy * 4; y < cy*4+4; y++ {
					for x := cx * 4; x < cx*4+4; x++ {
						sum += c.At(z, y, x)
					}
				}
				ref.Set(z, cy, cx, sum/16)
			}
		}
	}
	if err := CheckAgainstReference(down, ref); err != nil {
		t.Errorf("recursive halving disagrees with single box filter: %v", err)
	}
}

func TestCheckAgainstReferenceMismatch(t *testing.T) {
	box := blockflow.BboxFromSize(blockflow.Point3d{0, 0, 0}, blockflow.Point3d{2, 4, 4})
	a := randomChunk(box, 3)
	b, _ := a.Cutout(box)
	b.Set(1, 2, 3, b.At(1, 2, 3)+5)

	err := CheckAgainstReference(a, b)
	var merr *MismatchError
	if !errors.As(err, &merr) {
		t.Fatalf("expected MismatchError, got %v", err)
	}
	if !merr.At.Equals(blockflow.Point3d{1, 2, 3}) {
		t.Errorf("mismatch located at %s, expected (1,2,3)", merr.At)
	}
	if merr.MeanDiff != 5 {
		t.Errorf("expected mean abs diff 5, got %f", merr.MeanDiff)
	}
}

func TestClampToScale(t *testing.T) {
	box := blockflow.Bbox{
		MinPoint: blockflow.Point3d{10, 3, 17},
		MaxPoint: blockflow.Point3d{12, 30, 65},
	}
	clamped := ClampToScale(box, blockflow.Point3d{0, 0, 0}, 4)
	want := blockflow.Bbox{
		MinPoint: blockflow.Point3d{10, 4, 20},
		MaxPoint: blockflow.Point3d{12, 28, 64},
	}
	if clamped != want {
		t.Errorf("expected clamp %s, got %s", want, clamped)
	}

	// already aligned boxes are untouched
	aligned := blockflow.Bbox{
		MinPoint: blockflow.Point3d{0, 8, 16},
		MaxPoint: blockflow.Point3d{4, 24, 32},
	}
	if got := ClampToScale(aligned, blockflow.Point3d{0, 0, 0}, 8); got != aligned {
		t.Errorf("aligned box was moved: %s", got)
	}

	// origin offset shifts the alignment grid
	shifted := ClampToScale(box, blockflow.Point3d{0, 3, 1}, 4)
	if shifted.MinPoint[1] != 3 {
		t.Errorf("expected y start 3 with origin offset, got %d", shifted.MinPoint[1])
	}
}

func TestValidateByTemplateMatching(t *testing.T) {
	box := blockflow.BboxFromSize(blockflow.Point3d{0, 0, 0}, blockflow.Point3d{64, 64, 64})
	c := randomChunk(box, 7)
	// random dense data has no chance of a 16^3 black block
	for i := range c.Data {
		if c.Data[i] == 0 {
			c.Data[i] = 1
		}
	}
	if !ValidateByTemplateMatching(c) {
		t.Error("dense image flagged as missing data")
	}

	// carve a black box into the middle
	for z := int32(16); z < 48; z++ {
		for y := int32(16); y < 48; y++ {
			for x := int32(16); x < 48; x++ {
				c.Set(z, y, x, 0)
			}
		}
	}
	if ValidateByTemplateMatching(c) {
		t.Error("image with a 32^3 black box passed the heuristic")
	}

	// regions smaller than the template are passed
	tiny := blockflow.NewChunk(blockflow.BboxFromSize(blockflow.Point3d{0, 0, 0}, blockflow.Point3d{4, 4, 4}))
	if !ValidateByTemplateMatching(tiny) {
		t.Error("tiny region should pass the heuristic")
	}
}
