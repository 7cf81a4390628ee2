package validate

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/janelia-flyem/blockflow/blockflow"
)

// MismatchError reports disagreement between a downsampled image and its
// independently fetched reference.  The run is not aborted on mismatch;
// the orchestrator routes its log to the error path instead.
type MismatchError struct {
	At       blockflow.Point3d
	Got      float32
	Want     float32
	MeanDiff float64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("downsampled image disagrees with reference at %s: got %f, want %f (mean abs diff %f)",
		e.At, e.Got, e.Want, e.MeanDiff)
}

// ClampToScale shrinks the box so that both lateral corners land on the
// coarser grid implied by the factor, relative to the volume origin.  The
// depth axis is untouched.  The clamped region is the largest aligned box
// inside the original.
func ClampToScale(box blockflow.Bbox, origin blockflow.Point3d, factor int32) blockflow.Bbox {
	clamped := box
	for dim := 1; dim < 3; dim++ {
		rem := floorMod(box.MinPoint[dim]-origin[dim], factor)
		if rem != 0 {
			clamped.MinPoint[dim] += factor - rem
		}
		clamped.MaxPoint[dim] -= floorMod(box.MaxPoint[dim]-origin[dim], factor)
		if clamped.MaxPoint[dim] < clamped.MinPoint[dim] {
			clamped.MaxPoint[dim] = clamped.MinPoint[dim]
		}
	}
	return clamped
}

// CheckAgainstReference compares two chunks element-wise over their common
// bounding box, which must be identical.  Any differing voxel is a hard
// validation failure.
func CheckAgainstReference(down, ref *blockflow.Chunk) error {
	if down.Bbox() != ref.Bbox() {
		return fmt.Errorf("downsampled box %s does not match reference box %s", down.Bbox(), ref.Bbox())
	}
	var firstBad *MismatchError
	diffs := make([]float64, 0, len(down.Data))
	box := down.Bbox()
	for z := box.MinPoint[0]; z < box.MaxPoint[0]; z++ {
		for y := box.MinPoint[1]; y < box.MaxPoint[1]; y++ {
			for x := box.MinPoint[2]; x < box.MaxPoint[2]; x++ {
				got := down.At(z, y, x)
				want := ref.At(z, y, x)
				if got != want {
					if firstBad == nil {
						firstBad = &MismatchError{At: blockflow.Point3d{z, y, x}, Got: got, Want: want}
					}
					diffs = append(diffs, float64(got-want))
				}
			}
		}
	}
	if firstBad != nil {
		absDiffs := make([]float64, len(diffs))
		for i, d := range diffs {
			if d < 0 {
				d = -d
			}
			absDiffs[i] = d
		}
		firstBad.MeanDiff = stat.Mean(absDiffs, nil)
		blockflow.Errorf("Image validation failed: %d of %d samples differ\n", len(diffs), len(down.Data))
		return firstBad
	}
	return nil
}

// zero-run heuristic window; big enough that dense image data essentially
// never produces a fully black block of this size by chance.
const (
	templateSize   = 16
	templateStride = 8
)

// ValidateByTemplateMatching scans the chunk for anomalously large
// contiguous all-zero blocks, the signature of silently missing data.
// It returns false if any all-zero template-sized block is found.
// Regions smaller than the template in any dimension are passed.
func ValidateByTemplateMatching(c *blockflow.Chunk) bool {
	for dim := 0; dim < 3; dim++ {
		if c.Size[dim] < templateSize {
			return true
		}
	}
	for z := int32(0); z+templateSize <= c.Size[0]; z += templateStride {
		for y := int32(0); y+templateSize <= c.Size[1]; y += templateStride {
			for x := int32(0); x+templateSize <= c.Size[2]; x += templateStride {
				if zeroBlock(c, z, y, x) {
					blockflow.Warningf("Found all-zero %d^3 block at local (%d,%d,%d) of %s\n",
						templateSize, z, y, x, c.Bbox())
					return false
				}
			}
		}
	}
	return true
}

func zeroBlock(c *blockflow.Chunk, z0, y0, x0 int32) bool {
	for z := z0; z < z0+templateSize; z++ {
		for y := y0; y < y0+templateSize; y++ {
			i := (int64(z)*int64(c.Size[1]) + int64(y)) * int64(c.Size[2])
			for x := x0; x < x0+templateSize; x++ {
				if c.Data[i+int64(x)] != 0 {
					return false
				}
			}
		}
	}
	return true
}

func floorMod(a, b int32) int32 {
	m := a % b
	if m != 0 && ((a < 0) != (b < 0)) {
		m += b
	}
	return m
}
