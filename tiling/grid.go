/*
Package tiling covers a bounding box with fixed-size overlapping patches,
runs a patch engine on each placement, and blends the per-patch results
into one seamless output tensor.
*/
package tiling

import (
	"fmt"

	"github.com/janelia-flyem/blockflow/blockflow"
)

// Placement is one patch position in global space.  Placements are created
// by Plan and never mutated afterward.
type Placement struct {
	Box blockflow.Bbox
}

// CheckSpec validates a patch/overlap combination.  Overlap is the portion
// repeated between adjacent patches, so stride = patch - overlap must be
// positive in every dimension.
func CheckSpec(patch, overlap blockflow.Point3d) error {
	for dim := 0; dim < 3; dim++ {
		if patch[dim] < 1 {
			return fmt.Errorf("patch size %s must be positive in every dimension", patch)
		}
		if overlap[dim] < 0 || overlap[dim] >= patch[dim] {
			return fmt.Errorf("overlap %s must be in [0, patch size) %s", overlap, patch)
		}
	}
	return nil
}

// Plan computes the ordered set of placements covering the box with no
// gaps.  Placements step by stride = patch - overlap along each dimension
// in zyx order.  If the extent is not an exact multiple of the stride,
// the final patch in that dimension is shifted inward so that it keeps
// full patch size while overlapping its predecessor by more than the
// nominal overlap.  Every patch is full-size and no patch extends outside
// the box.
func Plan(box blockflow.Bbox, patch, overlap blockflow.Point3d) ([]Placement, error) {
	if err := CheckSpec(patch, overlap); err != nil {
		return nil, err
	}
	size := box.Size()
	for dim := 0; dim < 3; dim++ {
		if size[dim] < patch[dim] {
			return nil, fmt.Errorf("region %s smaller than patch %s in dim %d", box, patch, dim)
		}
	}

	starts := make([][]int32, 3)
	for dim := 0; dim < 3; dim++ {
		stride := patch[dim] - overlap[dim]
		beg := box.MinPoint[dim]
		last := box.MaxPoint[dim] - patch[dim]
		var dimStarts []int32
		for s := beg; s <= last; s += stride {
			dimStarts = append(dimStarts, s)
		}
		// inward-shifted last patch for non-multiple extents
		if dimStarts[len(dimStarts)-1] < last {
			dimStarts = append(dimStarts, last)
		}
		starts[dim] = dimStarts
	}

	placements := make([]Placement, 0, len(starts[0])*len(starts[1])*len(starts[2]))
	for _, z := range starts[0] {
		for _, y := range starts[1] {
			for _, x := range starts[2] {
				placements = append(placements, Placement{
					Box: blockflow.BboxFromSize(blockflow.Point3d{z, y, x}, patch),
				})
			}
		}
	}
	return placements, nil
}
