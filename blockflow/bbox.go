package blockflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Bbox is an axis-aligned half-open box [MinPoint, MaxPoint) in global
// voxel coordinates with (z, y, x) axis ordering.  A Bbox is empty iff any
// dimension has MinPoint == MaxPoint.  Bboxes are values and never mutated
// in place; operations return new boxes.
type Bbox struct {
	MinPoint Point3d
	MaxPoint Point3d
}

// NewBbox returns a box spanning [minPt, maxPt).  An error is returned if
// any dimension would have negative extent.
func NewBbox(minPt, maxPt Point3d) (Bbox, error) {
	for dim := 0; dim < 3; dim++ {
		if maxPt[dim] < minPt[dim] {
			return Bbox{}, fmt.Errorf("bad bounding box: max %s < min %s in dim %d", maxPt, minPt, dim)
		}
	}
	return Bbox{minPt, maxPt}, nil
}

// BboxFromSize returns the box at the given offset with the given size.
func BboxFromSize(offset, size Point3d) Bbox {
	return Bbox{offset, offset.Add(size)}
}

// Size returns the extent of the box in each dimension.
func (b Bbox) Size() Point3d {
	return b.MaxPoint.Sub(b.MinPoint)
}

// NumVoxels returns the number of voxels within the box.
func (b Bbox) NumVoxels() int64 {
	return b.Size().Prod()
}

// IsEmpty returns true if any dimension of the box has zero extent.
func (b Bbox) IsEmpty() bool {
	for dim := 0; dim < 3; dim++ {
		if b.MaxPoint[dim] <= b.MinPoint[dim] {
			return true
		}
	}
	return false
}

// Intersect returns the intersection of two boxes.  Disjoint boxes yield
// an explicitly empty box, never one with negative extent.
func (b Bbox) Intersect(b2 Bbox) Bbox {
	minPt := b.MinPoint.Max(b2.MinPoint)
	maxPt := b.MaxPoint.Min(b2.MaxPoint)
	for dim := 0; dim < 3; dim++ {
		if maxPt[dim] < minPt[dim] {
			maxPt[dim] = minPt[dim]
		}
	}
	return Bbox{minPt, maxPt}
}

// Contains returns true if b2 lies fully within the receiver.
func (b Bbox) Contains(b2 Bbox) bool {
	for dim := 0; dim < 3; dim++ {
		if b2.MinPoint[dim] < b.MinPoint[dim] || b2.MaxPoint[dim] > b.MaxPoint[dim] {
			return false
		}
	}
	return true
}

// ContainsPoint returns true if the voxel at p lies within the box.
func (b Bbox) ContainsPoint(p Point3d) bool {
	for dim := 0; dim < 3; dim++ {
		if p[dim] < b.MinPoint[dim] || p[dim] >= b.MaxPoint[dim] {
			return false
		}
	}
	return true
}

// Translate returns the box moved by the given offset.
func (b Bbox) Translate(by Point3d) Bbox {
	return Bbox{b.MinPoint.Add(by), b.MaxPoint.Add(by)}
}

// Expand returns the box grown by the given margin on both sides of every
// dimension.  This is how an output region becomes the input region that
// supplies convolution context.
func (b Bbox) Expand(margin Point3d) Bbox {
	return Bbox{b.MinPoint.Sub(margin), b.MaxPoint.Add(margin)}
}

// Shrink is the inverse of Expand.
func (b Bbox) Shrink(margin Point3d) Bbox {
	return Bbox{b.MinPoint.Add(margin), b.MaxPoint.Sub(margin)}
}

// DivScale returns the box at a coarser scale, floor-dividing both corners
// by the given per-dimension factor.  Flooring both corners toward the
// volume start keeps repeated downscale/upscale round trips reproducible.
func (b Bbox) DivScale(factor Point3d) Bbox {
	return Bbox{b.MinPoint.Div(factor), b.MaxPoint.Div(factor)}
}

// Filename returns a deterministic string encoding of the box used as an
// idempotent artifact key.  The encoding follows the store's width-major
// convention: "x0-x1_y0-y1_z0-z1".
func (b Bbox) Filename() string {
	minPt := b.MinPoint.StoreOrder()
	maxPt := b.MaxPoint.StoreOrder()
	return fmt.Sprintf("%d-%d_%d-%d_%d-%d",
		minPt[0], maxPt[0], minPt[1], maxPt[1], minPt[2], maxPt[2])
}

// Coordinates may be negative, so ranges are matched with a signed
// pattern rather than split on "-".
var bboxRangeRegexp = regexp.MustCompile(`^(-?\d+)-(-?\d+)$`)

// ParseBboxFilename decodes a box from its Filename encoding.
func ParseBboxFilename(fname string) (Bbox, error) {
	parts := strings.Split(fname, "_")
	if len(parts) != 3 {
		return Bbox{}, fmt.Errorf("bad bounding box filename %q", fname)
	}
	var minPt, maxPt Point3d
	for i, part := range parts {
		rng := bboxRangeRegexp.FindStringSubmatch(part)
		if rng == nil {
			return Bbox{}, fmt.Errorf("bad range %q in bounding box filename %q", part, fname)
		}
		beg, err := strconv.ParseInt(rng[1], 10, 32)
		if err != nil {
			return Bbox{}, fmt.Errorf("bad coordinate %q in bounding box filename %q", rng[1], fname)
		}
		end, err := strconv.ParseInt(rng[2], 10, 32)
		if err != nil {
			return Bbox{}, fmt.Errorf("bad coordinate %q in bounding box filename %q", rng[2], fname)
		}
		// filename is in xyz order, internal order is zyx
		minPt[2-i] = int32(beg)
		maxPt[2-i] = int32(end)
	}
	return NewBbox(minPt, maxPt)
}

func (b Bbox) String() string {
	return fmt.Sprintf("%s -> %s", b.MinPoint, b.MaxPoint)
}
