package blockflow

import (
	"fmt"
	"strconv"
	"strings"
)

// Point3d is an ordered (z, y, x) triple of signed 32-bit voxel coordinates.
// The depth-major ordering matches how volumes are laid out in memory for
// processing; conversion to the width-major order used by chunked stores is
// done explicitly with StoreOrder, never implicitly.
type Point3d [3]int32

// StoreOrder returns the point with its axes reversed into the (x, y, z)
// ordering used at the storage boundary.
func (p Point3d) StoreOrder() Point3d {
	return Point3d{p[2], p[1], p[0]}
}

// Add returns the addition of two points.
func (p Point3d) Add(p2 Point3d) Point3d {
	return Point3d{p[0] + p2[0], p[1] + p2[1], p[2] + p2[2]}
}

// Sub returns the subtraction of the passed point from the receiver.
func (p Point3d) Sub(p2 Point3d) Point3d {
	return Point3d{p[0] - p2[0], p[1] - p2[1], p[2] - p2[2]}
}

// Mult returns the component-wise multiplication of two points.
func (p Point3d) Mult(p2 Point3d) Point3d {
	return Point3d{p[0] * p2[0], p[1] * p2[1], p[2] * p2[2]}
}

// Div returns the component-wise floor division of the receiver by the
// passed point.  Unlike Go's truncating division, the result is always
// rounded toward negative infinity so that repeated downscale/upscale
// round trips land on the same grid regardless of coordinate sign.
func (p Point3d) Div(p2 Point3d) Point3d {
	return Point3d{floorDiv(p[0], p2[0]), floorDiv(p[1], p2[1]), floorDiv(p[2], p2[2])}
}

// Mod returns a point where each component is the receiver modulo the
// passed point's components.  The result is always nonnegative for
// positive divisors, matching Div's floor semantics.
func (p Point3d) Mod(p2 Point3d) Point3d {
	return Point3d{floorMod(p[0], p2[0]), floorMod(p[1], p2[1]), floorMod(p[2], p2[2])}
}

// Max returns a point where each element is the maximum of the two points' elements.
func (p Point3d) Max(p2 Point3d) Point3d {
	result := p
	for dim := 0; dim < 3; dim++ {
		if p2[dim] > result[dim] {
			result[dim] = p2[dim]
		}
	}
	return result
}

// Min returns a point where each element is the minimum of the two points' elements.
func (p Point3d) Min(p2 Point3d) Point3d {
	result := p
	for dim := 0; dim < 3; dim++ {
		if p2[dim] < result[dim] {
			result[dim] = p2[dim]
		}
	}
	return result
}

// Prod returns the product of the point's elements.
func (p Point3d) Prod() int64 {
	return int64(p[0]) * int64(p[1]) * int64(p[2])
}

// Equals returns true if the two points are identical.
func (p Point3d) Equals(p2 Point3d) bool {
	return p[0] == p2[0] && p[1] == p2[1] && p[2] == p2[2]
}

func (p Point3d) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p[0], p[1], p[2])
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int32) int32 {
	m := a % b
	if m != 0 && ((a < 0) != (b < 0)) {
		m += b
	}
	return m
}

// StringToPoint3d converts a separated string of coordinates ("2,128,128")
// into a Point3d in the same order as given.
func StringToPoint3d(s, sep string) (p Point3d, err error) {
	parts := strings.Split(s, sep)
	if len(parts) != 3 {
		err = fmt.Errorf("string %q is not a 3d point", s)
		return
	}
	for dim, part := range parts {
		var v int64
		v, err = strconv.ParseInt(strings.TrimSpace(part), 10, 32)
		if err != nil {
			err = fmt.Errorf("bad coordinate %q in point %q", part, s)
			return
		}
		p[dim] = int32(v)
	}
	return
}
