package tiling

import (
	"fmt"
	"sync"

	"github.com/janelia-flyem/blockflow/blockflow"
)

// weightProfile holds the separable per-axis blend weights for one patch
// shape.  The taper is a linear ramp rising over the overlap width from
// 1/(overlap+1) at the patch face to 1 in the interior, so every weight is
// strictly positive and overlapping patches always sum to a weight bounded
// away from zero.
type weightProfile struct {
	axis [3][]float32
}

func newWeightProfile(patch, overlap blockflow.Point3d) *weightProfile {
	var wp weightProfile
	for dim := 0; dim < 3; dim++ {
		n := patch[dim]
		ramp := overlap[dim]
		w := make([]float32, n)
		for i := int32(0); i < n; i++ {
			w[i] = 1
			if i < ramp {
				w[i] = float32(i+1) / float32(ramp+1)
			}
			if d := n - 1 - i; d < ramp {
				wd := float32(d+1) / float32(ramp+1)
				if wd < w[i] {
					w[i] = wd
				}
			}
		}
		wp.axis[dim] = w
	}
	return &wp
}

// at returns the blend weight for patch-local coordinate (z, y, x).
func (wp *weightProfile) at(z, y, x int32) float32 {
	return wp.axis[0][z] * wp.axis[1][y] * wp.axis[2][x]
}

// Blender accumulates weighted patch contributions over an output region.
// It owns two co-sized buffers, a running weighted sum and a running
// weight total, for the duration of one tiling run.
type Blender struct {
	sum    *blockflow.Tensor
	weight *blockflow.Chunk

	mu sync.Mutex
}

// NewBlender returns a blender covering the given region.
func NewBlender(channels int, box blockflow.Bbox) *Blender {
	return &Blender{
		sum:    blockflow.NewTensor(channels, box),
		weight: blockflow.NewChunk(box),
	}
}

// Put accumulates one patch result.  If preweighted, the engine already
// tapered the patch values in device and only the weights are applied
// host-side; otherwise each sample is multiplied by its blend weight
// before accumulation.  Concurrent callers are serialized.
func (b *Blender) Put(t *blockflow.Tensor, wp *weightProfile, preweighted bool) error {
	if t.Channels != b.sum.Channels {
		return fmt.Errorf("patch tensor has %d channels, blender has %d", t.Channels, b.sum.Channels)
	}
	if !b.sum.Bbox().Contains(t.Bbox()) {
		return fmt.Errorf("patch %s outside blend region %s", t.Bbox(), b.sum.Bbox())
	}
	box := t.Bbox()

	b.mu.Lock()
	defer b.mu.Unlock()
	for z := box.MinPoint[0]; z < box.MaxPoint[0]; z++ {
		lz := z - box.MinPoint[0]
		for y := box.MinPoint[1]; y < box.MaxPoint[1]; y++ {
			ly := y - box.MinPoint[1]
			wRow := b.weight.Index(z, y, box.MinPoint[2])
			for x := box.MinPoint[2]; x < box.MaxPoint[2]; x++ {
				w := wp.at(lz, ly, x-box.MinPoint[2])
				b.weight.Data[wRow+int64(x-box.MinPoint[2])] += w
			}
		}
	}
	for c := 0; c < t.Channels; c++ {
		src := t.Channel(c)
		dst := b.sum.Channel(c)
		for z := box.MinPoint[0]; z < box.MaxPoint[0]; z++ {
			lz := z - box.MinPoint[0]
			for y := box.MinPoint[1]; y < box.MaxPoint[1]; y++ {
				ly := y - box.MinPoint[1]
				si := src.Index(z, y, box.MinPoint[2])
				di := dst.Index(z, y, box.MinPoint[2])
				for lx := int64(0); lx < int64(box.Size()[2]); lx++ {
					v := src.Data[si+lx]
					if !preweighted {
						v *= wp.at(lz, ly, int32(lx))
					}
					dst.Data[di+lx] += v
				}
			}
		}
	}
	return nil
}

// Finalize normalizes the accumulated sums by the accumulated weights and
// returns the blended output.  Every voxel of the region must have been
// covered by at least one patch; a zero weight anywhere means the plan had
// a gap and is reported as an error rather than a divide-by-zero.
func (b *Blender) Finalize() (*blockflow.Tensor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.weight.Data {
		if w <= 0 {
			z := b.weight.Off[0] + int32(i/(int(b.weight.Size[1])*int(b.weight.Size[2])))
			return nil, fmt.Errorf("uncovered voxel near depth %d in blend region %s", z, b.weight.Bbox())
		}
	}
	n := b.sum.VoxelsPerChannel()
	for c := 0; c < b.sum.Channels; c++ {
		data := b.sum.Channel(c).Data
		for i := int64(0); i < n; i++ {
			data[i] /= b.weight.Data[i]
		}
	}
	out := b.sum
	b.sum = nil // buffers are discarded after normalization
	return out, nil
}
