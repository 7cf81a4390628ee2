/*
Package mask multiplies a coarser-resolution inclusion mask into an output
tensor.  The mask is sampled at a known integer factor below the output in
the two lateral axes and is upsampled by block replication; depth is never
scaled.
*/
package mask

import (
	"fmt"

	"github.com/janelia-flyem/blockflow/blockflow"
)

// ConsistencyError indicates a mask/output alignment bug, e.g. an
// upsampled mask that is entirely zero even though the coarse mask was
// not.  It is a configuration problem, not a data problem, and must fail
// the run loudly rather than silently zero the output.
type ConsistencyError struct {
	Msg string
}

func (e *ConsistencyError) Error() string {
	return "mask inconsistency: " + e.Msg
}

// CoarseBbox returns the box at mask resolution covering the given output
// box: the lateral axes are floor-divided by the factor, depth is kept.
func CoarseBbox(box blockflow.Bbox, factor int32) blockflow.Bbox {
	return box.DivScale(blockflow.Point3d{1, factor, factor})
}

// Apply multiplies the coarse mask m into every channel of out.  Each
// coarse element is broadcast to a factor x factor lateral block of output
// voxels.
//
// Two short-circuits keep the common cases cheap: an all-nonzero mask
// leaves the output untouched (multiplication would not change it) and an
// all-zero output needs no masking.  After those, an upsampled mask that
// zeroes everything can only mean misalignment and yields a
// ConsistencyError.
func Apply(out *blockflow.Tensor, m *blockflow.Chunk, factor int32) error {
	if factor < 1 {
		return &ConsistencyError{fmt.Sprintf("bad lateral upsampling factor %d", factor)}
	}
	if m.AllNonzero() {
		blockflow.Debugf("Mask elements are all positive, output unchanged\n")
		return nil
	}
	if out.AllZero() {
		blockflow.Debugf("Output volume is all black, skipping masking\n")
		return nil
	}

	wantBox := CoarseBbox(out.Bbox(), factor)
	if m.Bbox() != wantBox {
		return &ConsistencyError{fmt.Sprintf("mask %s does not cover output %s at factor %d (want %s)",
			m.Bbox(), out.Bbox(), factor, wantBox)}
	}
	if out.Size[1]%factor != 0 || out.Size[2]%factor != 0 {
		return &ConsistencyError{fmt.Sprintf("output extent %s not a multiple of mask factor %d",
			out.Size, factor)}
	}
	// An unaligned lateral offset would make the floor-divided coordinates
	// of the far rows land one coarse element past the mask.
	if out.Off[1]%factor != 0 || out.Off[2]%factor != 0 {
		return &ConsistencyError{fmt.Sprintf("output offset %s not aligned to mask factor %d",
			out.Off, factor)}
	}

	// Upsample by block replication into a full-resolution weight plane
	// set, then multiply it into every channel.
	ups := blockflow.NewChunk(out.Bbox())
	for z := int32(0); z < out.Size[0]; z++ {
		gz := out.Off[0] + z
		for y := int32(0); y < out.Size[1]; y++ {
			gy := out.Off[1] + y
			cy := floorDiv(gy, factor)
			row := ups.Index(gz, gy, out.Off[2])
			for x := int32(0); x < out.Size[2]; x++ {
				cx := floorDiv(out.Off[2]+x, factor)
				ups.Data[row+int64(x)] = m.At(gz, cy, cx)
			}
		}
	}
	if ups.AllZero() {
		return &ConsistencyError{fmt.Sprintf("upsampled mask for %s is entirely zero", out.Bbox())}
	}

	for c := 0; c < out.Channels; c++ {
		data := out.Channel(c).Data
		for i, w := range ups.Data {
			data[i] *= w
		}
	}
	return nil
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
