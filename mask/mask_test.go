package mask

import (
	"errors"
	"testing"

	"github.com/janelia-flyem/blockflow/blockflow"
)

func TestApplyShortCircuits(t *testing.T) {
	out := blockflow.NewTensor(2, blockflow.BboxFromSize(blockflow.Point3d{0, 0, 0}, blockflow.Point3d{2, 8, 8}))
	for i := range out.Data {
		out.Data[i] = float32(i % 13)
	}
	before := make([]float32, len(out.Data))
	copy(before, out.Data)

	// all-nonzero mask leaves the output bit-identical
	m := blockflow.NewChunk(blockflow.BboxFromSize(blockflow.Point3d{0, 0, 0}, blockflow.Point3d{2, 2, 2}))
	m.Fill(1)
	if err := Apply(out, m, 4); err != nil {
		t.Fatalf("apply error: %v", err)
	}
	for i := range before {
		if out.Data[i] != before[i] {
			t.Fatalf("all-nonzero mask modified output at %d", i)
		}
	}

	// all-zero output makes the stage a no-op even with a partial mask
	zeroOut := blockflow.NewTensor(1, out.Bbox())
	m.Set(0, 0, 0, 0)
	if err := Apply(zeroOut, m, 4); err != nil {
		t.Fatalf("apply error on zero output: %v", err)
	}
	if !zeroOut.AllZero() {
		t.Error("zero output changed by masking")
	}
}

func TestApplyBlockReplication(t *testing.T) {
	// offset exercises the global-to-coarse coordinate mapping
	off := blockflow.Point3d{10, 8, 16}
	out := blockflow.NewTensor(1, blockflow.BboxFromSize(off, blockflow.Point3d{2, 8, 8}))
	for i := range out.Data {
		out.Data[i] = 2
	}

	factor := int32(4)
	m := blockflow.NewChunk(CoarseBbox(out.Bbox(), factor))
	if !m.Size.Equals(blockflow.Point3d{2, 2, 2}) {
		t.Fatalf("unexpected coarse mask size %s", m.Size)
	}
	// mask out one coarse element of the first section
	m.Fill(1)
	m.Set(10, 2, 4, 0)

	if err := Apply(out, m, factor); err != nil {
		t.Fatalf("apply error: %v", err)
	}
	for z := int32(10); z < 12; z++ {
		for y := int32(8); y < 16; y++ {
			for x := int32(16); x < 24; x++ {
				want := float32(2)
				if z == 10 && y < 12 && x < 20 {
					want = 0 // the replicated 4x4 block of the zeroed element
				}
				if got := out.At(0, z, y, x); got != want {
					t.Fatalf("voxel (%d,%d,%d): expected %f, got %f", z, y, x, want, got)
				}
			}
		}
	}
}

func TestApplyUnalignedOffset(t *testing.T) {
	// A lateral offset off the coarse grid passes the coverage check since
	// both corners floor to the same coarse box, but its far rows map one
	// coarse element past the mask.  It must fail, not index out of range.
	out := blockflow.NewTensor(1, blockflow.BboxFromSize(blockflow.Point3d{0, 2, 2}, blockflow.Point3d{1, 8, 8}))
	for i := range out.Data {
		out.Data[i] = 1
	}
	factor := int32(4)
	m := blockflow.NewChunk(CoarseBbox(out.Bbox(), factor))
	m.Fill(1)
	m.Set(0, 0, 0, 0)

	err := Apply(out, m, factor)
	var cerr *ConsistencyError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConsistencyError for unaligned offset, got %v", err)
	}
}

func TestApplyConsistencyError(t *testing.T) {
	out := blockflow.NewTensor(1, blockflow.BboxFromSize(blockflow.Point3d{0, 0, 0}, blockflow.Point3d{1, 4, 4}))
	out.Data[0] = 5

	// misaligned mask box must fail loudly
	m := blockflow.NewChunk(blockflow.BboxFromSize(blockflow.Point3d{0, 5, 5}, blockflow.Point3d{1, 1, 1}))
	m.Set(0, 5, 5, 0) // ensure not all-nonzero so the check is reached
	err := Apply(out, m, 4)
	var cerr *ConsistencyError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConsistencyError, got %v", err)
	}
}
