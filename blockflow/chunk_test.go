package blockflow

import (
	"testing"
)

// fillSequential gives every voxel a distinct value derived from its
// global coordinate so copies can be verified voxel by voxel.
func fillSequential(c *Chunk) {
	box := c.Bbox()
	for z := box.MinPoint[0]; z < box.MaxPoint[0]; z++ {
		for y := box.MinPoint[1]; y < box.MaxPoint[1]; y++ {
			for x := box.MinPoint[2]; x < box.MaxPoint[2]; x++ {
				c.Set(z, y, x, float32(z)*10000+float32(y)*100+float32(x))
			}
		}
	}
}

func TestChunkCutout(t *testing.T) {
	c := NewChunk(BboxFromSize(Point3d{10, 20, 30}, Point3d{8, 8, 8}))
	fillSequential(c)

	box := BboxFromSize(Point3d{12, 22, 32}, Point3d{3, 4, 5})
	cut, err := c.Cutout(box)
	if err != nil {
		t.Fatalf("cutout error: %v", err)
	}
	if cut.Bbox() != box {
		t.Fatalf("cutout box %s != %s", cut.Bbox(), box)
	}
	for z := box.MinPoint[0]; z < box.MaxPoint[0]; z++ {
		for y := box.MinPoint[1]; y < box.MaxPoint[1]; y++ {
			for x := box.MinPoint[2]; x < box.MaxPoint[2]; x++ {
				if cut.At(z, y, x) != c.At(z, y, x) {
					t.Fatalf("bad cutout value at (%d,%d,%d)", z, y, x)
				}
			}
		}
	}

	// A slice not fully contained must fail, not silently clamp.
	if _, err := c.Cutout(BboxFromSize(Point3d{9, 20, 30}, Point3d{2, 2, 2})); err == nil {
		t.Errorf("expected out-of-range error on cutout")
	}
}

func TestChunkZeroSection(t *testing.T) {
	// Missing section ids [100, 105] against an image spanning depth
	// [90, 110) must zero exactly those two xy planes.
	c := NewChunk(BboxFromSize(Point3d{90, 0, 0}, Point3d{20, 4, 4}))
	c.Fill(7)
	for _, id := range []int32{100, 105, 200} {
		c.ZeroSection(id)
	}
	for z := int32(90); z < 110; z++ {
		for y := int32(0); y < 4; y++ {
			for x := int32(0); x < 4; x++ {
				want := float32(7)
				if z == 100 || z == 105 {
					want = 0
				}
				if c.At(z, y, x) != want {
					t.Fatalf("section %d: expected %f at (%d,%d,%d), got %f",
						z, want, z, y, x, c.At(z, y, x))
				}
			}
		}
	}
}

func TestChunkPredicates(t *testing.T) {
	c := NewChunk(BboxFromSize(Point3d{0, 0, 0}, Point3d{2, 2, 2}))
	if !c.AllZero() {
		t.Errorf("fresh chunk should be all zero")
	}
	c.Set(1, 1, 1, 3)
	if c.AllZero() || c.AllNonzero() {
		t.Errorf("mixed chunk misclassified")
	}
	c.Fill(1)
	if !c.AllNonzero() {
		t.Errorf("filled chunk should be all nonzero")
	}
}

func TestTensorCropMargin(t *testing.T) {
	// Cropping M=(4,32,32) from a (3, 68, 320, 320) buffer must yield
	// (3, 60, 256, 256) with interior voxels preserved.
	box := BboxFromSize(Point3d{0, 0, 0}, Point3d{68, 320, 320})
	tensor := NewTensor(3, box)
	for c := 0; c < 3; c++ {
		fillSequential(tensor.Channel(c))
		chunk := tensor.Channel(c)
		for i := range chunk.Data {
			chunk.Data[i] += float32(c) * 1e7
		}
	}

	margin := Point3d{4, 32, 32}
	cropped, err := tensor.CropMargin(margin)
	if err != nil {
		t.Fatalf("crop error: %v", err)
	}
	if !cropped.Size.Equals(Point3d{60, 256, 256}) {
		t.Fatalf("expected cropped size (60,256,256), got %s", cropped.Size)
	}
	if !cropped.Off.Equals(Point3d{4, 32, 32}) {
		t.Fatalf("expected cropped offset (4,32,32), got %s", cropped.Off)
	}
	for c := 0; c < 3; c++ {
		for _, pt := range []Point3d{{4, 32, 32}, {30, 100, 200}, {63, 287, 287}} {
			want := tensor.At(c, pt[0], pt[1], pt[2])
			got := cropped.At(c, pt[0], pt[1], pt[2])
			if got != want {
				t.Fatalf("channel %d voxel %s: expected %f, got %f", c, pt, want, got)
			}
		}
	}

	if _, err := tensor.CropMargin(Point3d{40, 32, 32}); err == nil {
		t.Errorf("expected error when margin leaves no interior")
	}
}

func TestTensorChannelView(t *testing.T) {
	tensor := NewTensor(2, BboxFromSize(Point3d{5, 5, 5}, Point3d{2, 3, 4}))
	tensor.Set(1, 6, 7, 8, 42)
	if tensor.Channel(1).At(6, 7, 8) != 42 {
		t.Errorf("channel view does not share backing array")
	}
	if tensor.Channel(0).At(6, 7, 8) != 0 {
		t.Errorf("channel 0 unexpectedly written")
	}
}
