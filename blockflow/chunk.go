package blockflow

import (
	"fmt"
)

// Chunk is a dense 3d array of float32 samples plus the global coordinate
// of its first element.  Data is laid out depth-major (z slowest, x
// fastest), matching the internal processing order.
type Chunk struct {
	Off  Point3d
	Size Point3d
	Data []float32
}

// NewChunk returns a zeroed chunk covering the given box.
func NewChunk(box Bbox) *Chunk {
	return &Chunk{
		Off:  box.MinPoint,
		Size: box.Size(),
		Data: make([]float32, box.NumVoxels()),
	}
}

// ChunkFromData wraps existing data with an offset, checking the length
// against the given size.
func ChunkFromData(data []float32, offset, size Point3d) (*Chunk, error) {
	if int64(len(data)) != size.Prod() {
		return nil, fmt.Errorf("data length %d does not match chunk size %s", len(data), size)
	}
	return &Chunk{Off: offset, Size: size, Data: data}, nil
}

// Bbox returns the global bounding box of the chunk.
func (c *Chunk) Bbox() Bbox {
	return BboxFromSize(c.Off, c.Size)
}

// Index returns the position within Data of the voxel at global (z, y, x).
// No bounds checking is done.
func (c *Chunk) Index(z, y, x int32) int64 {
	lz := int64(z - c.Off[0])
	ly := int64(y - c.Off[1])
	lx := int64(x - c.Off[2])
	return (lz*int64(c.Size[1])+ly)*int64(c.Size[2]) + lx
}

// At returns the value of the voxel at global (z, y, x).
func (c *Chunk) At(z, y, x int32) float32 {
	return c.Data[c.Index(z, y, x)]
}

// Set sets the value of the voxel at global (z, y, x).
func (c *Chunk) Set(z, y, x int32, v float32) {
	c.Data[c.Index(z, y, x)] = v
}

// Cutout returns a copy of the portion of the chunk covered by the given
// global box.  An error is returned if the box is not fully contained.
func (c *Chunk) Cutout(box Bbox) (*Chunk, error) {
	if !c.Bbox().Contains(box) {
		return nil, fmt.Errorf("cutout %s not contained in chunk %s", box, c.Bbox())
	}
	out := NewChunk(box)
	nx := int64(box.Size()[2])
	for z := box.MinPoint[0]; z < box.MaxPoint[0]; z++ {
		for y := box.MinPoint[1]; y < box.MaxPoint[1]; y++ {
			src := c.Index(z, y, box.MinPoint[2])
			dst := out.Index(z, y, box.MinPoint[2])
			copy(out.Data[dst:dst+nx], c.Data[src:src+nx])
		}
	}
	return out, nil
}

// ZeroSection zeroes the full xy plane at global depth z.  Sections outside
// the chunk's extent are ignored.
func (c *Chunk) ZeroSection(z int32) {
	if z < c.Off[0] || z >= c.Off[0]+c.Size[0] {
		return
	}
	planeLen := int64(c.Size[1]) * int64(c.Size[2])
	beg := int64(z-c.Off[0]) * planeLen
	plane := c.Data[beg : beg+planeLen]
	for i := range plane {
		plane[i] = 0
	}
}

// AllZero returns true if every sample in the chunk is zero.
func (c *Chunk) AllZero() bool {
	for _, v := range c.Data {
		if v != 0 {
			return false
		}
	}
	return true
}

// AllNonzero returns true if no sample in the chunk is zero.
func (c *Chunk) AllNonzero() bool {
	for _, v := range c.Data {
		if v == 0 {
			return false
		}
	}
	return true
}

// Fill sets every sample to the given value.
func (c *Chunk) Fill(v float32) {
	for i := range c.Data {
		c.Data[i] = v
	}
}

// Tensor is a multi-channel chunk: a dense (channel, z, y, x) array plus
// the global spatial coordinate of its first voxel.  Channel is the
// slowest-varying dimension.
type Tensor struct {
	Channels int
	Off      Point3d
	Size     Point3d
	Data     []float32
}

// NewTensor returns a zeroed tensor with the given number of channels
// covering the given spatial box.
func NewTensor(channels int, box Bbox) *Tensor {
	return &Tensor{
		Channels: channels,
		Off:      box.MinPoint,
		Size:     box.Size(),
		Data:     make([]float32, int64(channels)*box.NumVoxels()),
	}
}

// Bbox returns the global spatial bounding box of the tensor.
func (t *Tensor) Bbox() Bbox {
	return BboxFromSize(t.Off, t.Size)
}

// VoxelsPerChannel returns the number of voxels in one channel.
func (t *Tensor) VoxelsPerChannel() int64 {
	return t.Size.Prod()
}

// Channel returns the samples of one channel as a 3d chunk sharing the
// tensor's backing array.
func (t *Tensor) Channel(c int) *Chunk {
	n := t.VoxelsPerChannel()
	return &Chunk{
		Off:  t.Off,
		Size: t.Size,
		Data: t.Data[int64(c)*n : int64(c+1)*n],
	}
}

// At returns the value of channel c at global (z, y, x).
func (t *Tensor) At(c int, z, y, x int32) float32 {
	return t.Channel(c).At(z, y, x)
}

// Set sets the value of channel c at global (z, y, x).
func (t *Tensor) Set(c int, z, y, x int32, v float32) {
	t.Channel(c).Set(z, y, x, v)
}

// CropMargin returns a copy of the tensor with the given margin removed
// from both sides of every spatial dimension.
func (t *Tensor) CropMargin(margin Point3d) (*Tensor, error) {
	interior := t.Bbox().Shrink(margin)
	if interior.IsEmpty() && !t.Bbox().IsEmpty() {
		return nil, fmt.Errorf("margin %s leaves no interior of tensor %s", margin, t.Bbox())
	}
	out := NewTensor(t.Channels, interior)
	for c := 0; c < t.Channels; c++ {
		src := t.Channel(c)
		dst := out.Channel(c)
		nx := int64(interior.Size()[2])
		for z := interior.MinPoint[0]; z < interior.MaxPoint[0]; z++ {
			for y := interior.MinPoint[1]; y < interior.MaxPoint[1]; y++ {
				si := src.Index(z, y, interior.MinPoint[2])
				di := dst.Index(z, y, interior.MinPoint[2])
				copy(dst.Data[di:di+nx], src.Data[si:si+nx])
			}
		}
	}
	return out, nil
}

// AllZero returns true if every sample in every channel is zero.
func (t *Tensor) AllZero() bool {
	for _, v := range t.Data {
		if v != 0 {
			return false
		}
	}
	return true
}
