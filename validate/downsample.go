/*
Package validate checks that a fetched image region was downloaded intact.
A downsampled copy of the region is compared against an independently
fetched coarser reference, and a zero-run heuristic flags suspiciously
large black blocks even when no reference is configured.
*/
package validate

import (
	"github.com/janelia-flyem/blockflow/blockflow"
)

// DownsampleBy2 box-averages the chunk by a factor of 2 in the two lateral
// axes, never along depth.  Odd trailing rows or columns are averaged over
// the voxels that exist.  The offset moves to the coarser grid by floor
// division so alignment with independently downsampled volumes holds.
func DownsampleBy2(c *blockflow.Chunk) *blockflow.Chunk {
	outBox := c.Bbox().DivScale(blockflow.Point3d{1, 2, 2})
	out := blockflow.NewChunk(outBox)
	for z := outBox.MinPoint[0]; z < outBox.MaxPoint[0]; z++ {
		for cy := outBox.MinPoint[1]; cy < outBox.MaxPoint[1]; cy++ {
			for cx := outBox.MinPoint[2]; cx < outBox.MaxPoint[2]; cx++ {
				var sum float32
				var n int
				for y := cy * 2; y < cy*2+2; y++ {
					if y < c.Off[1] || y >= c.Off[1]+c.Size[1] {
						continue
					}
					for x := cx * 2; x < cx*2+2; x++ {
						if x < c.Off[2] || x >= c.Off[2]+c.Size[2] {
							continue
						}
						sum += c.At(z, y, x)
						n++
					}
				}
				if n > 0 {
					out.Set(z, cy, cx, sum/float32(n))
				}
			}
		}
	}
	return out
}

// Downsample applies DownsampleBy2 the given number of times.  Downscaling
// by 2^n is defined everywhere in this system as n recursive halvings, not
// one big box filter: direct large-factor division rounds differently and
// would produce spurious mismatches against stores that build their scale
// pyramids by repeated halving.
func Downsample(c *blockflow.Chunk, steps int) *blockflow.Chunk {
	for i := 0; i < steps; i++ {
		c = DownsampleBy2(c)
	}
	return c
}
