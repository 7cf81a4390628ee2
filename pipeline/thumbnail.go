package pipeline

import (
	"bytes"
	"context"
	"fmt"

	"github.com/klauspost/compress/gzip"

	"github.com/janelia-flyem/blockflow/blockflow"
	"github.com/janelia-flyem/blockflow/storage"
	"github.com/janelia-flyem/blockflow/validate"
)

// thumbnailLevels is how many lateral halvings of the output are published
// for quick visual inspection.
const thumbnailLevels = 3

// publishThumbnail quantizes the last output channel to uint8 and writes a
// few downsampled versions of it through the sink.  Thumbnails are best
// effort: failures are logged but don't fail the run.
func publishThumbnail(ctx context.Context, sink storage.Sink, out *blockflow.Tensor) {
	c := out.Channel(out.Channels - 1)
	for level := 1; level <= thumbnailLevels; level++ {
		c = validate.DownsampleBy2(c)
		if c.Size[1] < 2 || c.Size[2] < 2 {
			break
		}
		quantized := make([]byte, len(c.Data))
		for i, v := range c.Data {
			switch {
			case v <= 0:
				quantized[i] = 0
			case v >= 1:
				quantized[i] = 255
			default:
				quantized[i] = uint8(v * 255)
			}
		}
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(quantized); err != nil {
			blockflow.Errorf("unable to compress thumbnail of %s: %v\n", c.Bbox(), err)
			return
		}
		if err := zw.Close(); err != nil {
			blockflow.Errorf("unable to compress thumbnail of %s: %v\n", c.Bbox(), err)
			return
		}
		path := fmt.Sprintf("thumbnail/%d/%s", level, c.Bbox().Filename())
		if err := sink.Put(ctx, path, buf.Bytes(), "application/gzip"); err != nil {
			blockflow.Errorf("unable to publish thumbnail %q: %v\n", path, err)
			return
		}
	}
}
