/*
Package storage provides access to chunked volumes and run artifacts kept
in blob storage.  Axis order at this boundary is the store's width-major
(x, y, z) convention; translation to the depth-major internal order
happens here and nowhere else.
*/
package storage

import (
	"context"
	"fmt"

	"gocloud.dev/blob"

	// Supported bucket schemes.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/janelia-flyem/blockflow/blockflow"
)

// FetchError wraps a store read failure with the requested region.  Fetch
// failures are fatal for the invocation and are not retried here; retry is
// the task queue's responsibility.
type FetchError struct {
	Box blockflow.Bbox
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch of %s failed: %v", e.Box, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// VolumeStore reads and writes dense voxel regions by global coordinate
// range.
type VolumeStore interface {
	// Read returns the single-channel samples covering the box.
	Read(ctx context.Context, box blockflow.Bbox) (*blockflow.Chunk, error)

	// ReadTensor returns all channels covering the box.
	ReadTensor(ctx context.Context, box blockflow.Bbox) (*blockflow.Tensor, error)

	// WriteTensor stores all channels of the tensor at its global location.
	WriteTensor(ctx context.Context, t *blockflow.Tensor) error

	// WriteChunk stores a single-channel chunk at its global location.
	WriteChunk(ctx context.Context, c *blockflow.Chunk) error
}

// Sink stores small run artifacts such as logs and thumbnails.
type Sink interface {
	Put(ctx context.Context, path string, content []byte, contentType string) error
}

// OpenBucket opens a blob bucket by URL, e.g. "gs://my-volumes" or
// "file:///data/volumes".
func OpenBucket(ctx context.Context, url string) (*blob.Bucket, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("can't open bucket %q: %v", url, err)
	}
	return bucket, nil
}

type blobSink struct {
	bucket *blob.Bucket
}

// NewSink returns a Sink backed by the given bucket.
func NewSink(bucket *blob.Bucket) Sink {
	return &blobSink{bucket}
}

func (s *blobSink) Put(ctx context.Context, path string, content []byte, contentType string) error {
	opts := &blob.WriterOptions{ContentType: contentType}
	if err := s.bucket.WriteAll(ctx, path, content, opts); err != nil {
		return fmt.Errorf("can't write artifact %q: %v", path, err)
	}
	blockflow.Debugf("Wrote artifact %q (%d bytes)\n", path, len(content))
	return nil
}
