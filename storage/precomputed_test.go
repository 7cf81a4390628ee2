package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/janelia-flyem/blockflow/blockflow"
)

func newTestVolume(t *testing.T, encoding string, channels int, opts StoreOptions) (*Store, *blob.Bucket) {
	t.Helper()
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	vol := VolumeInfo{
		DataType:    "float32",
		NumChannels: channels,
		Scales: []ScaleInfo{
			{
				Key:         "4_4_40",
				ChunkSize:   [3]int32{16, 16, 8}, // xyz
				Size:        [3]int32{64, 64, 32},
				VoxelOffset: [3]int32{32, 16, 8},
				Encoding:    encoding,
			},
		},
	}
	if err := CreateVolume(ctx, bucket, vol); err != nil {
		t.Fatalf("couldn't create volume: %v", err)
	}
	store, err := NewStore(ctx, bucket, "mem://test", "4_4_40", opts)
	if err != nil {
		t.Fatalf("couldn't open volume: %v", err)
	}
	return store, bucket
}

func fillGradient(c *blockflow.Chunk) {
	box := c.Bbox()
	for z := box.MinPoint[0]; z < box.MaxPoint[0]; z++ {
		for y := box.MinPoint[1]; y < box.MaxPoint[1]; y++ {
			for x := box.MinPoint[2]; x < box.MaxPoint[2]; x++ {
				c.Set(z, y, x, float32((z*7+y*3+x)%251))
			}
		}
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for _, encoding := range []string{"raw", "snappy", "gzip"} {
		store, _ := newTestVolume(t, encoding, 1, StoreOptions{})
		ctx := context.Background()

		// two chunks wide in x, one elsewhere: offset zyx {8, 16, 32}
		box := blockflow.BboxFromSize(blockflow.Point3d{8, 16, 32}, blockflow.Point3d{8, 16, 32})
		chunk := blockflow.NewChunk(box)
		fillGradient(chunk)
		if err := store.WriteChunk(ctx, chunk); err != nil {
			t.Fatalf("[%s] write failed: %v", encoding, err)
		}

		got, err := store.Read(ctx, box)
		if err != nil {
			t.Fatalf("[%s] read failed: %v", encoding, err)
		}
		for i, v := range got.Data {
			if v != chunk.Data[i] {
				t.Fatalf("[%s] voxel %d: got %f, wrote %f", encoding, i, v, chunk.Data[i])
			}
		}

		// a sub-box read crossing the chunk boundary
		sub := blockflow.BboxFromSize(blockflow.Point3d{10, 20, 40}, blockflow.Point3d{4, 8, 16})
		got, err = store.Read(ctx, sub)
		if err != nil {
			t.Fatalf("[%s] sub-box read failed: %v", encoding, err)
		}
		for z := sub.MinPoint[0]; z < sub.MaxPoint[0]; z++ {
			for y := sub.MinPoint[1]; y < sub.MaxPoint[1]; y++ {
				for x := sub.MinPoint[2]; x < sub.MaxPoint[2]; x++ {
					if got.At(z, y, x) != chunk.At(z, y, x) {
						t.Fatalf("[%s] voxel (%d,%d,%d): got %f, wrote %f",
							encoding, z, y, x, got.At(z, y, x), chunk.At(z, y, x))
					}
				}
			}
		}
	}
}

func TestStoreMultichannel(t *testing.T) {
	store, _ := newTestVolume(t, "raw", 3, StoreOptions{})
	ctx := context.Background()

	box := blockflow.BboxFromSize(blockflow.Point3d{8, 16, 32}, blockflow.Point3d{8, 16, 16})
	tensor := blockflow.NewTensor(3, box)
	for c := 0; c < 3; c++ {
		fillGradient(tensor.Channel(c))
		tensor.Set(c, 8, 16, 32, float32(c+1))
	}
	if err := store.WriteTensor(ctx, tensor); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	got, err := store.ReadTensor(ctx, box)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	for c := 0; c < 3; c++ {
		if got.At(c, 8, 16, 32) != float32(c+1) {
			t.Errorf("channel %d marker: got %f, want %d", c, got.At(c, 8, 16, 32), c+1)
		}
	}
	for i, v := range got.Data {
		if v != tensor.Data[i] {
			t.Fatalf("sample %d: got %f, wrote %f", i, v, tensor.Data[i])
		}
	}

	if _, err := store.Read(ctx, box); err == nil {
		t.Errorf("expected single-channel read of 3-channel volume to fail")
	}
}

func TestStoreMissingChunks(t *testing.T) {
	ctx := context.Background()
	box := blockflow.BboxFromSize(blockflow.Point3d{8, 16, 32}, blockflow.Point3d{8, 16, 16})

	store, _ := newTestVolume(t, "raw", 1, StoreOptions{})
	_, err := store.Read(ctx, box)
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError reading absent chunks, got %v", err)
	}

	filling, _ := newTestVolume(t, "raw", 1, StoreOptions{FillMissing: true})
	got, err := filling.Read(ctx, box)
	if err != nil {
		t.Fatalf("fill-missing read failed: %v", err)
	}
	if !got.AllZero() {
		t.Errorf("expected zeros for absent chunks with fill-missing")
	}
}

func TestStoreUnalignedWrite(t *testing.T) {
	store, _ := newTestVolume(t, "raw", 1, StoreOptions{})
	ctx := context.Background()

	box := blockflow.BboxFromSize(blockflow.Point3d{9, 16, 32}, blockflow.Point3d{7, 16, 16})
	chunk := blockflow.NewChunk(box)
	err := store.WriteChunk(ctx, chunk)
	if err == nil {
		t.Fatalf("expected unaligned write to fail")
	}
	if !strings.Contains(err.Error(), "not aligned") {
		t.Errorf("unexpected error for unaligned write: %v", err)
	}
}

func TestStoreCache(t *testing.T) {
	store, bucket := newTestVolume(t, "raw", 1, StoreOptions{CacheSize: 1 << 20})
	ctx := context.Background()

	box := blockflow.BboxFromSize(blockflow.Point3d{8, 16, 32}, blockflow.Point3d{8, 16, 16})
	chunk := blockflow.NewChunk(box)
	fillGradient(chunk)
	if err := store.WriteChunk(ctx, chunk); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := store.Read(ctx, box); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	// cached chunks survive deletion of the backing object
	beg, _ := store.gridRange(box)
	key := store.chunkKey(beg)
	if err := bucket.Delete(ctx, key); err != nil {
		t.Fatalf("couldn't delete chunk object: %v", err)
	}
	got, err := store.Read(ctx, box)
	if err != nil {
		t.Fatalf("cached read failed: %v", err)
	}
	if got.At(10, 20, 40) != chunk.At(10, 20, 40) {
		t.Errorf("cached read returned wrong data")
	}

	// writes invalidate the cache for the rewritten chunks
	chunk.Fill(3)
	if err := store.WriteChunk(ctx, chunk); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}
	got, err = store.Read(ctx, box)
	if err != nil {
		t.Fatalf("read after rewrite failed: %v", err)
	}
	if got.At(10, 20, 40) != 3 {
		t.Errorf("read after rewrite: got %f, want 3", got.At(10, 20, 40))
	}
}
