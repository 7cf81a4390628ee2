package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/coocood/freecache"
	"github.com/dustin/go-humanize"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/janelia-flyem/blockflow/blockflow"
)

// VolumeInfo is the JSON metadata stored at the bucket root under "info".
// Coordinates in the JSON follow the store's (x, y, z) order.
type VolumeInfo struct {
	DataType    string      `json:"data_type"`
	NumChannels int         `json:"num_channels"`
	Scales      []ScaleInfo `json:"scales"`
}

// ScaleInfo describes one mip level of a volume.
type ScaleInfo struct {
	Key         string   `json:"key"`
	ChunkSize   [3]int32 `json:"chunk_size"`
	Size        [3]int32 `json:"size"`
	VoxelOffset [3]int32 `json:"voxel_offset"`
	Encoding    string   `json:"encoding"` // "raw", "gzip" or "snappy"
}

// StoreOptions tune a precomputed store.
type StoreOptions struct {
	// FillMissing substitutes zeros for absent chunk objects instead of
	// failing the read.
	FillMissing bool

	// CacheSize bounds an in-memory cache of encoded chunk objects.
	// Zero disables caching.
	CacheSize int
}

// Store is a chunked volume in a blob bucket: one object per grid-aligned
// chunk, keyed by the chunk's bounding box filename under the scale key,
// with JSON metadata at "info".
type Store struct {
	ref    string
	bucket *blob.Bucket
	vol    VolumeInfo
	scale  ScaleInfo

	// scale geometry converted to internal zyx order
	chunkSize blockflow.Point3d
	origin    blockflow.Point3d
	bounds    blockflow.Bbox

	fillMissing bool
	cache       *freecache.Cache
}

// CreateVolume writes volume metadata into a bucket, making it openable as
// one Store per scale.
func CreateVolume(ctx context.Context, bucket *blob.Bucket, vol VolumeInfo) error {
	if len(vol.Scales) == 0 {
		return fmt.Errorf("volume metadata needs at least one scale")
	}
	data, err := json.Marshal(vol)
	if err != nil {
		return err
	}
	return bucket.WriteAll(ctx, "info", data, &blob.WriterOptions{ContentType: "application/json"})
}

// OpenStore opens one scale of a precomputed volume at the bucket URL.
func OpenStore(ctx context.Context, url, scaleKey string, opts StoreOptions) (*Store, error) {
	bucket, err := OpenBucket(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewStore(ctx, bucket, url, scaleKey, opts)
}

// NewStore opens one scale of a precomputed volume in an already-open
// bucket.
func NewStore(ctx context.Context, bucket *blob.Bucket, ref, scaleKey string, opts StoreOptions) (*Store, error) {
	data, err := bucket.ReadAll(ctx, "info")
	if err != nil {
		return nil, fmt.Errorf("can't read volume info @ %q: %v", ref, err)
	}
	s := &Store{
		ref:         ref,
		bucket:      bucket,
		fillMissing: opts.FillMissing,
	}
	if err := json.Unmarshal(data, &s.vol); err != nil {
		return nil, fmt.Errorf("bad volume info @ %q: %v", ref, err)
	}
	if s.vol.NumChannels < 1 {
		return nil, fmt.Errorf("volume @ %q has %d channels", ref, s.vol.NumChannels)
	}
	var found bool
	for _, scale := range s.vol.Scales {
		if scale.Key == scaleKey {
			s.scale = scale
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("volume @ %q has no scale %q", ref, scaleKey)
	}
	switch s.scale.Encoding {
	case "raw", "gzip", "snappy":
	default:
		return nil, fmt.Errorf("unknown chunk encoding %q in scale %q", s.scale.Encoding, scaleKey)
	}

	// store metadata is xyz, internal order zyx
	s.chunkSize = reverse(s.scale.ChunkSize)
	s.origin = reverse(s.scale.VoxelOffset)
	s.bounds = blockflow.BboxFromSize(s.origin, reverse(s.scale.Size))

	if opts.CacheSize > 0 {
		s.cache = freecache.NewCache(opts.CacheSize)
		blockflow.Infof("Created chunk cache of ~ %d MB for volume @ %q\n", opts.CacheSize>>20, ref)
	}
	blockflow.Infof("Opened volume @ %q scale %q: %d channel(s), chunks %s, bounds %s\n",
		ref, scaleKey, s.vol.NumChannels, s.chunkSize, s.bounds)
	return s, nil
}

func reverse(p [3]int32) blockflow.Point3d {
	return blockflow.Point3d{p[2], p[1], p[0]}
}

// NumChannels returns the number of channels per voxel.
func (s *Store) NumChannels() int {
	return s.vol.NumChannels
}

// Bounds returns the volume extents in internal order.
func (s *Store) Bounds() blockflow.Bbox {
	return s.bounds
}

// Origin returns the voxel offset of the volume in internal order.
func (s *Store) Origin() blockflow.Point3d {
	return s.origin
}

func (s *Store) String() string {
	return fmt.Sprintf("precomputed volume @ %s scale %q", s.ref, s.scale.Key)
}

// chunkKey returns the object key for the grid chunk with the given chunk
// coordinate.
func (s *Store) chunkKey(coord blockflow.Point3d) string {
	box := blockflow.BboxFromSize(s.origin.Add(coord.Mult(s.chunkSize)), s.chunkSize)
	return s.scale.Key + "/" + box.Filename()
}

// gridRange returns the chunk coordinates spanning the box.
func (s *Store) gridRange(box blockflow.Bbox) (beg, end blockflow.Point3d) {
	beg = box.MinPoint.Sub(s.origin).Div(s.chunkSize)
	end = box.MaxPoint.Sub(s.origin).Add(s.chunkSize).Sub(blockflow.Point3d{1, 1, 1}).Div(s.chunkSize)
	return
}

// Read returns the single-channel samples covering the box.
func (s *Store) Read(ctx context.Context, box blockflow.Bbox) (*blockflow.Chunk, error) {
	if s.vol.NumChannels != 1 {
		return nil, &FetchError{box, fmt.Errorf("volume @ %q has %d channels, want single-channel read", s.ref, s.vol.NumChannels)}
	}
	t, err := s.ReadTensor(ctx, box)
	if err != nil {
		return nil, err
	}
	return t.Channel(0), nil
}

// ReadTensor returns all channels covering the box.  Portions of chunks
// outside the box are discarded; absent chunks are zero-filled only when
// the store was opened with FillMissing.
func (s *Store) ReadTensor(ctx context.Context, box blockflow.Bbox) (*blockflow.Tensor, error) {
	timedLog := blockflow.NewTimeLog()
	out := blockflow.NewTensor(s.vol.NumChannels, box)
	beg, end := s.gridRange(box)
	var readBytes uint64
	for cz := beg[0]; cz < end[0]; cz++ {
		for cy := beg[1]; cy < end[1]; cy++ {
			for cx := beg[2]; cx < end[2]; cx++ {
				coord := blockflow.Point3d{cz, cy, cx}
				data, err := s.readChunkObject(ctx, coord)
				if err != nil {
					return nil, &FetchError{box, err}
				}
				if data == nil {
					if !s.fillMissing {
						return nil, &FetchError{box, fmt.Errorf("missing chunk %s in volume @ %q", s.chunkKey(coord), s.ref)}
					}
					continue
				}
				readBytes += uint64(len(data) * 4)
				if err := s.copyIntoTensor(out, coord, data, box); err != nil {
					return nil, &FetchError{box, err}
				}
			}
		}
	}
	timedLog.Infof("Read %s of %s from volume @ %q", humanize.Bytes(readBytes), box, s.ref)
	return out, nil
}

// readChunkObject returns the decoded samples of one grid chunk, or nil
// if the object doesn't exist.
func (s *Store) readChunkObject(ctx context.Context, coord blockflow.Point3d) ([]float32, error) {
	key := s.chunkKey(coord)
	var encoded []byte
	if s.cache != nil {
		if hit, err := s.cache.Get([]byte(key)); err == nil {
			encoded = hit
		} else if err != freecache.ErrNotFound {
			return nil, err
		}
	}
	if encoded == nil {
		var err error
		encoded, err = s.bucket.ReadAll(ctx, key)
		if err != nil {
			if gcerrors.Code(err) == gcerrors.NotFound {
				return nil, nil
			}
			return nil, err
		}
		if s.cache != nil {
			// oversized entries just skip the cache
			if err := s.cache.Set([]byte(key), encoded, 0); err != nil {
				blockflow.Debugf("Chunk %q not cached: %v\n", key, err)
			}
		}
	}
	raw, err := s.decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("bad chunk %q: %v", key, err)
	}
	want := s.chunkSize.Prod() * int64(s.vol.NumChannels)
	if int64(len(raw)) != want {
		return nil, fmt.Errorf("chunk %q has %d samples, expected %d", key, len(raw), want)
	}
	return raw, nil
}

func (s *Store) copyIntoTensor(out *blockflow.Tensor, coord blockflow.Point3d, data []float32, box blockflow.Bbox) error {
	chunkBox := blockflow.BboxFromSize(s.origin.Add(coord.Mult(s.chunkSize)), s.chunkSize)
	overlap := chunkBox.Intersect(box)
	if overlap.IsEmpty() {
		return nil
	}
	voxelsPerChannel := s.chunkSize.Prod()
	src := blockflow.Chunk{Off: chunkBox.MinPoint, Size: s.chunkSize}
	nx := int64(overlap.Size()[2])
	for c := 0; c < out.Channels; c++ {
		src.Data = data[int64(c)*voxelsPerChannel : int64(c+1)*voxelsPerChannel]
		dst := out.Channel(c)
		for z := overlap.MinPoint[0]; z < overlap.MaxPoint[0]; z++ {
			for y := overlap.MinPoint[1]; y < overlap.MaxPoint[1]; y++ {
				si := src.Index(z, y, overlap.MinPoint[2])
				di := dst.Index(z, y, overlap.MinPoint[2])
				copy(dst.Data[di:di+nx], src.Data[si:si+nx])
			}
		}
	}
	return nil
}

// WriteChunk stores a single-channel chunk at its global location.
func (s *Store) WriteChunk(ctx context.Context, c *blockflow.Chunk) error {
	if s.vol.NumChannels != 1 {
		return fmt.Errorf("volume @ %q has %d channels, want single-channel write", s.ref, s.vol.NumChannels)
	}
	t := &blockflow.Tensor{Channels: 1, Off: c.Off, Size: c.Size, Data: c.Data}
	return s.WriteTensor(ctx, t)
}

// WriteTensor stores all channels of the tensor at its global location.
// The tensor's box must be aligned to the chunk grid so no
// read-modify-write of neighboring data is needed.
func (s *Store) WriteTensor(ctx context.Context, t *blockflow.Tensor) error {
	if t.Channels != s.vol.NumChannels {
		return fmt.Errorf("tensor has %d channels, volume @ %q has %d", t.Channels, s.ref, s.vol.NumChannels)
	}
	box := t.Bbox()
	if !box.MinPoint.Sub(s.origin).Mod(s.chunkSize).Equals(blockflow.Point3d{0, 0, 0}) ||
		!box.MaxPoint.Sub(s.origin).Mod(s.chunkSize).Equals(blockflow.Point3d{0, 0, 0}) {
		return fmt.Errorf("write region %s not aligned to chunk grid %s of volume @ %q", box, s.chunkSize, s.ref)
	}
	timedLog := blockflow.NewTimeLog()
	beg, end := s.gridRange(box)
	voxelsPerChunk := s.chunkSize.Prod()
	var wroteBytes uint64
	for cz := beg[0]; cz < end[0]; cz++ {
		for cy := beg[1]; cy < end[1]; cy++ {
			for cx := beg[2]; cx < end[2]; cx++ {
				coord := blockflow.Point3d{cz, cy, cx}
				chunkBox := blockflow.BboxFromSize(s.origin.Add(coord.Mult(s.chunkSize)), s.chunkSize)
				data := make([]float32, voxelsPerChunk*int64(t.Channels))
				dst := blockflow.Chunk{Off: chunkBox.MinPoint, Size: s.chunkSize}
				nx := int64(s.chunkSize[2])
				for c := 0; c < t.Channels; c++ {
					dst.Data = data[int64(c)*voxelsPerChunk : int64(c+1)*voxelsPerChunk]
					src := t.Channel(c)
					for z := chunkBox.MinPoint[0]; z < chunkBox.MaxPoint[0]; z++ {
						for y := chunkBox.MinPoint[1]; y < chunkBox.MaxPoint[1]; y++ {
							si := src.Index(z, y, chunkBox.MinPoint[2])
							di := dst.Index(z, y, chunkBox.MinPoint[2])
							copy(dst.Data[di:di+nx], src.Data[si:si+nx])
						}
					}
				}
				encoded, err := s.encode(data)
				if err != nil {
					return err
				}
				key := s.chunkKey(coord)
				opts := &blob.WriterOptions{ContentType: "application/octet-stream"}
				if err := s.bucket.WriteAll(ctx, key, encoded, opts); err != nil {
					return fmt.Errorf("can't write chunk %q to volume @ %q: %v", key, s.ref, err)
				}
				if s.cache != nil {
					s.cache.Del([]byte(key))
				}
				wroteBytes += uint64(len(encoded))
			}
		}
	}
	timedLog.Infof("Wrote %s covering %s to volume @ %q", humanize.Bytes(wroteBytes), box, s.ref)
	return nil
}

// --- chunk encodings ------

func (s *Store) encode(samples []float32) ([]byte, error) {
	raw := make([]byte, 4*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	switch s.scale.Encoding {
	case "raw":
		return raw, nil
	case "snappy":
		return snappy.Encode(nil, raw), nil
	case "gzip":
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown chunk encoding %q", s.scale.Encoding)
}

func (s *Store) decode(encoded []byte) ([]float32, error) {
	var raw []byte
	var err error
	switch s.scale.Encoding {
	case "raw":
		raw = encoded
	case "snappy":
		raw, err = snappy.Decode(nil, encoded)
		if err != nil {
			return nil, err
		}
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		raw, err = io.ReadAll(zr)
		if err != nil {
			return nil, err
		}
		zr.Close()
	default:
		return nil, fmt.Errorf("unknown chunk encoding %q", s.scale.Encoding)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("chunk payload of %d bytes is not float32 samples", len(raw))
	}
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return samples, nil
}
