// Package zarr provides a reader for Zarr v3 multiscale microscopy stores.
//
// A store is laid out as <root>/t<time:05d>/<channel>/<level>/cells, each a
// three-dimensional uint16 (or uint8) Zarr v3 array in (z, y, x) order.
package zarr

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/vhisto/server/internal/volume"
)

// Reader provides concurrent access to channel volumes in a Zarr v3 store.
type Reader struct {
	basePath string
	mu       sync.RWMutex
	decoder  *zstd.Decoder

	// Cached array metadata keyed by array path
	arrays map[string]*ZarrV3ArrayMeta
}

// ZarrV3ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ZarrV3ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue  interface{} `json:"fill_value"`
	Codecs     []Codec     `json:"codecs"`
	ZarrFormat int         `json:"zarr_format"`
	NodeType   string      `json:"node_type"`
}

// Codec is one entry of the array's codec pipeline.
type Codec struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

// NewReader opens the store rooted at basePath.
func NewReader(basePath string) (*Reader, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, volume.IOError("zarr.open", basePath, err)
	}
	if !info.IsDir() {
		return nil, volume.IOError("zarr.open", basePath, fmt.Errorf("not a directory"))
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Reader{
		basePath: basePath,
		decoder:  decoder,
		arrays:   make(map[string]*ZarrV3ArrayMeta),
	}, nil
}

// BasePath returns the store root.
func (r *Reader) BasePath() string {
	return r.basePath
}

// ArrayPath returns the directory of the (channel, level) array at time index t.
func ArrayPath(root, channel string, level, t int) string {
	return filepath.Join(root, fmt.Sprintf("t%05d", t), channel, strconv.Itoa(level), "cells")
}

// Channels lists the channel tokens present at time index t.
func (r *Reader) Channels(t int) ([]string, error) {
	dir := filepath.Join(r.basePath, fmt.Sprintf("t%05d", t))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, volume.IOError("zarr.channels", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Levels lists the pyramid levels stored for a channel.
func (r *Reader) Levels(channel string, t int) ([]int, error) {
	dir := filepath.Join(r.basePath, fmt.Sprintf("t%05d", t), channel)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, volume.Configf("zarr.levels", "unknown channel %q", channel)
		}
		return nil, volume.IOError("zarr.levels", dir, err)
	}
	var out []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if lvl, err := strconv.Atoi(e.Name()); err == nil {
			out = append(out, lvl)
		}
	}
	sort.Ints(out)
	return out, nil
}

// Shape returns the (z, y, x) extent of a (channel, level) array.
func (r *Reader) Shape(channel string, level, t int) ([3]int, error) {
	meta, err := r.arrayMeta(channel, level, t)
	if err != nil {
		return [3]int{}, err
	}
	return [3]int{meta.Shape[0], meta.Shape[1], meta.Shape[2]}, nil
}

func (r *Reader) arrayMeta(channel string, level, t int) (*ZarrV3ArrayMeta, error) {
	arrayPath := ArrayPath(r.basePath, channel, level, t)

	r.mu.RLock()
	meta, ok := r.arrays[arrayPath]
	r.mu.RUnlock()
	if ok {
		return meta, nil
	}

	meta, err := r.loadArrayMeta(arrayPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, volume.Configf("zarr.meta", "unknown channel/level %s/%d (t=%d)", channel, level, t)
		}
		return nil, volume.IOError("zarr.meta", arrayPath, err)
	}
	if len(meta.Shape) != 3 {
		return nil, volume.IOError("zarr.meta", arrayPath, fmt.Errorf("expected 3 dims, got %d", len(meta.Shape)))
	}
	if _, err := zarrDTypeSize(meta.DataType); err != nil {
		return nil, volume.IOError("zarr.meta", arrayPath, err)
	}
	chunk := meta.ChunkGrid.Configuration.ChunkShape
	if len(chunk) != 3 {
		return nil, volume.IOError("zarr.meta", arrayPath, fmt.Errorf("expected 3 chunk dims, got %d", len(chunk)))
	}
	for d, n := range chunk {
		if n <= 0 {
			return nil, volume.IOError("zarr.meta", arrayPath, fmt.Errorf("chunk dim %d is %d", d, n))
		}
	}

	r.mu.Lock()
	r.arrays[arrayPath] = meta
	r.mu.Unlock()
	return meta, nil
}

// loadArrayMeta loads Zarr v3 array metadata.
func (r *Reader) loadArrayMeta(arrayPath string) (*ZarrV3ArrayMeta, error) {
	metaPath := filepath.Join(arrayPath, "zarr.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}

	var meta ZarrV3ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", metaPath, err)
	}

	return &meta, nil
}

// Read copies the hyper-rectangle [z, y, x] of a (channel, level) array into a
// new volume. Ranges must lie inside the array's extent.
func (r *Reader) Read(ctx context.Context, channel string, level, t int, z, y, x volume.Range) (*volume.Volume, error) {
	meta, err := r.arrayMeta(channel, level, t)
	if err != nil {
		return nil, err
	}
	ranges := [3]volume.Range{z, y, x}
	for d, rg := range ranges {
		if rg.Start < 0 || rg.Start >= rg.End || rg.End > meta.Shape[d] {
			return nil, volume.OutOfBoundsf("zarr.read", "axis %d range %s outside [0:%d) of %s/%d", d, rg, meta.Shape[d], channel, level)
		}
	}

	arrayPath := ArrayPath(r.basePath, channel, level, t)
	out := volume.New(z.Len(), y.Len(), x.Len())
	chunk := meta.ChunkGrid.Configuration.ChunkShape

	var first, last [3]int
	for d := 0; d < 3; d++ {
		first[d] = ranges[d].Start / chunk[d]
		last[d] = (ranges[d].End - 1) / chunk[d]
	}

	for cz := first[0]; cz <= last[0]; cz++ {
		for cy := first[1]; cy <= last[1]; cy++ {
			for cx := first[2]; cx <= last[2]; cx++ {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				idx := []int{cz, cy, cx}
				raw, err := r.readChunkAt(arrayPath, meta, idx)
				if err != nil {
					return nil, volume.IOError("zarr.read", arrayPath, err)
				}
				samples, cshape, err := decodeSamples(meta, idx, raw)
				if err != nil {
					return nil, volume.IOError("zarr.read", arrayPath, err)
				}
				copyOverlap(out, ranges, samples, cshape, [3]int{cz * chunk[0], cy * chunk[1], cx * chunk[2]})
			}
		}
	}

	return out, nil
}

// copyOverlap copies the part of a decoded chunk that intersects the requested ranges.
func copyOverlap(out *volume.Volume, ranges [3]volume.Range, samples []uint16, cshape, origin [3]int) {
	var lo, hi [3]int
	for d := 0; d < 3; d++ {
		lo[d] = max(ranges[d].Start, origin[d])
		hi[d] = min(ranges[d].End, origin[d]+cshape[d])
		if lo[d] >= hi[d] {
			return
		}
	}
	n := hi[2] - lo[2]
	for zz := lo[0]; zz < hi[0]; zz++ {
		for yy := lo[1]; yy < hi[1]; yy++ {
			src := ((zz-origin[0])*cshape[1]+(yy-origin[1]))*cshape[2] + (lo[2] - origin[2])
			dst := out.Index(zz-ranges[0].Start, yy-ranges[1].Start, lo[2]-ranges[2].Start)
			copy(out.Data[dst:dst+n], samples[src:src+n])
		}
	}
}

// decodeSamples converts raw chunk bytes to uint16 samples. Edge chunks may be
// stored either padded to the full chunk shape or truncated to the array.
func decodeSamples(meta *ZarrV3ArrayMeta, chunkIndices []int, raw []byte) ([]uint16, [3]int, error) {
	size, err := zarrDTypeSize(meta.DataType)
	if err != nil {
		return nil, [3]int{}, err
	}
	full := meta.ChunkGrid.Configuration.ChunkShape
	cshape := [3]int{full[0], full[1], full[2]}
	n := len(raw) / size
	if n != product(full) {
		actual, err := chunkShapeAt(meta, chunkIndices)
		if err != nil {
			return nil, [3]int{}, err
		}
		if n != product(actual) {
			return nil, [3]int{}, fmt.Errorf("chunk %v has %d samples, expected %d or %d", chunkIndices, n, product(full), product(actual))
		}
		cshape = [3]int{actual[0], actual[1], actual[2]}
	}

	var order binary.ByteOrder = binary.LittleEndian
	if endianOf(meta) == "big" {
		order = binary.BigEndian
	}

	out := make([]uint16, n)
	switch meta.DataType {
	case "uint8":
		for i := range out {
			out[i] = uint16(raw[i])
		}
	case "uint16":
		for i := range out {
			out[i] = order.Uint16(raw[i*2:])
		}
	}
	return out, cshape, nil
}

func endianOf(meta *ZarrV3ArrayMeta) string {
	for _, c := range meta.Codecs {
		if c.Name == "bytes" {
			if e, ok := c.Configuration["endian"].(string); ok {
				return e
			}
		}
	}
	return "little"
}

// readChunk reads and decompresses a chunk from Zarr v3 format.
func (r *Reader) readChunk(arrayPath string, meta *ZarrV3ArrayMeta, chunkKey string) ([]byte, error) {
	// Zarr v3 stores chunks in c/ directory
	chunkPath := filepath.Join(arrayPath, "c", chunkKey)

	data, err := os.ReadFile(chunkPath)
	if err != nil {
		return nil, err
	}

	// Codecs apply in order on write, so decode in reverse.
	for i := len(meta.Codecs) - 1; i >= 0; i-- {
		switch meta.Codecs[i].Name {
		case "bytes":
		case "zstd":
			data, err = r.decoder.DecodeAll(data, nil)
			if err != nil {
				return nil, fmt.Errorf("zstd decompress failed: %w", err)
			}
		case "gzip":
			zr, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("gzip open failed: %w", err)
			}
			data, err = io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
		default:
			return nil, fmt.Errorf("unsupported codec: %s", meta.Codecs[i].Name)
		}
	}

	return data, nil
}

func encodeChunkKey(meta *ZarrV3ArrayMeta, chunkIndices []int) string {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, sep)
}

func chunkShapeAt(meta *ZarrV3ArrayMeta, chunkIndices []int) ([]int, error) {
	if len(meta.Shape) == 0 || len(meta.ChunkGrid.Configuration.ChunkShape) == 0 {
		return nil, fmt.Errorf("invalid zarr metadata: missing shape/chunk_shape")
	}
	if len(meta.Shape) != len(meta.ChunkGrid.Configuration.ChunkShape) {
		return nil, fmt.Errorf("invalid zarr metadata: shape dims (%d) != chunk dims (%d)", len(meta.Shape), len(meta.ChunkGrid.Configuration.ChunkShape))
	}

	actual := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		chunkLen := meta.ChunkGrid.Configuration.ChunkShape[d]
		if chunkLen <= 0 {
			return nil, fmt.Errorf("invalid chunk shape at dim %d: %d", d, chunkLen)
		}
		start := chunkIndices[d] * chunkLen
		if start < 0 || start >= meta.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, meta.Shape[d])
		}
		actual[d] = min(chunkLen, meta.Shape[d]-start)
	}

	return actual, nil
}

func zarrDTypeSize(dataType string) (int, error) {
	switch dataType {
	case "uint8":
		return 1, nil
	case "uint16":
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

func zarrFillValue(meta *ZarrV3ArrayMeta) (uint16, error) {
	switch t := meta.FillValue.(type) {
	case nil:
		return 0, nil
	case float64:
		if t < 0 || t > 65535 {
			return 0, fmt.Errorf("fill_value %v out of range for %s", t, meta.DataType)
		}
		return uint16(t), nil
	default:
		return 0, fmt.Errorf("unsupported fill_value type for %s: %T", meta.DataType, meta.FillValue)
	}
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func (r *Reader) readChunkAt(arrayPath string, meta *ZarrV3ArrayMeta, chunkIndices []int) ([]byte, error) {
	data, err := r.readChunk(arrayPath, meta, encodeChunkKey(meta, chunkIndices))
	if err == nil {
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	// A chunk that is not present on disk is all fill value.
	fill, err := zarrFillValue(meta)
	if err != nil {
		return nil, err
	}
	size, _ := zarrDTypeSize(meta.DataType)
	n := product(meta.ChunkGrid.Configuration.ChunkShape)
	out := make([]byte, n*size)
	if fill != 0 {
		for i := 0; i < n; i++ {
			if size == 1 {
				out[i] = byte(fill)
			} else {
				binary.LittleEndian.PutUint16(out[i*2:], fill)
			}
		}
	}
	if size == 2 && endianOf(meta) == "big" {
		for i := 0; i < n; i++ {
			binary.BigEndian.PutUint16(out[i*2:], fill)
		}
	}
	return out, nil
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}
