package zarr

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/vhisto/server/internal/volume"
)

// WriteOptions controls how WriteVolume lays out an array.
type WriteOptions struct {
	ChunkShape [3]int
	Codec      string // "zstd", "gzip" or "" for raw bytes
	FillValue  uint16
	// SkipFill omits chunks whose samples all equal FillValue.
	SkipFill bool
}

// WriteVolume stores vol as the (channel, level) array at time index t under root.
// Edge chunks are written padded to the full chunk shape.
func WriteVolume(root, channel string, level, t int, vol *volume.Volume, opts WriteOptions) error {
	for d := 0; d < 3; d++ {
		if opts.ChunkShape[d] <= 0 {
			return fmt.Errorf("invalid chunk shape %v", opts.ChunkShape)
		}
	}
	arrayPath := ArrayPath(root, channel, level, t)
	if err := os.MkdirAll(filepath.Join(arrayPath, "c"), 0755); err != nil {
		return fmt.Errorf("failed to create array dir: %w", err)
	}

	meta := ZarrV3ArrayMeta{
		Shape:      vol.Shape[:],
		DataType:   "uint16",
		FillValue:  float64(opts.FillValue),
		ZarrFormat: 3,
		NodeType:   "array",
	}
	meta.ChunkGrid.Name = "regular"
	meta.ChunkGrid.Configuration.ChunkShape = opts.ChunkShape[:]
	meta.ChunkKeyEncoding.Name = "default"
	meta.ChunkKeyEncoding.Configuration.Separator = "/"
	meta.Codecs = []Codec{{Name: "bytes", Configuration: map[string]interface{}{"endian": "little"}}}
	if opts.Codec != "" {
		meta.Codecs = append(meta.Codecs, Codec{Name: opts.Codec})
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal zarr.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(arrayPath, "zarr.json"), metaJSON, 0644); err != nil {
		return fmt.Errorf("failed to write zarr.json: %w", err)
	}

	var encoder *zstd.Encoder
	if opts.Codec == "zstd" {
		encoder, err = zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		defer encoder.Close()
	}

	cs := opts.ChunkShape
	for cz := 0; cz < ceilDiv(vol.Shape[0], cs[0]); cz++ {
		for cy := 0; cy < ceilDiv(vol.Shape[1], cs[1]); cy++ {
			for cx := 0; cx < ceilDiv(vol.Shape[2], cs[2]); cx++ {
				raw, allFill := chunkBytes(vol, cs, [3]int{cz * cs[0], cy * cs[1], cx * cs[2]}, opts.FillValue)
				if allFill && opts.SkipFill {
					continue
				}
				payload, err := encodeChunk(encoder, opts.Codec, raw)
				if err != nil {
					return err
				}
				key := encodeChunkKey(&meta, []int{cz, cy, cx})
				chunkPath := filepath.Join(arrayPath, "c", key)
				if err := os.MkdirAll(filepath.Dir(chunkPath), 0755); err != nil {
					return fmt.Errorf("failed to create chunk dir: %w", err)
				}
				if err := os.WriteFile(chunkPath, payload, 0644); err != nil {
					return fmt.Errorf("failed to write chunk %s: %w", key, err)
				}
			}
		}
	}
	return nil
}

func chunkBytes(vol *volume.Volume, cs, origin [3]int, fill uint16) ([]byte, bool) {
	out := make([]byte, cs[0]*cs[1]*cs[2]*2)
	allFill := true
	i := 0
	for z := origin[0]; z < origin[0]+cs[0]; z++ {
		for y := origin[1]; y < origin[1]+cs[1]; y++ {
			for x := origin[2]; x < origin[2]+cs[2]; x++ {
				v := fill
				if z < vol.Shape[0] && y < vol.Shape[1] && x < vol.Shape[2] {
					v = vol.At(z, y, x)
				}
				if v != fill {
					allFill = false
				}
				binary.LittleEndian.PutUint16(out[i:], v)
				i += 2
			}
		}
	}
	return out, allFill
}

func encodeChunk(encoder *zstd.Encoder, codec string, raw []byte) ([]byte, error) {
	switch codec {
	case "":
		return raw, nil
	case "zstd":
		return encoder.EncodeAll(raw, nil), nil
	case "gzip":
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, fmt.Errorf("gzip compress failed: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip compress failed: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported codec: %s", codec)
	}
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
