package zarr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/vhisto/server/internal/volume"
)

func rampVolume(nz, ny, nx int) *volume.Volume {
	v := volume.New(nz, ny, nx)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				v.Set(z, y, x, uint16(z*1000+y*30+x))
			}
		}
	}
	return v
}

func writeTestStore(t *testing.T, codec string) (string, *volume.Volume) {
	t.Helper()

	root := t.TempDir()
	vol := rampVolume(7, 20, 25)
	if err := WriteVolume(root, "s01", 0, 0, vol, WriteOptions{ChunkShape: [3]int{4, 8, 8}, Codec: codec}); err != nil {
		t.Fatalf("WriteVolume: %v", err)
	}
	return root, vol
}

func TestReader_ReadSubBlock(t *testing.T) {
	for _, codec := range []string{"", "zstd", "gzip"} {
		t.Run("codec="+codec, func(t *testing.T) {
			root, vol := writeTestStore(t, codec)
			r, err := NewReader(root)
			if err != nil {
				t.Fatalf("NewReader: %v", err)
			}
			defer r.Close()

			shape, err := r.Shape("s01", 0, 0)
			if err != nil {
				t.Fatalf("Shape: %v", err)
			}
			if shape != [3]int{7, 20, 25} {
				t.Fatalf("shape = %v", shape)
			}

			z, y, x := volume.Range{Start: 2, End: 7}, volume.Range{Start: 5, End: 19}, volume.Range{Start: 7, End: 25}
			got, err := r.Read(context.Background(), "s01", 0, 0, z, y, x)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if got.Shape != [3]int{5, 14, 18} {
				t.Fatalf("block shape = %v", got.Shape)
			}
			for zz := 0; zz < 5; zz++ {
				for yy := 0; yy < 14; yy++ {
					for xx := 0; xx < 18; xx++ {
						want := vol.At(zz+2, yy+5, xx+7)
						if v := got.At(zz, yy, xx); v != want {
							t.Fatalf("(%d,%d,%d) = %d, want %d", zz, yy, xx, v, want)
						}
					}
				}
			}
		})
	}
}

func TestReader_MissingChunkIsFill(t *testing.T) {
	root := t.TempDir()
	vol := volume.New(4, 8, 8)
	vol.Set(0, 0, 0, 9)
	opts := WriteOptions{ChunkShape: [3]int{2, 4, 4}, Codec: "zstd", FillValue: 0, SkipFill: true}
	if err := WriteVolume(root, "s00", 1, 0, vol, opts); err != nil {
		t.Fatalf("WriteVolume: %v", err)
	}

	r, err := NewReader(root)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	all := volume.Range{Start: 0, End: 8}
	got, err := r.Read(context.Background(), "s00", 1, 0, volume.Range{Start: 0, End: 4}, all, all)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.At(0, 0, 0) != 9 {
		t.Fatalf("written sample lost: %d", got.At(0, 0, 0))
	}
	if got.At(3, 7, 7) != 0 {
		t.Fatalf("missing chunk sample = %d, want fill 0", got.At(3, 7, 7))
	}
}

func TestReader_TruncatedEdgeChunk(t *testing.T) {
	root, vol := writeTestStore(t, "")
	// Rewrite the last x chunk truncated to the array extent, as some writers do.
	r, err := NewReader(root)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	meta, err := r.arrayMeta("s01", 0, 0)
	if err != nil {
		t.Fatalf("arrayMeta: %v", err)
	}
	idx := []int{0, 0, 3}
	shape, err := chunkShapeAt(meta, idx)
	if err != nil {
		t.Fatalf("chunkShapeAt: %v", err)
	}
	if shape[2] != 1 {
		t.Fatalf("edge chunk x extent = %d, want 1", shape[2])
	}
	buf := make([]byte, 0, shape[0]*shape[1]*shape[2]*2)
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			v := vol.At(z, y, 24)
			buf = append(buf, byte(v), byte(v>>8))
		}
	}
	chunkPath := filepath.Join(ArrayPath(root, "s01", 0, 0), "c", "0", "0", "3")
	if err := os.WriteFile(chunkPath, buf, 0644); err != nil {
		t.Fatalf("write chunk: %v", err)
	}

	got, err := r.Read(context.Background(), "s01", 0, 0,
		volume.Range{Start: 0, End: 4}, volume.Range{Start: 0, End: 8}, volume.Range{Start: 24, End: 25})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if v := got.At(3, 7, 0); v != vol.At(3, 7, 24) {
		t.Fatalf("edge sample = %d, want %d", v, vol.At(3, 7, 24))
	}
}

func TestReader_Errors(t *testing.T) {
	root, _ := writeTestStore(t, "zstd")
	r, err := NewReader(root)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	full := volume.Range{Start: 0, End: 7}
	y := volume.Range{Start: 0, End: 20}

	_, err = r.Read(ctx, "s01", 0, 0, full, y, volume.Range{Start: 0, End: 26})
	if !volume.IsKind(err, volume.KindOutOfBounds) {
		t.Fatalf("x1 past extent: err = %v, want out_of_bounds", err)
	}

	_, err = r.Read(ctx, "s09", 0, 0, full, y, volume.Range{Start: 0, End: 5})
	if !volume.IsKind(err, volume.KindConfig) {
		t.Fatalf("unknown channel: err = %v, want config", err)
	}

	_, err = r.Read(ctx, "s01", 3, 0, full, y, volume.Range{Start: 0, End: 5})
	if !volume.IsKind(err, volume.KindConfig) {
		t.Fatalf("unknown level: err = %v, want config", err)
	}

	if _, err := NewReader(filepath.Join(root, "nope")); !volume.IsKind(err, volume.KindIO) {
		t.Fatalf("missing root: err = %v, want io", err)
	}
}

func TestReader_BadChunkShape(t *testing.T) {
	tests := []struct {
		name  string
		chunk string
	}{
		{"empty", "[]"},
		{"wrong rank", "[4, 8]"},
		{"zero", "[4, 0, 8]"},
		{"negative", "[4, 8, -1]"},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, _ := writeTestStore(t, "")
			channel := fmt.Sprintf("s%02d", 10+i)
			arrayPath := ArrayPath(root, channel, 0, 0)
			if err := os.MkdirAll(arrayPath, 0755); err != nil {
				t.Fatal(err)
			}
			meta := `{"shape":[7,20,25],"data_type":"uint16",` +
				`"chunk_grid":{"name":"regular","configuration":{"chunk_shape":` + tt.chunk + `}},` +
				`"chunk_key_encoding":{"name":"default","configuration":{"separator":"/"}},` +
				`"fill_value":0,"codecs":[{"name":"bytes"}],"zarr_format":3,"node_type":"array"}`
			if err := os.WriteFile(filepath.Join(arrayPath, "zarr.json"), []byte(meta), 0644); err != nil {
				t.Fatal(err)
			}

			r, err := NewReader(root)
			if err != nil {
				t.Fatalf("NewReader: %v", err)
			}
			defer r.Close()

			_, err = r.Read(context.Background(), channel, 0, 0,
				volume.Range{Start: 0, End: 7}, volume.Range{Start: 0, End: 20}, volume.Range{Start: 0, End: 25})
			if !volume.IsKind(err, volume.KindIO) {
				t.Fatalf("err = %v, want io", err)
			}
		})
	}
}

func TestReader_ConcurrentDisjointReads(t *testing.T) {
	root, vol := writeTestStore(t, "zstd")
	r, err := NewReader(root)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 7)
	for z := 0; z < 7; z++ {
		wg.Add(1)
		go func(z int) {
			defer wg.Done()
			got, err := r.Read(context.Background(), "s01", 0, 0,
				volume.Range{Start: z, End: z + 1}, volume.Range{Start: 0, End: 20}, volume.Range{Start: 0, End: 25})
			if err != nil {
				errs <- err
				return
			}
			for i, v := range got.Data {
				if v != vol.Data[z*500+i] {
					errs <- os.ErrInvalid
					return
				}
			}
		}(z)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent read: %v", err)
	}
}

func TestReader_ChannelsAndLevels(t *testing.T) {
	root, vol := writeTestStore(t, "")
	if err := WriteVolume(root, "s01", 1, 0, vol, WriteOptions{ChunkShape: [3]int{8, 8, 8}}); err != nil {
		t.Fatalf("WriteVolume: %v", err)
	}
	if err := WriteVolume(root, "s00", 0, 0, vol, WriteOptions{ChunkShape: [3]int{8, 8, 8}}); err != nil {
		t.Fatalf("WriteVolume: %v", err)
	}

	r, err := NewReader(root)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	chans, err := r.Channels(0)
	if err != nil {
		t.Fatalf("Channels: %v", err)
	}
	if len(chans) != 2 || chans[0] != "s00" || chans[1] != "s01" {
		t.Fatalf("channels = %v", chans)
	}
	levels, err := r.Levels("s01", 0)
	if err != nil {
		t.Fatalf("Levels: %v", err)
	}
	if len(levels) != 2 || levels[0] != 0 || levels[1] != 1 {
		t.Fatalf("levels = %v", levels)
	}
}
