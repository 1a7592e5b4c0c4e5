package stack

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/vhisto/server/internal/pyramid"
	"github.com/vhisto/server/internal/volume"
)

// memStore serves in-memory volumes keyed by level and channel token.
type memStore struct {
	levels map[int]map[string]*volume.Volume
	mu     sync.Mutex
	reads  int
}

func (m *memStore) Shape(channel string, level, _ int) ([3]int, error) {
	v, ok := m.levels[level][channel]
	if !ok {
		return [3]int{}, volume.Configf("mem.shape", "unknown channel/level %s/%d", channel, level)
	}
	return v.Shape, nil
}

func (m *memStore) Read(_ context.Context, channel string, level, _ int, z, y, x volume.Range) (*volume.Volume, error) {
	m.mu.Lock()
	m.reads++
	m.mu.Unlock()
	src, ok := m.levels[level][channel]
	if !ok {
		return nil, volume.Configf("mem.read", "unknown channel/level %s/%d", channel, level)
	}
	out := volume.New(z.Len(), y.Len(), x.Len())
	for i := 0; i < z.Len(); i++ {
		for j := 0; j < y.Len(); j++ {
			for k := 0; k < x.Len(); k++ {
				out.Set(i, j, k, src.At(z.Start+i, y.Start+j, x.Start+k))
			}
		}
	}
	return out, nil
}

// recordingWriter keeps written images in memory and can fail selected paths.
type recordingWriter struct {
	mu     sync.Mutex
	images map[string]image.Image
	failOn string
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{images: make(map[string]image.Image)}
}

func (w *recordingWriter) Ext() string { return "jpeg" }

func (w *recordingWriter) Write(path string, img image.Image) error {
	if w.failOn != "" && strings.Contains(path, w.failOn) {
		return volume.IOError("raster.write", path, errors.New("disk full"))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dup := w.images[path]; dup {
		return fmt.Errorf("duplicate output %s", path)
	}
	w.images[path] = img
	return nil
}

func syntheticStore() *memStore {
	nuc := volume.New(20, 100, 100)
	cyto := volume.New(20, 100, 100)
	for z := 0; z < 20; z++ {
		for y := 0; y < 100; y++ {
			for x := 0; x < 100; x++ {
				if (x/10+y/10)%2 == 0 {
					nuc.Set(z, y, x, 2000)
				}
				cyto.Set(z, y, x, uint16(200+x*20+z))
			}
		}
	}
	return &memStore{levels: map[int]map[string]*volume.Volume{
		0: {"s00": cyto, "s01": nuc, "s02": cyto},
	}}
}

func baseRequest(root string) Request {
	return Request{
		Sample: "S1",
		ROI: volume.ROI{
			Z: volume.Range{Start: 2, End: 4},
			Y: volume.Range{Start: 10, End: 42},
			X: volume.Range{Start: 20, End: 52},
		},
		Channels: []Channel{
			{Token: "s01", Role: volume.RoleNuclear, Clip: volume.Clip{Low: 100, High: 5000}},
			{Token: "s00", Role: volume.RoleCyto, Clip: volume.Clip{Low: 100, High: 3000}},
		},
		Composite: &Composite{
			Recipe:      "HE",
			Nuclear:     Channel{Token: "s01", Clip: volume.Clip{Low: 100, High: 5000}},
			Second:      Channel{Token: "s00", Clip: volume.Clip{Low: 100, High: 3000}},
			NuclearNorm: 3000,
			SecondNorm:  8000,
		},
		OutputRoot: root,
	}
}

func newTestEngine(store volume.Store, w *recordingWriter) *Engine {
	return NewEngine(Config{
		Store:   store,
		Scales:  pyramid.ScaleTable{0: pyramid.Uniform(1), 1: pyramid.Uniform(4)},
		Writer:  w,
		Workers: 3,
	})
}

func TestFileNameAndBlockDir(t *testing.T) {
	x := volume.Range{Start: 1200, End: 1360}
	y := volume.Range{Start: 800, End: 960}
	z := volume.Range{Start: 40, End: 200}

	if got, want := FileName("S1", "s01", x, y, Identity, 41, "jpeg"), "S1_s01_pos12001360_pos800960_000041.jpeg"; got != want {
		t.Fatalf("FileName = %q, want %q", got, want)
	}
	if got, want := FileName("S1", "FC", x, y, Transpose, 7, "jpeg"), "S1_FC_pos12001360_pos800960_transpose_000007.jpeg"; got != want {
		t.Fatalf("FileName = %q, want %q", got, want)
	}
	if got, want := BlockDir("S1", x, y, z, Identity), "S1_Xpos_001200_001360_Ypos_000800_000960_stack_000040_000200"; got != want {
		t.Fatalf("BlockDir = %q, want %q", got, want)
	}
	if got := BlockDir("S1", x, y, z, Flip); !strings.HasSuffix(got, "_stack_000040_000200_flip") {
		t.Fatalf("BlockDir flip = %q", got)
	}
	if got, want := FullStackPath("/out", "S1", 3, "tiff"), filepath.Join("/out", "FC", "S1_FC_000003.tiff"); got != want {
		t.Fatalf("FullStackPath = %q, want %q", got, want)
	}
}

func TestAugmentations(t *testing.T) {
	// 3 wide, 2 high: rows [1 2 3], [4 5 6].
	src := image.NewGray(image.Rect(0, 0, 3, 2))
	copy(src.Pix, []uint8{1, 2, 3, 4, 5, 6})

	tests := []struct {
		aug  Augmentation
		w, h int
		want []uint8
	}{
		{Identity, 3, 2, []uint8{1, 2, 3, 4, 5, 6}},
		{Transpose, 2, 3, []uint8{1, 4, 2, 5, 3, 6}},
		{Mirror, 3, 2, []uint8{4, 5, 6, 1, 2, 3}},
		{Flip, 3, 2, []uint8{3, 2, 1, 6, 5, 4}},
		{Augmentation("none"), 3, 2, []uint8{1, 2, 3, 4, 5, 6}},
	}
	for _, tt := range tests {
		got := tt.aug.Apply(src).(*image.Gray)
		if got.Rect.Dx() != tt.w || got.Rect.Dy() != tt.h {
			t.Fatalf("%s: size %v", tt.aug, got.Rect)
		}
		for i, v := range tt.want {
			if got.Pix[i] != v {
				t.Fatalf("%s: pix = %v, want %v", tt.aug, got.Pix, tt.want)
			}
		}
	}

	rgba := image.NewRGBA(image.Rect(0, 0, 2, 1))
	copy(rgba.Pix, []uint8{1, 2, 3, 255, 9, 8, 7, 255})
	flipped := Flip.Apply(rgba).(*image.RGBA)
	if flipped.Pix[0] != 9 || flipped.Pix[4] != 1 {
		t.Fatalf("rgba flip = %v", flipped.Pix)
	}

	if _, err := ParseAugmentation("rotate"); !volume.IsKind(err, volume.KindConfig) {
		t.Fatalf("ParseAugmentation(rotate) err = %v", err)
	}
}

func TestRun_WritesEveryUnit(t *testing.T) {
	w := newRecordingWriter()
	e := newTestEngine(syntheticStore(), w)
	root := "/out"

	var progressCalls int
	var mu sync.Mutex
	sum, err := e.Run(context.Background(), baseRequest(root), func(done, total int) {
		mu.Lock()
		progressCalls++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// 2 z levels x 4 augmentations x (2 channels + composite)
	if sum.Units != 24 || sum.Written != 24 || len(sum.Failed) != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if progressCalls != 24 {
		t.Fatalf("progress called %d times", progressCalls)
	}

	roi := volume.ROI{Z: volume.Range{Start: 2, End: 4}, Y: volume.Range{Start: 10, End: 42}, X: volume.Range{Start: 20, End: 52}}
	identity := OutputPath(root, CompositeDir, "S1", CompositeToken, roi, Identity, 3, "jpeg")
	transposed := OutputPath(root, CompositeDir, "S1", CompositeToken, roi, Transpose, 3, "jpeg")
	nucMirror := OutputPath(root, "nuclear", "S1", "s01", roi, Mirror, 2, "jpeg")
	for _, p := range []string{identity, transposed, nucMirror} {
		if _, ok := w.images[p]; !ok {
			t.Fatalf("missing output %s", p)
		}
	}

	a := w.images[identity].(*image.RGBA)
	b := w.images[transposed].(*image.RGBA)
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			if a.RGBAAt(x, y) != b.RGBAAt(y, x) {
				t.Fatalf("transposed composite differs at (%d,%d)", x, y)
			}
		}
	}
}

func TestRun_OutOfBoundsWritesNothing(t *testing.T) {
	w := newRecordingWriter()
	e := newTestEngine(syntheticStore(), w)
	req := baseRequest("/out")
	req.ROI.X = volume.Range{Start: 80, End: 101}

	_, err := e.Run(context.Background(), req, nil)
	if !volume.IsKind(err, volume.KindOutOfBounds) {
		t.Fatalf("err = %v, want out_of_bounds", err)
	}
	if len(w.images) != 0 {
		t.Fatalf("writer called %d times", len(w.images))
	}
}

func TestRun_ConfigErrors(t *testing.T) {
	cases := map[string]func(*Request){
		"inverted clip":     func(r *Request) { r.Channels[0].Clip = volume.Clip{Low: 500, High: 500} },
		"unknown recipe":    func(r *Request) { r.Composite.Recipe = "gram" },
		"unknown level":     func(r *Request) { r.ReadLevel = 2 },
		"unknown channel":   func(r *Request) { r.Channels[1].Token = "s07" },
		"unknown method":    func(r *Request) { r.Channels[0].Method = "gamma" },
		"unknown role":      func(r *Request) { r.Channels[0].Role = "membrane" },
		"duplicate channel": func(r *Request) { r.Channels = append(r.Channels, r.Channels[0]) },
		"unknown augment":   func(r *Request) { r.Augmentations = []Augmentation{"rotate"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			w := newRecordingWriter()
			e := newTestEngine(syntheticStore(), w)
			req := baseRequest("/out")
			mutate(&req)
			if _, err := e.Run(context.Background(), req, nil); !volume.IsKind(err, volume.KindConfig) {
				t.Fatalf("err = %v, want config", err)
			}
			if len(w.images) != 0 {
				t.Fatalf("writer called")
			}
		})
	}
}

func TestRun_IdentityAliases(t *testing.T) {
	root := "/out"
	roi := volume.ROI{Z: volume.Range{Start: 2, End: 4}, Y: volume.Range{Start: 10, End: 42}, X: volume.Range{Start: 20, End: 52}}
	want := OutputPath(root, "nuclear", "S1", "s01", roi, Identity, 3, "jpeg")

	run := func(augs ...Augmentation) image.Image {
		t.Helper()
		w := newRecordingWriter()
		e := newTestEngine(syntheticStore(), w)
		req := baseRequest(root)
		req.Channels = req.Channels[:1]
		req.Composite = nil
		req.Augmentations = augs
		req.OutputRoot = root
		sum, err := e.Run(context.Background(), req, nil)
		if err != nil {
			t.Fatalf("Run(%v): %v", augs, err)
		}
		if sum.Written != 2 {
			t.Fatalf("Run(%v): summary = %+v", augs, sum)
		}
		img, ok := w.images[want]
		if !ok {
			t.Fatalf("Run(%v): missing %s, have %d images", augs, want, len(w.images))
		}
		return img
	}

	base := run(Identity).(*image.Gray)
	for _, alias := range []Augmentation{"identity", "none"} {
		got := run(alias).(*image.Gray)
		if string(got.Pix) != string(base.Pix) {
			t.Fatalf("%q: pixels differ from identity", string(alias))
		}
	}
}

func TestRun_UnitFailuresAreIsolated(t *testing.T) {
	w := newRecordingWriter()
	w.failOn = "_mirror_"
	e := newTestEngine(syntheticStore(), w)

	sum, err := e.Run(context.Background(), baseRequest("/out"), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sum.Failed) != 6 || sum.Written != 18 {
		t.Fatalf("summary = %d written, %d failed", sum.Written, len(sum.Failed))
	}
	for _, f := range sum.Failed {
		if f.Unit.Aug != Mirror {
			t.Fatalf("unexpected failed unit %+v", f.Unit)
		}
		if !volume.IsKind(f.Err, volume.KindIO) {
			t.Fatalf("failure kind = %v", f.Err)
		}
	}
}

func TestRun_Cancelled(t *testing.T) {
	w := newRecordingWriter()
	e := newTestEngine(syntheticStore(), w)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := e.Run(ctx, baseRequest("/out"), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if sum.Written != 0 || sum.Cancelled != sum.Units {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestPlan_Headroom(t *testing.T) {
	e := newTestEngine(syntheticStore(), newRecordingWriter())
	req := baseRequest("/out")
	req.ROI.Z = volume.Range{Start: 10, End: 12}
	req.Headroom = 12

	if _, err := e.Plan(req); !volume.IsKind(err, volume.KindOutOfBounds) {
		t.Fatalf("err = %v, want out_of_bounds", err)
	}

	req.ClampZ = true
	plan, err := e.Plan(req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !plan.ZClamped || plan.ROI.Z != (volume.Range{Start: 7, End: 9}) {
		t.Fatalf("clamped z = %v (clamped=%v)", plan.ROI.Z, plan.ZClamped)
	}
}

func TestPlan_MapsToReadLevel(t *testing.T) {
	store := syntheticStore()
	coarse := volume.New(5, 25, 25)
	store.levels[1] = map[string]*volume.Volume{"s00": coarse, "s01": coarse}
	e := newTestEngine(store, newRecordingWriter())

	req := baseRequest("/out")
	req.ROI = volume.ROI{Z: volume.Range{Start: 4, End: 12}, Y: volume.Range{Start: 40, End: 80}, X: volume.Range{Start: 0, End: 100}, Level: 0}
	req.ReadLevel = 1
	plan, err := e.Plan(req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := volume.ROI{Z: volume.Range{Start: 1, End: 3}, Y: volume.Range{Start: 10, End: 20}, X: volume.Range{Start: 0, End: 25}, Level: 1}
	if plan.ROI != want {
		t.Fatalf("plan ROI = %v, want %v", plan.ROI, want)
	}
}

func TestRun_CLAHEChannelAndFullStack(t *testing.T) {
	w := newRecordingWriter()
	store := syntheticStore()
	e := newTestEngine(store, w)

	req := baseRequest("/out")
	req.Channels = []Channel{{Token: "s02", Role: volume.RoleMarker, Clip: volume.Clip{Low: 100, High: 1500}, Method: MethodCLAHE}}
	req.Composite = nil
	req.Augmentations = []Augmentation{Identity, Flip}
	sum, err := e.Run(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Written != 4 {
		t.Fatalf("written = %d, want 4", sum.Written)
	}
	for _, img := range w.images {
		if g, ok := img.(*image.Gray); !ok || g.Rect.Dx() != 32 || g.Rect.Dy() != 32 {
			t.Fatalf("clahe output = %T %v", img, img.Bounds())
		}
	}

	w2 := newRecordingWriter()
	e2 := newTestEngine(store, w2)
	full := baseRequest("/out")
	full.FullStack = true
	full.ROI = volume.ROI{}
	full.Channels = nil
	sum, err = e2.Run(context.Background(), full, nil)
	if err != nil {
		t.Fatalf("Run full stack: %v", err)
	}
	if sum.Written != 20 {
		t.Fatalf("full stack wrote %d, want 20", sum.Written)
	}
	if _, ok := w2.images[FullStackPath("/out", "S1", 19, "jpeg")]; !ok {
		t.Fatalf("missing last full-stack plane")
	}
}
