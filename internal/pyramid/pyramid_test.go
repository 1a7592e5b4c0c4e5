package pyramid

import (
	"context"
	"testing"

	"github.com/vhisto/server/internal/volume"
)

func rng(a, b int) volume.Range { return volume.Range{Start: a, End: b} }

func TestMapROI(t *testing.T) {
	table := ScaleTable{0: Uniform(1), 1: Uniform(4), 3: Uniform(8)}

	tests := []struct {
		name string
		roi  volume.ROI
		to   int
		want volume.ROI
	}{
		{
			name: "level1 to full resolution",
			roi:  volume.ROI{Z: rng(10, 20), Y: rng(100, 150), X: rng(7, 9), Level: 1},
			to:   0,
			want: volume.ROI{Z: rng(40, 80), Y: rng(400, 600), X: rng(28, 36), Level: 0},
		},
		{
			name: "full resolution to level3 floors start",
			roi:  volume.ROI{Z: rng(13, 29), Y: rng(800, 1600), X: rng(15, 31), Level: 0},
			to:   3,
			want: volume.ROI{Z: rng(1, 3), Y: rng(100, 200), X: rng(1, 3), Level: 3},
		},
		{
			name: "level3 to level1",
			roi:  volume.ROI{Z: rng(2, 5), Y: rng(0, 10), X: rng(1, 2), Level: 3},
			to:   1,
			want: volume.ROI{Z: rng(4, 10), Y: rng(0, 20), X: rng(2, 4), Level: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := table.MapROI(tt.roi, tt.to)
			if err != nil {
				t.Fatalf("MapROI: %v", err)
			}
			if got != tt.want {
				t.Fatalf("MapROI = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMapROI_UnknownLevel(t *testing.T) {
	table := DefaultScaleTable()
	_, err := table.MapROI(volume.ROI{Z: rng(0, 1), Y: rng(0, 1), X: rng(0, 1), Level: 2}, 0)
	if !volume.IsKind(err, volume.KindConfig) {
		t.Fatalf("err = %v, want config", err)
	}
	_, err = table.MapROI(volume.ROI{Z: rng(0, 1), Y: rng(0, 1), X: rng(0, 1), Level: 0}, 5)
	if !volume.IsKind(err, volume.KindConfig) {
		t.Fatalf("err = %v, want config", err)
	}
}

func TestMapROI_RoundTrip(t *testing.T) {
	// The coarse-to-fine direction has an integer ratio.
	for _, table := range []ScaleTable{
		{0: Uniform(1), 1: Uniform(4)},
		{0: Uniform(1), 3: Uniform(3)},
		{1: Uniform(4), 3: Uniform(8)},
	} {
		levels := table.Levels()
		fine, coarse := levels[0], levels[1]
		for start := 0; start < 40; start++ {
			for n := 1; n < 13; n++ {
				roi := volume.ROI{Z: rng(start, start+n), Y: rng(start*2, start*2+n), X: rng(start+3, start+3+2*n), Level: coarse}
				mid, err := table.MapROI(roi, fine)
				if err != nil {
					t.Fatalf("MapROI: %v", err)
				}
				back, err := table.MapROI(mid, coarse)
				if err != nil {
					t.Fatalf("MapROI: %v", err)
				}
				for d, pair := range [3][2]volume.Range{{roi.Z, back.Z}, {roi.Y, back.Y}, {roi.X, back.X}} {
					if pair[0].Start != pair[1].Start {
						t.Fatalf("axis %d start %d -> %d", d, pair[0].Start, pair[1].Start)
					}
					if diff := pair[0].End - pair[1].End; diff < -1 || diff > 1 {
						t.Fatalf("axis %d end %d -> %d differs by more than one", d, pair[0].End, pair[1].End)
					}
				}
			}
		}
	}
}

func TestValidate(t *testing.T) {
	extent := [3]int{20, 100, 100}
	ok := volume.ROI{Z: rng(0, 20), Y: rng(10, 100), X: rng(0, 1)}
	if err := Validate(ok, extent); err != nil {
		t.Fatalf("Validate(%v): %v", ok, err)
	}

	bad := []volume.ROI{
		{Z: rng(0, 20), Y: rng(0, 100), X: rng(0, 101)},
		{Z: rng(-1, 5), Y: rng(0, 100), X: rng(0, 10)},
		{Z: rng(5, 5), Y: rng(0, 100), X: rng(0, 10)},
		{Z: rng(0, 5), Y: rng(50, 40), X: rng(0, 10)},
	}
	for _, roi := range bad {
		if err := Validate(roi, extent); !volume.IsKind(err, volume.KindOutOfBounds) {
			t.Errorf("Validate(%v) = %v, want out_of_bounds", roi, err)
		}
	}
}

func TestHeadroom(t *testing.T) {
	if got, clipped := ClampZForHeadroom(95, 100, 12); got != 87 || !clipped {
		t.Fatalf("ClampZForHeadroom(95) = %d,%v, want 87,true", got, clipped)
	}
	if got, clipped := ClampZForHeadroom(40, 100, 12); got != 40 || clipped {
		t.Fatalf("ClampZForHeadroom(40) = %d,%v, want 40,false", got, clipped)
	}
	if err := CheckHeadroom(rng(87, 99), 100, 12); err != nil {
		t.Fatalf("CheckHeadroom(87): %v", err)
	}
	if err := CheckHeadroom(rng(88, 99), 100, 12); !volume.IsKind(err, volume.KindOutOfBounds) {
		t.Fatalf("CheckHeadroom(88) = %v, want out_of_bounds", err)
	}
	if err := CheckHeadroom(rng(10, 101), 100, 0); !volume.IsKind(err, volume.KindOutOfBounds) {
		t.Fatalf("CheckHeadroom end past extent = %v, want out_of_bounds", err)
	}
}

func TestResolveOrientation(t *testing.T) {
	o, err := ResolveOrientation(ModeAuto, [3]int{300, 2000, 1800}, DefaultAmbiguityTolerance)
	if err != nil || !o.Swapped {
		t.Fatalf("auto 300x2000 = %+v, %v; want swapped", o, err)
	}
	o, err = ResolveOrientation(ModeAuto, [3]int{2000, 300, 1800}, DefaultAmbiguityTolerance)
	if err != nil || o.Swapped {
		t.Fatalf("auto 2000x300 = %+v, %v; want normal", o, err)
	}
	_, err = ResolveOrientation(ModeAuto, [3]int{1000, 1020, 900}, DefaultAmbiguityTolerance)
	if !volume.IsKind(err, volume.KindConfig) {
		t.Fatalf("near-square auto err = %v, want config", err)
	}
	o, err = ResolveOrientation(ModeSwapped, [3]int{1000, 1020, 900}, DefaultAmbiguityTolerance)
	if err != nil || !o.Swapped {
		t.Fatalf("explicit swapped = %+v, %v", o, err)
	}
	if _, err := ResolveOrientation("sideways", [3]int{1, 2, 3}, 0); !volume.IsKind(err, volume.KindConfig) {
		t.Fatalf("unknown mode err = %v, want config", err)
	}
}

// fakeStore serves identical stored volumes for every channel and counts Shape calls.
type fakeStore struct {
	vol        *volume.Volume
	shapeCalls int
}

func (f *fakeStore) Shape(string, int, int) ([3]int, error) {
	f.shapeCalls++
	return f.vol.Shape, nil
}

func (f *fakeStore) Read(_ context.Context, _ string, _, _ int, z, y, x volume.Range) (*volume.Volume, error) {
	out := volume.New(z.Len(), y.Len(), x.Len())
	for i := 0; i < z.Len(); i++ {
		for j := 0; j < y.Len(); j++ {
			for k := 0; k < x.Len(); k++ {
				out.Set(i, j, k, f.vol.At(z.Start+i, y.Start+j, x.Start+k))
			}
		}
	}
	return out, nil
}

func TestOrientedStore_OneDecisionForAllChannels(t *testing.T) {
	stored := volume.New(4, 10, 3)
	for i := range stored.Data {
		stored.Data[i] = uint16(i)
	}
	fs := &fakeStore{vol: stored}

	shape, _ := fs.Shape("s00", 0, 0)
	o := DetectOrientation(shape, DefaultAmbiguityTolerance)
	if !o.Swapped {
		t.Fatalf("4x10 stored shape should be swapped")
	}
	oriented := OrientedStore{Store: fs, Orientation: o}

	logical, err := oriented.Shape("s01", 0, 0)
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	if logical != [3]int{10, 4, 3} {
		t.Fatalf("logical shape = %v", logical)
	}
	// Re-detecting from the already reoriented shape would flip the decision.
	if DetectOrientation(logical, DefaultAmbiguityTolerance).Swapped {
		t.Fatalf("re-detection on oriented shape unexpectedly swapped")
	}

	z, y, x := rng(2, 7), rng(1, 3), rng(0, 3)
	for _, ch := range []string{"s00", "s01", "s02"} {
		v, err := oriented.Read(context.Background(), ch, 0, 0, z, y, x)
		if err != nil {
			t.Fatalf("Read(%s): %v", ch, err)
		}
		if v.Shape != [3]int{5, 2, 3} {
			t.Fatalf("Read(%s) shape = %v", ch, v.Shape)
		}
		for i := 0; i < 5; i++ {
			for j := 0; j < 2; j++ {
				for k := 0; k < 3; k++ {
					if got, want := v.At(i, j, k), stored.At(y.Start+j, z.Start+i, k); got != want {
						t.Fatalf("%s (%d,%d,%d) = %d, want %d", ch, i, j, k, got, want)
					}
				}
			}
		}
	}
	if fs.shapeCalls != 2 {
		t.Fatalf("store Shape called %d times, want 2", fs.shapeCalls)
	}
}
