package volume

import (
	"errors"
	"fmt"
	"testing"
)

func TestSwapAxes01(t *testing.T) {
	v := New(2, 3, 4)
	for z := 0; z < 2; z++ {
		for y := 0; y < 3; y++ {
			for x := 0; x < 4; x++ {
				v.Set(z, y, x, uint16(z*100+y*10+x))
			}
		}
	}

	s := v.SwapAxes01()
	if s.Shape != [3]int{3, 2, 4} {
		t.Fatalf("shape = %v, want [3 2 4]", s.Shape)
	}
	for z := 0; z < 2; z++ {
		for y := 0; y < 3; y++ {
			for x := 0; x < 4; x++ {
				if got, want := s.At(y, z, x), v.At(z, y, x); got != want {
					t.Fatalf("swapped(%d,%d,%d) = %d, want %d", y, z, x, got, want)
				}
			}
		}
	}

	back := s.SwapAxes01()
	for i := range v.Data {
		if back.Data[i] != v.Data[i] {
			t.Fatalf("double swap differs at %d", i)
		}
	}
}

func TestPlaneSharesData(t *testing.T) {
	v := New(3, 2, 2)
	v.Set(1, 1, 0, 42)
	p, err := v.Plane(1)
	if err != nil {
		t.Fatalf("Plane: %v", err)
	}
	if p.Width != 2 || p.Height != 2 {
		t.Fatalf("plane dims = %dx%d", p.Width, p.Height)
	}
	if p.Pix[2] != 42 {
		t.Fatalf("pix[2] = %d, want 42", p.Pix[2])
	}
	if _, err := v.Plane(3); !IsKind(err, KindOutOfBounds) {
		t.Fatalf("Plane(3) err = %v, want out_of_bounds", err)
	}
}

func TestOpErrorClassification(t *testing.T) {
	err := fmt.Errorf("unit z=4: %w", OutOfBoundsf("pyramid.validate", "x1=%d > %d", 120, 100))
	if !IsKind(err, KindOutOfBounds) {
		t.Fatalf("IsKind out_of_bounds = false")
	}
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("errors.Is(ErrOutOfBounds) = false")
	}
	if errors.Is(err, ErrConfig) {
		t.Fatalf("errors.Is(ErrConfig) = true")
	}

	ioErr := IOError("raster.write", "/tmp/x.jpeg", errors.New("disk full"))
	if got := ioErr.Error(); got != "raster.write: io (path=/tmp/x.jpeg): disk full" {
		t.Fatalf("Error() = %q", got)
	}
}
