package colormap

import (
	"image/color"
	"testing"
)

func TestGrayEndpoints(t *testing.T) {
	t.Parallel()

	c0, ok := Gray.At(0).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=0")
	}
	if c0 != (color.RGBA{A: 255}) {
		t.Fatalf("unexpected Gray.At(0): %#v", c0)
	}
	if c1 := Gray.At(1).(color.RGBA); c1 != (color.RGBA{R: 255, G: 255, B: 255, A: 255}) {
		t.Fatalf("unexpected Gray.At(1): %#v", c1)
	}
}

func TestLUTMatchesIdentityForGray(t *testing.T) {
	t.Parallel()

	lut := LUT(Gray)
	for i, c := range lut {
		if int(c.R) != i || c.R != c.G || c.G != c.B {
			t.Fatalf("lut[%d] = %#v", i, c)
		}
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	if _, err := Lookup("Viridis"); err != nil {
		t.Fatalf("Lookup(Viridis): %v", err)
	}
	if _, err := Lookup("jet"); err == nil {
		t.Fatal("expected error for unknown colormap")
	}
	c, err := Lookup("nuclear")
	if err != nil {
		t.Fatalf("Lookup(nuclear): %v", err)
	}
	if top := c.At(1).(color.RGBA); top.B != 255 || top.R != 0 {
		t.Fatalf("nuclear tint = %#v", top)
	}
}

func TestParseHex(t *testing.T) {
	t.Parallel()

	c, err := ParseHex("#ffff00")
	if err != nil {
		t.Fatalf("ParseHex: %v", err)
	}
	if c != (color.RGBA{R: 255, G: 255, A: 255}) {
		t.Fatalf("ParseHex = %#v", c)
	}
	for _, bad := range []string{"#fff", "zzzzzz"} {
		if _, err := ParseHex(bad); err == nil {
			t.Errorf("ParseHex(%q) accepted", bad)
		}
	}
}
