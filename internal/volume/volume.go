// Package volume holds the in-memory types shared by the extraction pipeline:
// 16-bit channel volumes, 2D planes, half-open ranges and regions of interest.
package volume

import (
	"context"
	"fmt"
)

// Range is a half-open integer interval [Start, End).
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns End-Start.
func (r Range) Len() int {
	return r.End - r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[%d:%d)", r.Start, r.End)
}

// ROI is a cuboid region in the coordinates of one pyramid level.
type ROI struct {
	Z     Range `json:"z"`
	Y     Range `json:"y"`
	X     Range `json:"x"`
	Level int   `json:"level"`
}

func (r ROI) String() string {
	return fmt.Sprintf("level=%d z=%s y=%s x=%s", r.Level, r.Z, r.Y, r.X)
}

// Shape returns the (z, y, x) extents of the region.
func (r ROI) Shape() [3]int {
	return [3]int{r.Z.Len(), r.Y.Len(), r.X.Len()}
}

// Volume is a dense uint16 block in (z, y, x) order.
type Volume struct {
	Shape [3]int
	Data  []uint16
}

// New allocates a zeroed volume.
func New(nz, ny, nx int) *Volume {
	return &Volume{
		Shape: [3]int{nz, ny, nx},
		Data:  make([]uint16, nz*ny*nx),
	}
}

// Index returns the flat offset of (z, y, x).
func (v *Volume) Index(z, y, x int) int {
	return (z*v.Shape[1]+y)*v.Shape[2] + x
}

// At returns the sample at (z, y, x).
func (v *Volume) At(z, y, x int) uint16 {
	return v.Data[v.Index(z, y, x)]
}

// Set stores a sample at (z, y, x).
func (v *Volume) Set(z, y, x int, val uint16) {
	v.Data[v.Index(z, y, x)] = val
}

// Plane returns z-slice i as a Plane sharing the volume's backing array.
func (v *Volume) Plane(z int) (*Plane, error) {
	if z < 0 || z >= v.Shape[0] {
		return nil, &OpError{Op: "volume.plane", Kind: KindOutOfBounds,
			Err: fmt.Errorf("z=%d outside [0:%d)", z, v.Shape[0])}
	}
	n := v.Shape[1] * v.Shape[2]
	return &Plane{
		Width:  v.Shape[2],
		Height: v.Shape[1],
		Pix:    v.Data[z*n : (z+1)*n],
	}, nil
}

// SwapAxes01 returns a new volume with the first two axes exchanged.
func (v *Volume) SwapAxes01() *Volume {
	a, b, c := v.Shape[0], v.Shape[1], v.Shape[2]
	out := New(b, a, c)
	for i := 0; i < a; i++ {
		for j := 0; j < b; j++ {
			src := v.Data[(i*b+j)*c : (i*b+j+1)*c]
			copy(out.Data[(j*a+i)*c:(j*a+i+1)*c], src)
		}
	}
	return out
}

// Plane is a single 2D uint16 raster, row-major.
type Plane struct {
	Width  int
	Height int
	Pix    []uint16
}

// NewPlane allocates a zeroed plane.
func NewPlane(w, h int) *Plane {
	return &Plane{Width: w, Height: h, Pix: make([]uint16, w*h)}
}

// Floats converts the plane to float32 samples.
func (p *Plane) Floats() []float32 {
	out := make([]float32, len(p.Pix))
	for i, v := range p.Pix {
		out[i] = float32(v)
	}
	return out
}

// Store reads hyper-rectangles of one (channel, level) dataset. Ranges are in
// the dataset's own axis order. Implementations must tolerate concurrent
// reads of disjoint regions.
type Store interface {
	Read(ctx context.Context, channel string, level, t int, z, y, x Range) (*Volume, error)
	Shape(channel string, level, t int) ([3]int, error)
}
