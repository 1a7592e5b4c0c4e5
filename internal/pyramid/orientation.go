package pyramid

import (
	"context"
	"math"

	"github.com/vhisto/server/internal/volume"
)

// Orientation modes accepted in sample configuration.
const (
	ModeAuto    = "auto"
	ModeNormal  = "normal"
	ModeSwapped = "swapped"
)

// DefaultAmbiguityTolerance is the relative difference between the first two
// axis extents below which automatic detection refuses to decide.
const DefaultAmbiguityTolerance = 0.05

// Orientation records whether axes 0 and 1 of a sample's stored volumes are
// exchanged. It is decided once per loaded sample from the stored level-0
// shape and reused for every channel.
type Orientation struct {
	Swapped   bool   `json:"swapped"`
	Ambiguous bool   `json:"ambiguous"`
	Source    [3]int `json:"source_shape"`
}

// DetectOrientation applies the shape[0] < shape[1] heuristic to a stored
// shape. Near-square first axes are flagged ambiguous.
func DetectOrientation(stored [3]int, tolerance float64) Orientation {
	a, b := float64(stored[0]), float64(stored[1])
	o := Orientation{Swapped: stored[0] < stored[1], Source: stored}
	if m := math.Max(a, b); m > 0 && math.Abs(a-b)/m < tolerance {
		o.Ambiguous = true
	}
	return o
}

// ResolveOrientation decides the orientation for a sample from its configured
// mode. In auto mode an ambiguous shape is a configuration error so that an
// operator confirms it explicitly.
func ResolveOrientation(mode string, stored [3]int, tolerance float64) (Orientation, error) {
	switch mode {
	case "", ModeAuto:
		o := DetectOrientation(stored, tolerance)
		if o.Ambiguous {
			return o, volume.Configf("pyramid.orientation",
				"shape %v has near-square first axes; set orientation to %q or %q", stored, ModeNormal, ModeSwapped)
		}
		return o, nil
	case ModeNormal:
		return Orientation{Source: stored}, nil
	case ModeSwapped:
		return Orientation{Swapped: true, Source: stored}, nil
	default:
		return Orientation{}, volume.Configf("pyramid.orientation", "unknown orientation mode %q", mode)
	}
}

// Apply returns v with axes 0 and 1 swapped when the orientation requires it.
func (o Orientation) Apply(v *volume.Volume) *volume.Volume {
	if !o.Swapped {
		return v
	}
	return v.SwapAxes01()
}

// Shape converts a stored shape into (z, y, x) order.
func (o Orientation) Shape(stored [3]int) [3]int {
	if o.Swapped {
		return [3]int{stored[1], stored[0], stored[2]}
	}
	return stored
}

// OrientedStore presents a sample's stored arrays in (z, y, x) order.
type OrientedStore struct {
	Store       volume.Store
	Orientation Orientation
}

// Shape returns the oriented extent of a (channel, level) array.
func (s OrientedStore) Shape(channel string, level, t int) ([3]int, error) {
	stored, err := s.Store.Shape(channel, level, t)
	if err != nil {
		return [3]int{}, err
	}
	return s.Orientation.Shape(stored), nil
}

// Read reads an oriented block. Swapped samples are read with the first two
// ranges exchanged and then reoriented.
func (s OrientedStore) Read(ctx context.Context, channel string, level, t int, z, y, x volume.Range) (*volume.Volume, error) {
	if !s.Orientation.Swapped {
		return s.Store.Read(ctx, channel, level, t, z, y, x)
	}
	v, err := s.Store.Read(ctx, channel, level, t, y, z, x)
	if err != nil {
		return nil, err
	}
	return s.Orientation.Apply(v), nil
}
