// Package pyramid translates regions of interest between resolution levels of
// a multiscale volume and validates them against level extents.
package pyramid

import (
	"fmt"
	"math"
	"sort"

	"github.com/vhisto/server/internal/volume"
)

// Scale is the downsampling factor of a level relative to level 0, per axis (z, y, x).
type Scale [3]float64

// Uniform returns a scale with the same factor on every axis.
func Uniform(f float64) Scale {
	return Scale{f, f, f}
}

// ScaleTable maps pyramid levels to their downsampling factors.
type ScaleTable map[int]Scale

// DefaultScaleTable is the factor table observed on most samples.
func DefaultScaleTable() ScaleTable {
	return ScaleTable{0: Uniform(1), 1: Uniform(4), 3: Uniform(8)}
}

// Factor returns the scale of level, or a configuration error for unknown levels.
func (t ScaleTable) Factor(level int) (Scale, error) {
	s, ok := t[level]
	if !ok {
		return Scale{}, volume.Configf("pyramid.factor", "unknown pyramid level %d", level)
	}
	for _, f := range s {
		if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return Scale{}, volume.Configf("pyramid.factor", "level %d has invalid factor %v", level, s)
		}
	}
	return s, nil
}

// Levels returns the configured levels in ascending order.
func (t ScaleTable) Levels() []int {
	out := make([]int, 0, len(t))
	for lvl := range t {
		out = append(out, lvl)
	}
	sort.Ints(out)
	return out
}

// MapRange scales a half-open range by from/to. The start is floored and the
// end is the start plus the rounded scaled length.
func MapRange(r volume.Range, from, to float64) volume.Range {
	start := int(math.Floor(float64(r.Start) * from / to))
	return volume.Range{
		Start: start,
		End:   start + int(math.Round(float64(r.Len())*from/to)),
	}
}

// MapROI converts roi into the coordinates of level to. The result is not
// clamped; callers validate it against the destination extent.
func (t ScaleTable) MapROI(roi volume.ROI, to int) (volume.ROI, error) {
	from, err := t.Factor(roi.Level)
	if err != nil {
		return volume.ROI{}, err
	}
	dst, err := t.Factor(to)
	if err != nil {
		return volume.ROI{}, err
	}
	return volume.ROI{
		Z:     MapRange(roi.Z, from[0], dst[0]),
		Y:     MapRange(roi.Y, from[1], dst[1]),
		X:     MapRange(roi.X, from[2], dst[2]),
		Level: to,
	}, nil
}

// Validate checks 0 <= start < end <= extent on every axis.
func Validate(roi volume.ROI, extent [3]int) error {
	axes := [3]string{"z", "y", "x"}
	for d, r := range [3]volume.Range{roi.Z, roi.Y, roi.X} {
		if r.Start < 0 || r.Start >= r.End || r.End > extent[d] {
			return volume.OutOfBoundsf("pyramid.validate",
				"%s range %s outside level %d extent %d", axes[d], r, roi.Level, extent[d])
		}
	}
	return nil
}

// ClampZForHeadroom pulls a z start down so that at least headroom levels
// remain above it. It reports whether the start was changed. This is the one
// place where a coordinate is clipped rather than rejected.
func ClampZForHeadroom(zStart, extentZ, headroom int) (int, bool) {
	limit := extentZ - headroom - 1
	if limit < 0 {
		limit = 0
	}
	if zStart > limit {
		return limit, true
	}
	if zStart < 0 {
		return 0, true
	}
	return zStart, false
}

// CheckHeadroom rejects a z range whose start leaves fewer than headroom
// levels above it, or whose end exceeds the extent.
func CheckHeadroom(z volume.Range, extentZ, headroom int) error {
	if z.Start > extentZ-headroom-1 {
		return volume.OutOfBoundsf("pyramid.headroom",
			"z start %d leaves fewer than %d levels below extent %d", z.Start, headroom, extentZ)
	}
	if z.End > extentZ {
		return volume.OutOfBoundsf("pyramid.headroom", "z range %s exceeds extent %d", z, extentZ)
	}
	return nil
}

func (s Scale) String() string {
	if s[0] == s[1] && s[1] == s[2] {
		return fmt.Sprintf("%gx", s[0])
	}
	return fmt.Sprintf("%gx%gx%g", s[0], s[1], s[2])
}
