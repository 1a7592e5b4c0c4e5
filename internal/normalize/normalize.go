// Package normalize turns raw 16-bit channel intensities into bounded ranges:
// 8-bit display values, a fixed working range for false coloring, and
// contrast-limited adaptive equalization.
package normalize

import (
	"math"
	"sort"

	"github.com/vhisto/server/internal/volume"
)

// WorkingRangeMax is the upper bound of RescaleToWorkingRange output.
const WorkingRangeMax = 10000

// DefaultBackgroundThreshold separates background from foreground samples.
const DefaultBackgroundThreshold = 50

// RescaleToByte clips samples to clip and maps the window linearly onto 0..255.
func RescaleToByte(src []uint16, clip volume.Clip) ([]uint8, error) {
	if err := clip.Validate(); err != nil {
		return nil, err
	}
	scale := 255 / (clip.High - clip.Low)
	out := make([]uint8, len(src))
	for i, v := range src {
		out[i] = uint8(math.Round(clipUnit(float64(v), clip) * scale))
	}
	return out, nil
}

// RescaleToWorkingRange clips samples to clip and maps the window linearly onto 0..10000.
func RescaleToWorkingRange(src []uint16, clip volume.Clip) ([]float32, error) {
	if err := clip.Validate(); err != nil {
		return nil, err
	}
	scale := WorkingRangeMax / (clip.High - clip.Low)
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(clipUnit(float64(v), clip) * scale)
	}
	return out, nil
}

// clipUnit returns v clipped to the window, offset so Low maps to zero.
func clipUnit(v float64, clip volume.Clip) float64 {
	if v <= clip.Low {
		return 0
	}
	if v >= clip.High {
		return clip.High - clip.Low
	}
	return v - clip.Low
}

// EstimateBackground returns a bright foreground level and the background
// anchor derived from it. Foreground is every sample strictly above
// threshold; hiVal is its 95th percentile and background is hiVal/5. With no
// foreground both values are zero.
func EstimateBackground(samples []float32, threshold float64) (hiVal, background float64) {
	sorted := make([]float64, len(samples))
	for i, v := range samples {
		sorted[i] = float64(v)
	}
	sort.Float64s(sorted)

	first := sort.Search(len(sorted), func(i int) bool { return sorted[i] > threshold })
	fg := sorted[first:]
	if len(fg) == 0 {
		return 0, 0
	}
	idx := int(math.RoundToEven(float64(len(fg)) * 0.95))
	if idx > len(fg)-1 {
		idx = len(fg) - 1
	}
	hiVal = fg[idx]
	return hiVal, hiVal / 5
}

// EstimateBackgroundUint16 is EstimateBackground over raw samples.
func EstimateBackgroundUint16(samples []uint16, threshold float64) (hiVal, background float64) {
	f := make([]float32, len(samples))
	for i, v := range samples {
		f[i] = float32(v)
	}
	return EstimateBackground(f, threshold)
}
