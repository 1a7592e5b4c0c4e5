package normalize

import (
	"image"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/vhisto/server/internal/volume"
)

// SuggestMode selects the auto-rescale heuristic.
type SuggestMode string

const (
	// SuggestBackground derives the low bound from the background estimate.
	SuggestBackground SuggestMode = "background"
	// SuggestPercentile uses the 2nd percentile as the low bound.
	SuggestPercentile SuggestMode = "percentile"
)

// SuggestClip proposes a clip window for a plane of raw samples. The high
// bound is a stretched 99th percentile; the low bound depends on mode and role.
func SuggestClip(samples []uint16, role volume.Role, mode SuggestMode) volume.Clip {
	if len(samples) == 0 {
		return volume.Clip{Low: 0, High: 1}
	}
	sorted := make([]float64, len(samples))
	for i, v := range samples {
		sorted[i] = float64(v)
	}
	sort.Float64s(sorted)
	p99 := stat.Quantile(0.99, stat.LinInterp, sorted, nil)

	var clip volume.Clip
	switch mode {
	case SuggestPercentile:
		clip = volume.Clip{
			Low:  math.Trunc(stat.Quantile(0.02, stat.LinInterp, sorted, nil)),
			High: math.Trunc(p99 * 1.25),
		}
	default:
		hiVal, _ := EstimateBackgroundUint16(samples, DefaultBackgroundThreshold)
		div := 3.0
		if role == volume.RoleCyto {
			div = 5
		}
		clip = volume.Clip{
			Low:  math.Trunc(hiVal / div),
			High: math.Trunc(p99 * 1.35),
		}
	}
	if clip.Low >= clip.High {
		clip.High = clip.Low + 1
	}
	return clip
}

// DisplayClip rescales an RGB image so its given percentile maps to 255.
// It is a presentation step; the input is left untouched.
func DisplayClip(img *image.RGBA, percentile float64) *image.RGBA {
	b := img.Bounds()
	vals := make([]float64, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			o := img.PixOffset(x, y)
			vals = append(vals, float64(img.Pix[o]), float64(img.Pix[o+1]), float64(img.Pix[o+2]))
		}
	}
	out := image.NewRGBA(b)
	copy(out.Pix, img.Pix)
	if len(vals) == 0 || floats.Max(vals) == 0 {
		return out
	}
	sort.Float64s(vals)
	top := stat.Quantile(percentile/100, stat.LinInterp, vals, nil)
	if top <= 0 || top >= 255 {
		return out
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			o := out.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				out.Pix[o+c] = uint8(math.Min(255, math.Round(float64(out.Pix[o+c])*255/top)))
			}
		}
	}
	return out
}
