package normalize

import (
	"math"

	"github.com/vhisto/server/internal/volume"
)

// DefaultClipLimit is the contrast-limiting fraction used for adaptive equalization.
const DefaultClipLimit = 0.01

const claheBins = 256

// AdaptiveLocalEqualize clips a block to clip and applies contrast-limited
// adaptive histogram equalization. Each axis uses a kernel of kernelFraction
// times its extent; tile mappings are interpolated (tri)linearly. A single
// plane is a block with one z level.
func AdaptiveLocalEqualize(block *volume.Volume, clip volume.Clip, kernelFraction float64) ([]uint8, error) {
	if err := clip.Validate(); err != nil {
		return nil, err
	}
	if kernelFraction <= 0 || kernelFraction > 1 {
		return nil, volume.Configf("normalize.clahe", "kernel fraction %v outside (0, 1]", kernelFraction)
	}

	shape := block.Shape
	var kernel, tiles [3]int
	for d := 0; d < 3; d++ {
		kernel[d] = max(1, int(float64(shape[d])*kernelFraction))
		tiles[d] = (shape[d] + kernel[d] - 1) / kernel[d]
	}

	bins := make([]uint8, len(block.Data))
	for i, v := range block.Data {
		u := clipUnit(float64(v), clip) / (clip.High - clip.Low)
		bins[i] = uint8(min(claheBins-1, int(u*claheBins)))
	}

	nTiles := tiles[0] * tiles[1] * tiles[2]
	maps := make([][]float64, nTiles)
	for tz := 0; tz < tiles[0]; tz++ {
		for ty := 0; ty < tiles[1]; ty++ {
			for tx := 0; tx < tiles[2]; tx++ {
				lo := [3]int{tz * kernel[0], ty * kernel[1], tx * kernel[2]}
				hi := [3]int{
					min(shape[0], lo[0]+kernel[0]),
					min(shape[1], lo[1]+kernel[1]),
					min(shape[2], lo[2]+kernel[2]),
				}
				maps[(tz*tiles[1]+ty)*tiles[2]+tx] = tileMapping(block, bins, lo, hi, kernel)
			}
		}
	}

	out := make([]uint8, len(block.Data))
	var t0, t1 [3]int
	var frac [3]float64
	for z := 0; z < shape[0]; z++ {
		t0[0], t1[0], frac[0] = neighbours(z, kernel[0], tiles[0])
		for y := 0; y < shape[1]; y++ {
			t0[1], t1[1], frac[1] = neighbours(y, kernel[1], tiles[1])
			for x := 0; x < shape[2]; x++ {
				t0[2], t1[2], frac[2] = neighbours(x, kernel[2], tiles[2])
				i := block.Index(z, y, x)
				b := bins[i]
				var acc float64
				for c := 0; c < 8; c++ {
					w := 1.0
					var idx [3]int
					for d := 0; d < 3; d++ {
						if c&(1<<d) != 0 {
							idx[d] = t1[d]
							w *= frac[d]
						} else {
							idx[d] = t0[d]
							w *= 1 - frac[d]
						}
					}
					if w == 0 {
						continue
					}
					acc += w * maps[(idx[0]*tiles[1]+idx[1])*tiles[2]+idx[2]][b]
				}
				out[i] = uint8(math.Round(math.Min(255, math.Max(0, acc))))
			}
		}
	}
	return out, nil
}

// neighbours returns the two tile indices whose centres bracket pos and the
// weight of the second.
func neighbours(pos, kernel, tiles int) (int, int, float64) {
	t := (float64(pos) - float64(kernel-1)/2) / float64(kernel)
	if t <= 0 {
		return 0, 0, 0
	}
	if t >= float64(tiles-1) {
		return tiles - 1, tiles - 1, 0
	}
	t0 := int(t)
	return t0, t0 + 1, t - float64(t0)
}

// tileMapping builds the clipped, redistributed cumulative histogram of one
// tile scaled to 0..255.
func tileMapping(block *volume.Volume, bins []uint8, lo, hi, kernel [3]int) []float64 {
	hist := make([]int, claheBins)
	n := 0
	for z := lo[0]; z < hi[0]; z++ {
		for y := lo[1]; y < hi[1]; y++ {
			row := block.Index(z, y, 0)
			for x := lo[2]; x < hi[2]; x++ {
				hist[bins[row+x]]++
				n++
			}
		}
	}

	limit := max(1, int(DefaultClipLimit*float64(kernel[0]*kernel[1]*kernel[2])))
	excess := 0
	for i, c := range hist {
		if c > limit {
			excess += c - limit
			hist[i] = limit
		}
	}
	each, rest := excess/claheBins, excess%claheBins
	for i := range hist {
		hist[i] += each
	}
	if rest > 0 {
		step := max(1, claheBins/rest)
		for i := 0; i < claheBins && rest > 0; i += step {
			hist[i]++
			rest--
		}
	}

	mapping := make([]float64, claheBins)
	cum := 0
	for i, c := range hist {
		cum += c
		mapping[i] = float64(cum) * 255 / float64(n)
	}
	return mapping
}

// EqualizePlane runs AdaptiveLocalEqualize on a single plane.
func EqualizePlane(p *volume.Plane, clip volume.Clip, kernelFraction float64) ([]uint8, error) {
	block := &volume.Volume{Shape: [3]int{1, p.Height, p.Width}, Data: p.Pix}
	return AdaptiveLocalEqualize(block, clip, kernelFraction)
}
