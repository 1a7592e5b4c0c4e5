package falsecolor

import (
	"image"
	"math"

	"github.com/vhisto/server/internal/normalize"
	"github.com/vhisto/server/internal/volume"
)

// Absorbance constants applied after background subtraction.
const (
	KNuclear = 0.08
	KSecond  = 0.012
	// Gamma compresses background-subtracted intensities.
	Gamma = 0.85
)

// Params configures one compositing call. Zero norm factors and thresholds
// fall back to the recipe and package defaults.
type Params struct {
	Recipe           Recipe
	NuclearNorm      float64
	SecondNorm       float64
	NuclearThreshold float64
	SecondThreshold  float64

	// Optional flat-field images. When set, the channel is divided by the
	// flat field instead of being background subtracted, and k becomes 1.
	NuclearFlatField []float32
	SecondFlatField  []float32
}

func (p Params) resolved() (Params, error) {
	if p.NuclearNorm == 0 {
		p.NuclearNorm = p.Recipe.NuclearNorm
	}
	if p.SecondNorm == 0 {
		p.SecondNorm = p.Recipe.SecondNorm
	}
	if p.NuclearThreshold == 0 {
		p.NuclearThreshold = normalize.DefaultBackgroundThreshold
	}
	if p.SecondThreshold == 0 {
		p.SecondThreshold = normalize.DefaultBackgroundThreshold
	}
	if p.NuclearNorm <= 0 || p.SecondNorm <= 0 {
		return p, volume.Configf("falsecolor.params", "norm factors must be positive (nuclear=%v second=%v)", p.NuclearNorm, p.SecondNorm)
	}
	return p, nil
}

// Prepare background-subtracts a channel, clamps at zero, compresses with
// Gamma and scales by 255/normFactor. The input is not modified.
func Prepare(img []float32, threshold, normFactor float64) []float64 {
	_, bg := normalize.EstimateBackground(img, threshold)
	scale := 255 / normFactor
	out := make([]float64, len(img))
	for i, v := range img {
		d := float64(v) - bg
		if d <= 0 {
			continue
		}
		out[i] = math.Pow(d, Gamma) * scale
	}
	return out
}

// DivideFlatField divides img by ff wherever ff is non-zero.
func DivideFlatField(img, ff []float32) []float64 {
	out := make([]float64, len(img))
	for i, v := range img {
		if ff[i] != 0 {
			out[i] = float64(v) / float64(ff[i])
		} else {
			out[i] = float64(v)
		}
	}
	return out
}

// FalseColor composites a nuclear and a second channel plane of the given
// size into an 8-bit RGB image. Each output plane i is
// 255*exp(-(nuc*nucCoeff[i]*kNuc + second*secondCoeff[i]*kSecond)).
func FalseColor(nuclear, second []float32, width, height int, p Params) (*image.RGBA, error) {
	n := width * height
	if width <= 0 || height <= 0 {
		return nil, volume.Configf("falsecolor", "invalid size %dx%d", width, height)
	}
	if len(nuclear) != n || len(second) != n {
		return nil, volume.Configf("falsecolor", "channel sizes %d/%d do not match %dx%d", len(nuclear), len(second), width, height)
	}
	p, err := p.resolved()
	if err != nil {
		return nil, err
	}

	var nuc, sec []float64
	kNuc, kSec := KNuclear, KSecond
	if p.NuclearFlatField != nil {
		if len(p.NuclearFlatField) != n {
			return nil, volume.Configf("falsecolor", "nuclear flat field has %d samples, want %d", len(p.NuclearFlatField), n)
		}
		nuc, kNuc = DivideFlatField(nuclear, p.NuclearFlatField), 1
	} else {
		nuc = Prepare(nuclear, p.NuclearThreshold, p.NuclearNorm)
	}
	if p.SecondFlatField != nil {
		if len(p.SecondFlatField) != n {
			return nil, volume.Configf("falsecolor", "second flat field has %d samples, want %d", len(p.SecondFlatField), n)
		}
		sec, kSec = DivideFlatField(second, p.SecondFlatField), 1
	} else {
		sec = Prepare(second, p.SecondThreshold, p.SecondNorm)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < n; i++ {
		o := i * 4
		for c := 0; c < 3; c++ {
			a := nuc[i]*p.Recipe.Nuclear[c]*kNuc + sec[i]*p.Recipe.Second[c]*kSec
			img.Pix[o+c] = uint8(255 * math.Exp(-a))
		}
		img.Pix[o+3] = 255
	}
	return img, nil
}
