// Package falsecolor synthesizes pseudo-stained RGB images from two
// fluorescence channels with an exponential absorbance model.
package falsecolor

import (
	"sort"
	"strings"

	"github.com/vhisto/server/internal/volume"
)

// Recipe is an immutable stain definition: per-plane absorbance coefficients
// for the nuclear and second channel and their default normalization factors.
type Recipe struct {
	Name        string     `json:"name"`
	Nuclear     [3]float64 `json:"nuclear_coeffs"`
	Second      [3]float64 `json:"second_coeffs"`
	NuclearNorm float64    `json:"nuclear_norm_factor"`
	SecondNorm  float64    `json:"second_norm_factor"`
}

// HE simulates hematoxylin and eosin.
var HE = Recipe{
	Name:        "HE",
	Nuclear:     [3]float64{0.17, 0.27, 0.105},
	Second:      [3]float64{0.05, 1.0, 0.54},
	NuclearNorm: 3000,
	SecondNorm:  8000,
}

// IHC simulates hematoxylin with a DAB-like chromogen on the marker channel.
var IHC = Recipe{
	Name:        "IHC",
	Nuclear:     [3]float64{0.65, 0.45, 0.15},
	Second:      [3]float64{0.4, 0.7, 0.9},
	NuclearNorm: 3000,
	SecondNorm:  8000,
}

var recipes = map[string]Recipe{
	"he":  HE,
	"h&e": HE,
	"ihc": IHC,
}

// Lookup returns the recipe registered under name (case-insensitive).
func Lookup(name string) (Recipe, error) {
	r, ok := recipes[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Recipe{}, volume.Configf("falsecolor.lookup", "unknown stain recipe %q", name)
	}
	return r, nil
}

// Names lists the canonical recipe names.
func Names() []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range recipes {
		if !seen[r.Name] {
			seen[r.Name] = true
			out = append(out, r.Name)
		}
	}
	sort.Strings(out)
	return out
}
