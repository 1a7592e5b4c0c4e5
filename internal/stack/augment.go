package stack

import (
	"image"

	"github.com/vhisto/server/internal/volume"
)

// Augmentation is a geometric transform applied identically to every output
// of one z level.
type Augmentation string

const (
	Identity  Augmentation = ""
	Transpose Augmentation = "transpose"
	// Mirror reverses row order.
	Mirror Augmentation = "mirror"
	// Flip reverses column order.
	Flip Augmentation = "flip"
)

// AllAugmentations is the identity plus every transform, in output order.
var AllAugmentations = []Augmentation{Identity, Transpose, Mirror, Flip}

// ParseAugmentation accepts "", "identity", "transpose", "mirror" and "flip".
func ParseAugmentation(s string) (Augmentation, error) {
	switch s {
	case "", "identity", "none":
		return Identity, nil
	case "transpose":
		return Transpose, nil
	case "mirror":
		return Mirror, nil
	case "flip":
		return Flip, nil
	}
	return Identity, volume.Configf("stack.augmentation", "unknown augmentation %q", s)
}

// String names the augmentation; the identity is "identity".
func (a Augmentation) String() string {
	if a == Identity {
		return "identity"
	}
	return string(a)
}

// Apply transforms an 8-bit gray or RGBA image. Other image types are
// returned unchanged.
func (a Augmentation) Apply(img image.Image) image.Image {
	if a == Identity {
		return img
	}
	switch src := img.(type) {
	case *image.Gray:
		dst := image.NewGray(a.bounds(src.Rect))
		a.remap(src.Pix, src.Stride, dst.Pix, dst.Stride, src.Rect.Dx(), src.Rect.Dy(), 1)
		return dst
	case *image.RGBA:
		dst := image.NewRGBA(a.bounds(src.Rect))
		a.remap(src.Pix, src.Stride, dst.Pix, dst.Stride, src.Rect.Dx(), src.Rect.Dy(), 4)
		return dst
	}
	return img
}

func (a Augmentation) bounds(r image.Rectangle) image.Rectangle {
	if a == Transpose {
		return image.Rect(0, 0, r.Dy(), r.Dx())
	}
	return image.Rect(0, 0, r.Dx(), r.Dy())
}

func (a Augmentation) remap(src []uint8, srcStride int, dst []uint8, dstStride, w, h, bpp int) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy int
			switch a {
			case Transpose:
				dx, dy = y, x
			case Mirror:
				dx, dy = x, h-1-y
			case Flip:
				dx, dy = w-1-x, y
			default:
				dx, dy = x, y
			}
			so := y*srcStride + x*bpp
			do := dy*dstStride + dx*bpp
			copy(dst[do:do+bpp], src[so:so+bpp])
		}
	}
}
