package stack

import (
	"fmt"
	"path/filepath"

	"github.com/vhisto/server/internal/volume"
)

// CompositeToken is the channel token used for false-colored outputs.
const CompositeToken = "FC"

// CompositeDir is the role directory holding false-colored outputs.
const CompositeDir = "FC"

// BlockDir names the folder holding one ROI's outputs for an augmentation:
// <sample>_Xpos_%06d_%06d_Ypos_%06d_%06d_stack_%06d_%06d[_<aug>].
func BlockDir(sample string, x, y, z volume.Range, aug Augmentation) string {
	name := fmt.Sprintf("%s_Xpos_%06d_%06d_Ypos_%06d_%06d_stack_%06d_%06d",
		sample, x.Start, x.End, y.Start, y.End, z.Start, z.End)
	if aug != Identity {
		name += "_" + string(aug)
	}
	return name
}

// FileName names one output raster:
// <sample>_<token>_pos<x0><x1>_pos<y0><y1>_[<aug>_]<z:06d>.<ext>.
func FileName(sample, token string, x, y volume.Range, aug Augmentation, z int, ext string) string {
	prefix := ""
	if aug != Identity {
		prefix = string(aug) + "_"
	}
	return fmt.Sprintf("%s_%s_pos%d%d_pos%d%d_%s%06d.%s",
		sample, token, x.Start, x.End, y.Start, y.End, prefix, z, ext)
}

// OutputPath joins the role directory, block directory and file name.
func OutputPath(root, roleDir, sample, token string, roi volume.ROI, aug Augmentation, z int, ext string) string {
	return filepath.Join(root, roleDir,
		BlockDir(sample, roi.X, roi.Y, roi.Z, aug),
		FileName(sample, token, roi.X, roi.Y, aug, z, ext))
}

// FullStackPath names one plane of a whole-level false-color stack:
// <root>/FC/<sample>_FC_<z:06d>.<ext>.
func FullStackPath(root, sample string, z int, ext string) string {
	return filepath.Join(root, CompositeDir, fmt.Sprintf("%s_%s_%06d.%s", sample, CompositeToken, z, ext))
}
