package image

import "image"

// DiffResult is the outcome of one comparison. Image is nil when the two
// images are considered equivalent under the configured tolerance.
type DiffResult struct {
	Image           image.Image
	DiffRMSPercent  float64
	NumDiffsPercent float64
	MaxPixelDiff    int

	// Width and Height describe the diff canvas, the union of both sizes.
	Width        int
	Height       int
	SizeMismatch bool
	Tolerance    Tolerance
}

// Different reports whether the comparison produced a material difference.
func (r *DiffResult) Different() bool {
	return r.Image != nil
}

type Differ interface {
	Calculate(actual image.Image, reference image.Image) *DiffResult
}
