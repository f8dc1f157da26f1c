package image

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"
)

const (
	numChannels    = 4
	toleranceUnset = "none"
)

var (
	noDiffColor  = color.NRGBA{}
	noPixelColor = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

// PixelDiff compares images channel by channel. Identical pixels are written
// as transparent black into the diff image, differing pixels as the absolute
// per-channel difference. Where only one image has pixels, that image's pixel
// is copied; where neither has, the diff is white.
//
// The diff image is always an *image.NRGBA of the union size, whatever the
// color model of the inputs.
//
// The tolerance is copied at construction and PixelDiff holds no
// per-comparison state, so one instance may be shared.
type PixelDiff struct {
	tolerance Tolerance
}

func NewPixelDiff(tolerance Tolerance) *PixelDiff {
	return &PixelDiff{
		tolerance: tolerance.withDefault(),
	}
}

func (p *PixelDiff) Tolerance() Tolerance {
	return p.tolerance.clone()
}

type rowStats struct {
	overlap  int64
	numDiffs int64
	sumRMS   float64
	maxDiff  uint8
}

func (p *PixelDiff) Calculate(actual image.Image, reference image.Image) *DiffResult {
	actualBounds := actual.Bounds()
	referenceBounds := reference.Bounds()
	actualWidth, actualHeight := actualBounds.Dx(), actualBounds.Dy()
	referenceWidth, referenceHeight := referenceBounds.Dx(), referenceBounds.Dy()

	result := &DiffResult{
		Tolerance:    p.tolerance.clone(),
		Width:        max(actualWidth, referenceWidth),
		Height:       max(actualHeight, referenceHeight),
		SizeMismatch: actualWidth != referenceWidth || actualHeight != referenceHeight,
	}

	if sameInstance(actual, reference) {
		return result
	}

	width := result.Width
	height := result.Height
	diff := image.NewNRGBA(image.Rect(0, 0, width, height))

	readActual := newPixelReader(actual)
	readReference := newPixelReader(reference)

	// Partial sums are kept per row and reduced in row order below, so the
	// floating point result is the same whatever the worker count.
	stats := make([]rowStats, height)

	processRows := func(startY int, endY int) {
		for y := startY; y < endY; y++ {
			s := &stats[y]
			for x := 0; x < width; x++ {
				actualValid := x < actualWidth && y < actualHeight
				referenceValid := x < referenceWidth && y < referenceHeight

				var c color.NRGBA
				switch {
				case actualValid && referenceValid:
					s.overlap++
					a := readActual(x, y)
					r := readReference(x, y)
					if a == r {
						c = noDiffColor
						break
					}
					s.numDiffs++
					rms, d := pixelDiff(a, r)
					s.sumRMS += rms
					if m := maxChannel(d); m > s.maxDiff {
						s.maxDiff = m
					}
					c = d
				case actualValid:
					c = readActual(x, y)
				case referenceValid:
					c = readReference(x, y)
				default:
					c = noPixelColor
				}
				diff.SetNRGBA(x, y, c)
			}
		}
	}

	// Use GOMAXPROCS instead of runtime.NumCPU() to consider cgroup.
	// https://tip.golang.org/doc/go1.25#container-aware-gomaxprocs
	numWorkers := min(runtime.GOMAXPROCS(0), height)
	if numWorkers > 0 {
		rowsPerWorker := height / numWorkers

		var wg sync.WaitGroup
		wg.Add(numWorkers)
		for i := 0; i < numWorkers; i++ {
			startY := i * rowsPerWorker
			endY := startY + rowsPerWorker
			if i == numWorkers-1 {
				endY = height
			}

			go func(startY int, endY int) {
				defer wg.Done()
				processRows(startY, endY)
			}(startY, endY)
		}
		wg.Wait()
	}

	var overlap int64
	var numDiffs int64
	var sumRMS float64
	var maxDiff uint8
	for i := range stats {
		overlap += stats[i].overlap
		numDiffs += stats[i].numDiffs
		sumRMS += stats[i].sumRMS
		maxDiff = max(maxDiff, stats[i].maxDiff)
	}

	result.MaxPixelDiff = int(maxDiff)
	if overlap > 0 {
		result.NumDiffsPercent = float64(numDiffs) / float64(overlap) * 100
	}

	if numDiffs == 0 {
		if result.SizeMismatch {
			result.Image = diff
		}
		return result
	}

	result.DiffRMSPercent = sumRMS / float64(numDiffs) * 100
	if !p.tolerance.accepts(result.DiffRMSPercent, result.NumDiffsPercent, result.MaxPixelDiff) {
		result.Image = diff
	}

	return result
}

// Report describes the metrics of the comparison along with the tolerances
// they were checked against.
func (r *DiffResult) Report() string {
	return fmt.Sprintf(
		"RMS diff=%.2f%% (rms tolerance=%s), pixels changed=%.2f%% (num diffs tolerance=%s), max pixel diff=%d (max pixel diff tolerance=%s)",
		r.DiffRMSPercent, formatPercent(r.Tolerance.RMSPercent),
		r.NumDiffsPercent, formatPercent(r.Tolerance.NumDiffsPercent),
		r.MaxPixelDiff, formatInt(r.Tolerance.MaxPixelDiff),
	)
}

// Equal reports whether both images have the same size and identical pixels.
func Equal(a image.Image, b image.Image) bool {
	aBounds := a.Bounds()
	bBounds := b.Bounds()
	if aBounds.Dx() != bBounds.Dx() || aBounds.Dy() != bBounds.Dy() {
		return false
	}
	if sameInstance(a, b) {
		return true
	}

	readA := newPixelReader(a)
	readB := newPixelReader(b)
	for y := 0; y < aBounds.Dy(); y++ {
		for x := 0; x < aBounds.Dx(); x++ {
			if readA(x, y) != readB(x, y) {
				return false
			}
		}
	}
	return true
}

// pixelReader returns the non-premultiplied color at coordinates relative to
// the image's own origin.
type pixelReader func(x int, y int) color.NRGBA

func newPixelReader(img image.Image) pixelReader {
	bounds := img.Bounds()

	if nrgba, ok := img.(*image.NRGBA); ok {
		return func(x int, y int) color.NRGBA {
			i := nrgba.PixOffset(bounds.Min.X+x, bounds.Min.Y+y)
			s := nrgba.Pix[i : i+4 : i+4]
			return color.NRGBA{R: s[0], G: s[1], B: s[2], A: s[3]}
		}
	}

	return func(x int, y int) color.NRGBA {
		return color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
	}
}

// pixelDiff returns the RMS of the normalized channel differences and the
// absolute per-channel difference.
func pixelDiff(a color.NRGBA, r color.NRGBA) (float64, color.NRGBA) {
	ac := [numChannels]uint8{a.R, a.G, a.B, a.A}
	rc := [numChannels]uint8{r.R, r.G, r.B, r.A}

	var sum float64
	var d [numChannels]uint8
	for i := range ac {
		delta := float64(int(ac[i])-int(rc[i])) / maxChannelValue
		sum += delta * delta
		d[i] = absDiff(ac[i], rc[i])
	}

	return math.Sqrt(sum / numChannels), color.NRGBA{R: d[0], G: d[1], B: d[2], A: d[3]}
}

func absDiff(a uint8, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}

func maxChannel(c color.NRGBA) uint8 {
	return max(c.R, c.G, c.B, c.A)
}

// sameInstance compares pointer-backed images only; comparing arbitrary
// interface values panics for non-comparable dynamic types.
func sameInstance(a image.Image, b image.Image) bool {
	switch a := a.(type) {
	case *image.NRGBA:
		b, ok := b.(*image.NRGBA)
		return ok && a == b
	case *image.RGBA:
		b, ok := b.(*image.RGBA)
		return ok && a == b
	case *image.NRGBA64:
		b, ok := b.(*image.NRGBA64)
		return ok && a == b
	case *image.RGBA64:
		b, ok := b.(*image.RGBA64)
		return ok && a == b
	case *image.YCbCr:
		b, ok := b.(*image.YCbCr)
		return ok && a == b
	case *image.Paletted:
		b, ok := b.(*image.Paletted)
		return ok && a == b
	case *image.Gray:
		b, ok := b.(*image.Gray)
		return ok && a == b
	}
	return false
}

func formatPercent(v *float64) string {
	if v == nil {
		return toleranceUnset
	}
	return fmt.Sprintf("%.2f%%", *v)
}

func formatInt(v *int) string {
	if v == nil {
		return toleranceUnset
	}
	return fmt.Sprintf("%d", *v)
}
