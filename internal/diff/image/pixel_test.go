package image

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func createTestImage(width, height int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func copyImage(src *image.NRGBA) *image.NRGBA {
	dst := image.NewNRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}

var baseColor = color.NRGBA{R: 103, G: 104, B: 105, A: 106}

// onePixelDiffImages returns 101x102 images that differ only at (50, 50).
func onePixelDiffImages() (*image.NRGBA, *image.NRGBA) {
	reference := createTestImage(101, 102, baseColor)
	actual := copyImage(reference)
	actual.SetNRGBA(50, 50, color.NRGBA{})
	return actual, reference
}

// allPixelDiffImages returns 101x102 images where every channel of every
// pixel differs by 2.
func allPixelDiffImages() (*image.NRGBA, *image.NRGBA) {
	reference := createTestImage(101, 102, baseColor)
	actual := createTestImage(101, 102, color.NRGBA{R: 105, G: 106, B: 107, A: 108})
	return actual, reference
}

func TestPixelDiff_Calculate(t *testing.T) {
	t.Run("NoDifference", func(t *testing.T) {
		img1 := createTestImage(100, 100, baseColor)
		img2 := createTestImage(100, 100, baseColor)

		result := NewPixelDiff(Tolerance{}).Calculate(img1, img2)

		if result.Image != nil {
			t.Errorf("Expected no diff image, got %v", result.Image.Bounds())
		}
		if result.DiffRMSPercent != 0 || result.NumDiffsPercent != 0 || result.MaxPixelDiff != 0 {
			t.Errorf("Expected zero metrics, got %s", result.Report())
		}
		if got, want := result.Report(), "RMS diff=0.00% (rms tolerance=0.00%), pixels changed=0.00% (num diffs tolerance=none), max pixel diff=0 (max pixel diff tolerance=none)"; got != want {
			t.Errorf("Expected report %q, got %q", want, got)
		}
	})

	t.Run("SameImageInstance", func(t *testing.T) {
		img := createTestImage(100, 100, baseColor)

		result := NewPixelDiff(Tolerance{}).Calculate(img, img)

		if result.Different() {
			t.Errorf("Expected same image instance to have no diff")
		}
	})

	t.Run("OnePixelDifference", func(t *testing.T) {
		actual, reference := onePixelDiffImages()

		result := NewPixelDiff(Tolerance{}).Calculate(actual, reference)

		if result.Image == nil {
			t.Fatalf("Expected diff image, got nil")
		}
		if want := 1.0 / (101 * 102) * 100; result.NumDiffsPercent != want {
			t.Errorf("Expected NumDiffsPercent to be %v, got %v", want, result.NumDiffsPercent)
		}
		if result.MaxPixelDiff != 106 {
			t.Errorf("Expected MaxPixelDiff to be 106, got %d", result.MaxPixelDiff)
		}
		wantRMS := 100 * math.Sqrt(103*103+104*104+105*105+106*106) / 2 / 255
		if math.Abs(result.DiffRMSPercent-wantRMS) > 1e-9 {
			t.Errorf("Expected DiffRMSPercent to be %v, got %v", wantRMS, result.DiffRMSPercent)
		}
		if got, want := result.Report(), "RMS diff=40.98% (rms tolerance=0.00%), pixels changed=0.01% (num diffs tolerance=none), max pixel diff=106 (max pixel diff tolerance=none)"; got != want {
			t.Errorf("Expected report %q, got %q", want, got)
		}

		diff := result.Image.(*image.NRGBA)
		if got := diff.NRGBAAt(50, 50); got != baseColor {
			t.Errorf("Expected diff pixel at (50, 50) to be %v, got %v", baseColor, got)
		}
		for _, p := range []image.Point{{0, 0}, {49, 50}, {100, 101}} {
			if got := diff.NRGBAAt(p.X, p.Y); got != noDiffColor {
				t.Errorf("Expected diff pixel at %v to be %v, got %v", p, noDiffColor, got)
			}
		}
	})

	t.Run("OnePixelDifferenceTolerances", func(t *testing.T) {
		actual, reference := onePixelDiffImages()

		tests := []struct {
			name      string
			tolerance Tolerance
			different bool
		}{
			{"RMSAbove", Tolerance{RMSPercent: Float64(42)}, false},
			{"NumDiffsAbove", Tolerance{NumDiffsPercent: Float64(0.01)}, false},
			{"MaxPixelDiffAbove", Tolerance{MaxPixelDiff: Int(110)}, false},
			{"AllAbove", Tolerance{RMSPercent: Float64(42), NumDiffsPercent: Float64(0.01), MaxPixelDiff: Int(110)}, false},
			{"RMSBelow", Tolerance{RMSPercent: Float64(40)}, true},
			{"NumDiffsBelow", Tolerance{NumDiffsPercent: Float64(0.001)}, true},
			{"MaxPixelDiffBelow", Tolerance{MaxPixelDiff: Int(100)}, true},
			{"OneOfThreeBelow", Tolerance{RMSPercent: Float64(42), NumDiffsPercent: Float64(0.01), MaxPixelDiff: Int(100)}, true},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				result := NewPixelDiff(tt.tolerance).Calculate(actual, reference)
				if result.Different() != tt.different {
					t.Errorf("Expected Different() to be %v, got %v (%s)", tt.different, result.Different(), result.Report())
				}
			})
		}
	})

	t.Run("AllPixelsDifference", func(t *testing.T) {
		actual, reference := allPixelDiffImages()

		result := NewPixelDiff(Tolerance{}).Calculate(actual, reference)

		if result.Image == nil {
			t.Fatalf("Expected diff image, got nil")
		}
		if result.NumDiffsPercent != 100 {
			t.Errorf("Expected NumDiffsPercent to be 100, got %v", result.NumDiffsPercent)
		}
		if result.MaxPixelDiff != 2 {
			t.Errorf("Expected MaxPixelDiff to be 2, got %d", result.MaxPixelDiff)
		}
		if want := 100 * 2.0 / 255; math.Abs(result.DiffRMSPercent-want) > 1e-9 {
			t.Errorf("Expected DiffRMSPercent to be %v, got %v", want, result.DiffRMSPercent)
		}
		if got, want := result.Report(), "RMS diff=0.78% (rms tolerance=0.00%), pixels changed=100.00% (num diffs tolerance=none), max pixel diff=2 (max pixel diff tolerance=none)"; got != want {
			t.Errorf("Expected report %q, got %q", want, got)
		}

		want := color.NRGBA{R: 2, G: 2, B: 2, A: 2}
		diff := result.Image.(*image.NRGBA)
		for _, p := range []image.Point{{0, 0}, {50, 50}, {100, 101}} {
			if got := diff.NRGBAAt(p.X, p.Y); got != want {
				t.Errorf("Expected diff pixel at %v to be %v, got %v", p, want, got)
			}
		}

		for _, tt := range []struct {
			tolerance Tolerance
			different bool
		}{
			{Tolerance{RMSPercent: Float64(1)}, false},
			{Tolerance{MaxPixelDiff: Int(2)}, false},
			{Tolerance{RMSPercent: Float64(1), MaxPixelDiff: Int(2)}, false},
			{Tolerance{RMSPercent: Float64(1.0 / 3)}, true},
			{Tolerance{MaxPixelDiff: Int(1)}, true},
		} {
			if got := NewPixelDiff(tt.tolerance).Calculate(actual, reference).Different(); got != tt.different {
				t.Errorf("Expected Different() to be %v for %s, got %v", tt.different, NewPixelDiff(tt.tolerance).Calculate(actual, reference).Report(), got)
			}
		}
	})

	t.Run("ActualWider", func(t *testing.T) {
		reference := createTestImage(101, 102, baseColor)
		extra := color.NRGBA{R: 1, G: 2, B: 3, A: 255}
		actual := createTestImage(150, 102, extra)
		for y := 0; y < 102; y++ {
			for x := 0; x < 101; x++ {
				actual.SetNRGBA(x, y, baseColor)
			}
		}

		permissive := Tolerance{RMSPercent: Float64(100), NumDiffsPercent: Float64(100), MaxPixelDiff: Int(255)}
		result := NewPixelDiff(permissive).Calculate(actual, reference)

		if result.Image == nil {
			t.Fatalf("Expected diff image for differently sized images, got nil")
		}
		if !result.SizeMismatch {
			t.Errorf("Expected SizeMismatch to be true")
		}
		if result.NumDiffsPercent != 0 || result.DiffRMSPercent != 0 {
			t.Errorf("Expected zero overlap metrics, got %s", result.Report())
		}
		if result.Width != 150 || result.Height != 102 {
			t.Errorf("Expected canvas to be 150x102, got %dx%d", result.Width, result.Height)
		}
		if got := result.Image.Bounds(); got != image.Rect(0, 0, 150, 102) {
			t.Errorf("Expected diff bounds to be 150x102, got %v", got)
		}
		diff, ok := result.Image.(*image.NRGBA)
		if !ok {
			t.Fatalf("Expected *image.NRGBA diff image, got %T", result.Image)
		}
		if got := diff.NRGBAAt(120, 10); got != extra {
			t.Errorf("Expected extra area to copy actual pixel %v, got %v", extra, got)
		}
		if got := diff.NRGBAAt(10, 10); got != noDiffColor {
			t.Errorf("Expected overlap to be %v, got %v", noDiffColor, got)
		}
	})

	t.Run("BothDimensionsDiffer", func(t *testing.T) {
		actualColor := color.NRGBA{R: 10, A: 255}
		referenceColor := color.NRGBA{B: 10, A: 255}
		actual := createTestImage(10, 5, actualColor)
		reference := createTestImage(5, 10, referenceColor)

		result := NewPixelDiff(Tolerance{}).Calculate(actual, reference)

		if result.Image == nil {
			t.Fatalf("Expected diff image, got nil")
		}
		diff := result.Image.(*image.NRGBA)
		for _, tt := range []struct {
			p    image.Point
			want color.NRGBA
		}{
			{image.Pt(7, 2), actualColor},
			{image.Pt(2, 7), referenceColor},
			{image.Pt(7, 7), noPixelColor},
			{image.Pt(2, 2), color.NRGBA{R: 10, B: 10}},
		} {
			if got := diff.NRGBAAt(tt.p.X, tt.p.Y); got != tt.want {
				t.Errorf("Expected diff pixel at %v to be %v, got %v", tt.p, tt.want, got)
			}
		}
		if result.NumDiffsPercent != 100 {
			t.Errorf("Expected NumDiffsPercent over the 5x5 overlap to be 100, got %v", result.NumDiffsPercent)
		}
	})

	t.Run("NoOverlap", func(t *testing.T) {
		actual := createTestImage(0, 10, baseColor)
		reference := createTestImage(10, 10, baseColor)

		result := NewPixelDiff(Tolerance{}).Calculate(actual, reference)

		if result.NumDiffsPercent != 0 {
			t.Errorf("Expected NumDiffsPercent to be 0 without overlap, got %v", result.NumDiffsPercent)
		}
		if result.Image == nil {
			t.Errorf("Expected diff image for size mismatch, got nil")
		}
	})

	t.Run("EmptyImages", func(t *testing.T) {
		result := NewPixelDiff(Tolerance{}).Calculate(createTestImage(0, 0, baseColor), createTestImage(0, 0, baseColor))

		if result.Different() {
			t.Errorf("Expected empty images to be equal")
		}
	})

	t.Run("NonZeroOrigin", func(t *testing.T) {
		canvas := createTestImage(50, 50, color.NRGBA{A: 255})
		region := image.Rect(10, 20, 30, 40)
		for y := region.Min.Y; y < region.Max.Y; y++ {
			for x := region.Min.X; x < region.Max.X; x++ {
				canvas.SetNRGBA(x, y, baseColor)
			}
		}
		actual := canvas.SubImage(region)
		reference := createTestImage(20, 20, baseColor)

		result := NewPixelDiff(Tolerance{}).Calculate(actual, reference)

		if result.Different() {
			t.Errorf("Expected sub image to match reference, got %s", result.Report())
		}
	})

	t.Run("GenericPathMatchesNRGBA", func(t *testing.T) {
		actual, reference := onePixelDiffImages()
		opaque := func(src *image.NRGBA) *image.RGBA {
			dst := image.NewRGBA(src.Bounds())
			for y := src.Rect.Min.Y; y < src.Rect.Max.Y; y++ {
				for x := src.Rect.Min.X; x < src.Rect.Max.X; x++ {
					c := src.NRGBAAt(x, y)
					dst.SetRGBA(x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 255})
				}
			}
			return dst
		}
		opaqueNRGBA := func(src *image.NRGBA) *image.NRGBA {
			dst := copyImage(src)
			for i := 3; i < len(dst.Pix); i += 4 {
				dst.Pix[i] = 255
			}
			return dst
		}

		fast := NewPixelDiff(Tolerance{}).Calculate(opaqueNRGBA(actual), opaqueNRGBA(reference))
		generic := NewPixelDiff(Tolerance{}).Calculate(opaque(actual), opaque(reference))

		if fast.Report() != generic.Report() {
			t.Errorf("Expected generic path report %q to match %q", generic.Report(), fast.Report())
		}
	})
}

func TestPixelDiff_Symmetry(t *testing.T) {
	pairs := map[string][2]*image.NRGBA{}
	a, r := onePixelDiffImages()
	pairs["OnePixel"] = [2]*image.NRGBA{a, r}
	a, r = allPixelDiffImages()
	pairs["AllPixels"] = [2]*image.NRGBA{a, r}
	pairs["Wider"] = [2]*image.NRGBA{createTestImage(150, 102, baseColor), createTestImage(101, 102, baseColor)}

	pd := NewPixelDiff(Tolerance{})
	for name, pair := range pairs {
		t.Run(name, func(t *testing.T) {
			forward := pd.Calculate(pair[0], pair[1])
			backward := pd.Calculate(pair[1], pair[0])
			if forward.Different() != backward.Different() {
				t.Errorf("Expected detection to be symmetric, got %v and %v", forward.Different(), backward.Different())
			}
		})
	}
}

func TestPixelDiff_ToleranceMonotonicity(t *testing.T) {
	actual, reference := onePixelDiffImages()

	sweep := func(t *testing.T, tolerances []Tolerance) {
		t.Helper()
		seenAccepted := false
		for _, tolerance := range tolerances {
			result := NewPixelDiff(tolerance).Calculate(actual, reference)
			if seenAccepted && result.Different() {
				t.Fatalf("Expected %s to keep accepting the diff", result.Report())
			}
			seenAccepted = seenAccepted || !result.Different()
		}
		if !seenAccepted {
			t.Errorf("Expected the most permissive tolerance to accept the diff")
		}
	}

	t.Run("RMSPercent", func(t *testing.T) {
		var tolerances []Tolerance
		for rms := 0.0; rms <= 100; rms += 0.5 {
			tolerances = append(tolerances, Tolerance{RMSPercent: Float64(rms)})
		}
		sweep(t, tolerances)
	})

	t.Run("NumDiffsPercent", func(t *testing.T) {
		// One differing pixel out of 101*102 is about 0.0097%.
		var tolerances []Tolerance
		for numDiffs := 0.0; numDiffs <= 0.05; numDiffs += 0.001 {
			tolerances = append(tolerances, Tolerance{NumDiffsPercent: Float64(numDiffs)})
		}
		tolerances = append(tolerances,
			Tolerance{NumDiffsPercent: Float64(1)},
			Tolerance{NumDiffsPercent: Float64(100)},
		)
		sweep(t, tolerances)
	})

	t.Run("MaxPixelDiff", func(t *testing.T) {
		var tolerances []Tolerance
		for maxPixelDiff := 0; maxPixelDiff <= 255; maxPixelDiff++ {
			tolerances = append(tolerances, Tolerance{MaxPixelDiff: Int(maxPixelDiff)})
		}
		sweep(t, tolerances)
	})
}

func TestNewPixelDiff_CopiesTolerance(t *testing.T) {
	actual, reference := onePixelDiffImages()

	rms := 0.0
	numDiffs := 0.0
	maxPixelDiff := 0
	pd := NewPixelDiff(Tolerance{RMSPercent: &rms, NumDiffsPercent: &numDiffs, MaxPixelDiff: &maxPixelDiff})

	if !pd.Calculate(actual, reference).Different() {
		t.Fatalf("Expected strict tolerance to report the diff")
	}

	rms = 100
	numDiffs = 100
	maxPixelDiff = 255
	result := pd.Calculate(actual, reference)
	if !result.Different() {
		t.Errorf("Expected thresholds to be fixed at construction, got %s", result.Report())
	}

	*result.Tolerance.RMSPercent = 100
	*pd.Tolerance().MaxPixelDiff = 255
	if !pd.Calculate(actual, reference).Different() {
		t.Errorf("Expected writes through returned tolerances not to reach the engine")
	}
}

func TestNewPixelDiff_DefaultTolerance(t *testing.T) {
	tolerance := NewPixelDiff(Tolerance{}).Tolerance()

	if tolerance.RMSPercent == nil || *tolerance.RMSPercent != 0 {
		t.Errorf("Expected default rms tolerance of 0, got %v", tolerance.RMSPercent)
	}
	if tolerance.NumDiffsPercent != nil || tolerance.MaxPixelDiff != nil {
		t.Errorf("Expected other tolerances to stay unset")
	}

	tolerance = NewPixelDiff(Tolerance{MaxPixelDiff: Int(3)}).Tolerance()
	if tolerance.RMSPercent != nil {
		t.Errorf("Expected rms tolerance to stay unset when another tolerance is configured")
	}
}

func TestEqual(t *testing.T) {
	actual, reference := onePixelDiffImages()

	if Equal(actual, reference) {
		t.Errorf("Expected images with one differing pixel to be unequal")
	}
	if !Equal(reference, copyImage(reference)) {
		t.Errorf("Expected copies to be equal")
	}
	if Equal(createTestImage(2, 3, baseColor), createTestImage(3, 2, baseColor)) {
		t.Errorf("Expected differently sized images to be unequal")
	}
}

func BenchmarkPixelDiff_Calculate_Small(b *testing.B) {
	pd := NewPixelDiff(Tolerance{})
	img1 := createTestImage(1920, 1080, baseColor)
	img2 := createTestImage(1920, 1080, baseColor)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pd.Calculate(img1, img2)
	}
}

func BenchmarkPixelDiff_Calculate_Large(b *testing.B) {
	pd := NewPixelDiff(Tolerance{})
	img1 := createTestImage(3840, 2160, baseColor)
	img2 := createTestImage(3840, 2160, color.NRGBA{R: 1, G: 2, B: 3, A: 4})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pd.Calculate(img1, img2)
	}
}
