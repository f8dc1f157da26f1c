package image

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	maxChannelValue = 255
	maxPercent      = 100.0
)

// Tolerance holds the three independent thresholds used to decide whether a
// pixel difference is material. A nil field is not checked.
type Tolerance struct {
	RMSPercent      *float64
	NumDiffsPercent *float64
	MaxPixelDiff    *int
}

func Float64(v float64) *float64 {
	return &v
}

func Int(v int) *int {
	return &v
}

// IsZero reports whether no threshold is configured.
func (t Tolerance) IsZero() bool {
	return t.RMSPercent == nil && t.NumDiffsPercent == nil && t.MaxPixelDiff == nil
}

// clone copies the thresholds so later writes through the caller's pointers
// do not reach the copy.
func (t Tolerance) clone() Tolerance {
	if t.RMSPercent != nil {
		t.RMSPercent = Float64(*t.RMSPercent)
	}
	if t.NumDiffsPercent != nil {
		t.NumDiffsPercent = Float64(*t.NumDiffsPercent)
	}
	if t.MaxPixelDiff != nil {
		t.MaxPixelDiff = Int(*t.MaxPixelDiff)
	}
	return t
}

// withDefault falls back to strict equality when nothing is configured.
func (t Tolerance) withDefault() Tolerance {
	t = t.clone()
	if t.IsZero() {
		t.RMSPercent = Float64(0)
	}
	return t
}

func (t Tolerance) Validate() error {
	if t.RMSPercent != nil && !(*t.RMSPercent >= 0 && *t.RMSPercent <= maxPercent) {
		return fmt.Errorf("rms tolerance must be within [0, 100], got %v", *t.RMSPercent)
	}
	if t.NumDiffsPercent != nil && !(*t.NumDiffsPercent >= 0 && *t.NumDiffsPercent <= maxPercent) {
		return fmt.Errorf("num diffs tolerance must be within [0, 100], got %v", *t.NumDiffsPercent)
	}
	if t.MaxPixelDiff != nil && (*t.MaxPixelDiff < 0 || *t.MaxPixelDiff > maxChannelValue) {
		return fmt.Errorf("max pixel diff tolerance must be within [0, 255], got %d", *t.MaxPixelDiff)
	}
	return nil
}

// ParseTolerance builds a Tolerance from textual values as they arrive from
// flags, environment variables or form fields. Empty strings leave the
// corresponding threshold unset.
func ParseTolerance(rms string, numDiffs string, maxPixelDiff string) (Tolerance, error) {
	var t Tolerance

	if s := strings.TrimSpace(rms); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Tolerance{}, fmt.Errorf("failed to parse rms tolerance %q: %w", rms, err)
		}
		t.RMSPercent = &v
	}

	if s := strings.TrimSpace(numDiffs); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Tolerance{}, fmt.Errorf("failed to parse num diffs tolerance %q: %w", numDiffs, err)
		}
		t.NumDiffsPercent = &v
	}

	if s := strings.TrimSpace(maxPixelDiff); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return Tolerance{}, fmt.Errorf("failed to parse max pixel diff tolerance %q: %w", maxPixelDiff, err)
		}
		t.MaxPixelDiff = &v
	}

	if err := t.Validate(); err != nil {
		return Tolerance{}, err
	}

	return t, nil
}

func (t Tolerance) accepts(diffRMSPercent float64, numDiffsPercent float64, maxPixelDiff int) bool {
	rmsOK := t.RMSPercent == nil || diffRMSPercent <= *t.RMSPercent
	numDiffsOK := t.NumDiffsPercent == nil || numDiffsPercent <= *t.NumDiffsPercent
	maxPixelDiffOK := t.MaxPixelDiff == nil || maxPixelDiff <= *t.MaxPixelDiff
	return rmsOK && numDiffsOK && maxPixelDiffOK
}
