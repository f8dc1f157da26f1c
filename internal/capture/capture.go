// Package capture renders pages into screenshots for snapshot checks.
package capture

import (
	"context"
)

// CaptureOptions are per-capture settings layered over the capturer's config.
type CaptureOptions struct {
	// MaskSelectors are CSS selectors painted over before the screenshot so
	// volatile regions such as clocks or ads do not cause diffs.
	MaskSelectors []string
	Headers       map[string]string
	// WaitForSelector delays the screenshot until the selector is visible.
	WaitForSelector string
}

type CaptureResult struct {
	Screenshot []byte
	Format     string
}

type Capturer interface {
	Capture(ctx context.Context, url string, captureOptions CaptureOptions) (*CaptureResult, error)
}
