package snapshot

import (
	"context"
	"image"
	"snapshot-differ/internal/capture"
	"snapshot-differ/internal/imageio"

	"golang.org/x/xerrors"
)

// Source produces the current rendering of whatever is under test.
type Source interface {
	Grab(ctx context.Context) (image.Image, error)
}

type SourceFunc func(ctx context.Context) (image.Image, error)

func (f SourceFunc) Grab(ctx context.Context) (image.Image, error) {
	return f(ctx)
}

// FileSource reads the image at path on every grab, so a file rewritten by
// another process is picked up by retries.
func FileSource(path string) Source {
	return SourceFunc(func(ctx context.Context) (image.Image, error) {
		return imageio.Load(path)
	})
}

// CaptureSource screenshots url with the capturer on every grab.
func CaptureSource(capturer capture.Capturer, url string, captureOptions capture.CaptureOptions) Source {
	return SourceFunc(func(ctx context.Context) (image.Image, error) {
		result, err := capturer.Capture(ctx, url, captureOptions)
		if err != nil {
			return nil, xerrors.Errorf("failed to capture %s: %w", url, err)
		}
		img, _, err := imageio.Decode(result.Screenshot)
		if err != nil {
			return nil, xerrors.Errorf("failed to decode screenshot of %s: %w", url, err)
		}
		return img, nil
	})
}
