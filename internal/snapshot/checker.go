// Package snapshot compares a rendering against a stored reference image,
// creating the reference on first use and keeping failure artifacts.
package snapshot

import (
	"context"
	"errors"
	"image"
	"path"
	diffimage "snapshot-differ/internal/diff/image"
	"snapshot-differ/internal/imageio"
	"snapshot-differ/internal/retry"
	"snapshot-differ/internal/storage"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

const (
	actualSuffix = "_actual"
	diffSuffix   = "_diff"
	extension    = ".png"
)

type Result struct {
	Name      string `json:"name"`
	Passed    bool   `json:"passed"`
	Generated bool   `json:"generated"`
	Retries   uint   `json:"retries"`

	// Reference is the storage key of the reference image; artifacts are
	// reported by the URL their storage returned.
	Reference string `json:"reference"`
	ActualURL string `json:"actualURL,omitempty"`
	DiffURL   string `json:"diffURL,omitempty"`

	DiffRMSPercent  float64 `json:"diffRMSPercent"`
	NumDiffsPercent float64 `json:"numDiffsPercent"`
	MaxPixelDiff    int     `json:"maxPixelDiff"`
	Report          string  `json:"report,omitempty"`
}

type Checker struct {
	Storage storage.Storage
	// Differ defaults to a PixelDiff requiring identical pixels.
	Differ diffimage.Differ
	Log    logr.Logger
	Prefix string
	// KeepOldResults leaves artifacts of a previous failed check in place.
	KeepOldResults bool
	// RetryStrategy paces re-grabs while the actual image differs from the
	// reference. Nil grabs once.
	RetryStrategy retry.Strategy
}

func (c *Checker) Check(ctx context.Context, name string, source Source) (*Result, error) {
	if name == "" {
		return nil, xerrors.New("snapshot name must not be empty")
	}

	referenceKey := c.key(name, "")
	actualKey := c.key(name, actualSuffix)
	diffKey := c.key(name, diffSuffix)

	log := c.Log.WithValues("name", name)

	if !c.KeepOldResults {
		for _, key := range []string{actualKey, diffKey} {
			if err := c.Storage.Delete(ctx, key); err != nil {
				return nil, xerrors.Errorf("failed to delete old result %s: %w", key, err)
			}
		}
	}

	referenceData, err := c.Storage.Get(ctx, referenceKey)
	if errors.Is(err, storage.ErrNotFound) {
		return c.generate(ctx, log, name, referenceKey, source)
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to get reference %s: %w", referenceKey, err)
	}

	reference, _, err := imageio.Decode(referenceData)
	if err != nil {
		return nil, xerrors.Errorf("failed to decode reference %s: %w", referenceKey, err)
	}

	actual, err := source.Grab(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to grab snapshot: %w", err)
	}

	result := &Result{
		Name:      name,
		Reference: referenceKey,
	}

	strategy := c.retryStrategy()
	for !diffimage.Equal(actual, reference) {
		sleep, exceeded := strategy.Sleep(result.Retries)
		if exceeded {
			break
		}
		if err := retry.Wait(ctx, sleep); err != nil {
			return nil, xerrors.Errorf("interrupted while waiting to regrab: %w", err)
		}
		actual, err = source.Grab(ctx)
		if err != nil {
			return nil, xerrors.Errorf("failed to grab snapshot: %w", err)
		}
		result.Retries++
	}

	if diffimage.Equal(actual, reference) {
		result.Passed = true
		return result, nil
	}

	start := time.Now()
	diffResult := c.differ().Calculate(actual, reference)
	log.Info("compared snapshot", "report", diffResult.Report(), "elapsed", time.Since(start).String())

	result.DiffRMSPercent = diffResult.DiffRMSPercent
	result.NumDiffsPercent = diffResult.NumDiffsPercent
	result.MaxPixelDiff = diffResult.MaxPixelDiff
	result.Report = diffResult.Report()

	if !diffResult.Different() {
		result.Passed = true
		return result, nil
	}

	log.Info("snapshot differs from reference", "sizeMismatch", diffResult.SizeMismatch)

	{
		eg, ctx := errgroup.WithContext(ctx)

		eg.Go(func() error {
			url, err := c.put(ctx, actualKey, actual)
			if err != nil {
				return xerrors.Errorf("failed to store actual image: %w", err)
			}
			result.ActualURL = url
			return nil
		})

		eg.Go(func() error {
			url, err := c.put(ctx, diffKey, diffResult.Image)
			if err != nil {
				return xerrors.Errorf("failed to store diff image: %w", err)
			}
			result.DiffURL = url
			return nil
		})

		if err := eg.Wait(); err != nil {
			return nil, err
		}
	}

	log.Info("stored failure artifacts", "actual", result.ActualURL, "diff", result.DiffURL)

	return result, nil
}

func (c *Checker) generate(ctx context.Context, log logr.Logger, name string, referenceKey string, source Source) (*Result, error) {
	img, err := source.Grab(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to grab snapshot: %w", err)
	}

	url, err := c.put(ctx, referenceKey, img)
	if err != nil {
		return nil, xerrors.Errorf("failed to store reference: %w", err)
	}
	log.Info("generating reference snapshot", "reference", url)

	return &Result{
		Name:      name,
		Passed:    true,
		Generated: true,
		Reference: referenceKey,
	}, nil
}

func (c *Checker) put(ctx context.Context, key string, img image.Image) (string, error) {
	data, err := imageio.EncodePNG(img)
	if err != nil {
		return "", err
	}
	return c.Storage.Put(ctx, key, data)
}

func (c *Checker) key(name string, suffix string) string {
	return path.Join(c.Prefix, name+suffix+extension)
}

func (c *Checker) differ() diffimage.Differ {
	if c.Differ != nil {
		return c.Differ
	}
	return diffimage.NewPixelDiff(diffimage.Tolerance{})
}

func (c *Checker) retryStrategy() retry.Strategy {
	if c.RetryStrategy != nil {
		return c.RetryStrategy
	}
	return retry.NewNever()
}
