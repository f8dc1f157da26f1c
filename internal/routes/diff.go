package routes

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	diffimage "snapshot-differ/internal/diff/image"
	"snapshot-differ/internal/imageio"
	"snapshot-differ/internal/myhttp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxMultipartMemory = 32 << 20

	DefaultMaxPixels      = 50_000_000
	DefaultMaxUploadBytes = 64 << 20
)

type DiffConfig struct {
	// Tolerance applies unless the request carries tolerance fields.
	Tolerance diffimage.Tolerance
	// MaxPixels caps the diff canvas, max of the widths times max of the
	// heights. Zero means DefaultMaxPixels.
	MaxPixels int64
	// MaxUploadBytes caps the request body. Zero means DefaultMaxUploadBytes.
	MaxUploadBytes int64
}

type DiffResponse struct {
	DiffData        string  `json:"diffData,omitempty"`
	DiffRMSPercent  float64 `json:"diffRMSPercent"`
	NumDiffsPercent float64 `json:"numDiffsPercent"`
	MaxPixelDiff    int     `json:"maxPixelDiff"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	SizeMismatch    bool    `json:"sizeMismatch"`
	Report          string  `json:"report"`
	Different       bool    `json:"different"`
}

// Diff compares the multipart files "actual" and "reference". Tolerance form
// fields replace the configured tolerance for the request when any of them is
// present. Image headers are checked against MaxPixels before any pixel is
// decoded.
func Diff(config DiffConfig, diffsTotal metric.Int64Counter) http.HandlerFunc {
	tracer := otel.Tracer("snapshot-differ/internal/routes")
	if config.MaxPixels <= 0 {
		config.MaxPixels = DefaultMaxPixels
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = DefaultMaxUploadBytes
	}

	return func(w http.ResponseWriter, r *http.Request) {
		logger := myhttp.Logger(r.Context())

		r.Body = http.MaxBytesReader(w, r.Body, config.MaxUploadBytes)
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			logger.Warn(fmt.Sprintf("failed to parse multipart form: %s", err))
			http.Error(w, "Invalid multipart form", http.StatusBadRequest)
			return
		}

		tolerance := config.Tolerance
		if hasToleranceField(r.MultipartForm) {
			t, err := diffimage.ParseTolerance(
				r.FormValue("rmsTolerance"),
				r.FormValue("numDiffsTolerance"),
				r.FormValue("maxPixelDiffTolerance"),
			)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			tolerance = t
		}

		actualData, actualConfig, err := formImage(r, "actual")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		referenceData, referenceConfig, err := formImage(r, "reference")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := checkCanvas(actualConfig, referenceConfig, config.MaxPixels); err != nil {
			logger.Warn(fmt.Sprintf("rejected diff: %s", err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		actual, _, err := imageio.Decode(actualData)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to decode %q: %s", "actual", err), http.StatusBadRequest)
			return
		}

		reference, _, err := imageio.Decode(referenceData)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to decode %q: %s", "reference", err), http.StatusBadRequest)
			return
		}

		ctx, span := tracer.Start(r.Context(), "PixelDiff.Calculate")
		diffResult := diffimage.NewPixelDiff(tolerance).Calculate(actual, reference)
		span.SetAttributes(
			attribute.Int("diff.width", diffResult.Width),
			attribute.Int("diff.height", diffResult.Height),
			attribute.Bool("diff.different", diffResult.Different()),
		)
		span.End()

		diffsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("different", diffResult.Different()),
			attribute.Bool("size_mismatch", diffResult.SizeMismatch),
		))

		response := DiffResponse{
			DiffRMSPercent:  diffResult.DiffRMSPercent,
			NumDiffsPercent: diffResult.NumDiffsPercent,
			MaxPixelDiff:    diffResult.MaxPixelDiff,
			Width:           diffResult.Width,
			Height:          diffResult.Height,
			SizeMismatch:    diffResult.SizeMismatch,
			Report:          diffResult.Report(),
			Different:       diffResult.Different(),
		}

		if diffResult.Different() {
			data, err := imageio.EncodePNG(diffResult.Image)
			if err != nil {
				recordError(trace.SpanFromContext(r.Context()), err)
				logger.Error(fmt.Sprintf("failed to encode diff image: %s", err))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			response.DiffData = base64.StdEncoding.EncodeToString(data)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			logger.Error(fmt.Sprintf("failed to encode response: %s", err))
		}
	}
}

func hasToleranceField(form *multipart.Form) bool {
	if form == nil {
		return false
	}
	for _, key := range []string{"rmsTolerance", "numDiffsTolerance", "maxPixelDiffTolerance"} {
		if _, ok := form.Value[key]; ok {
			return true
		}
	}
	return false
}

// formImage returns the raw bytes of the uploaded image and its header.
func formImage(r *http.Request, field string) ([]byte, image.Config, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, image.Config{}, fmt.Errorf("missing file %q", field)
		}
		return nil, image.Config{}, fmt.Errorf("failed to read file %q: %w", field, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, image.Config{}, fmt.Errorf("failed to read file %q: %w", field, err)
	}

	config, _, err := imageio.DecodeConfig(data)
	if err != nil {
		return nil, image.Config{}, fmt.Errorf("failed to decode %q: %w", field, err)
	}
	return data, config, nil
}

func checkCanvas(actual image.Config, reference image.Config, maxPixels int64) error {
	width := int64(max(actual.Width, reference.Width))
	height := int64(max(actual.Height, reference.Height))
	if width*height > maxPixels {
		return fmt.Errorf("diff canvas %dx%d exceeds the limit of %d pixels", width, height, maxPixels)
	}
	return nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
