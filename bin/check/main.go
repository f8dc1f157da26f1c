package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"snapshot-differ/internal/capture"
	diffimage "snapshot-differ/internal/diff/image"
	"snapshot-differ/internal/env"
	"snapshot-differ/internal/myslog"
	"snapshot-differ/internal/retry"
	"snapshot-differ/internal/snapshot"
	"snapshot-differ/internal/storage"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
	"golang.org/x/xerrors"
)

type headers []string

func (h *headers) String() string {
	return strings.Join(*h, ", ")
}

func (h *headers) Set(value string) error {
	*h = append(*h, value)
	return nil
}

func main() {
	if err := env.Load(); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}

	var name string
	var url string
	var actualPath string
	var directory string
	var storageBackend string
	var s3Bucket string
	var prefix string
	var keepOldResults bool
	var rmsTolerance string
	var numDiffsTolerance string
	var maxPixelDiffTolerance string
	var tryDuration time.Duration
	var tryInterval time.Duration
	var format string
	var maskSelectors string
	var waitForSelector string
	var delay time.Duration
	var viewportWidth int
	var viewportHeight int
	var userAgent string
	var chromeDevtoolsProtocolURL string
	var install bool
	var headers headers
	var schedule string
	var callbackURL string
	var callbackRetryOn string
	var debug bool
	flag.StringVar(&name, "name", env.OrDefault("NAME", ""), "Snapshot name, used as the reference key")
	flag.StringVar(&url, "url", env.OrDefault("URL", ""), "URL to capture with a headless browser")
	flag.StringVar(&actualPath, "actual", env.OrDefault("ACTUAL", ""), "Image file to check instead of capturing a URL")
	flag.StringVar(&directory, "directory", env.OrDefault("DIRECTORY", "/tmp"), "Root directory for the file storage backend")
	flag.StringVar(&storageBackend, "storage-backend", env.OrDefault("STORAGE_BACKEND", "file"), "Storage backend (file or s3)")
	flag.StringVar(&s3Bucket, "s3-bucket", env.OrDefault("S3_BUCKET", ""), "Bucket for the s3 storage backend")
	flag.StringVar(&prefix, "prefix", env.OrDefault("PREFIX", "snapshots"), "Key prefix for references and results")
	flag.BoolVar(&keepOldResults, "keep-old-results", env.OrDefault("KEEP_OLD_RESULTS", false), "Keep actual and diff images of a previous failed check")
	flag.StringVar(&rmsTolerance, "rms-tolerance", env.OrDefault("RMS_TOLERANCE", ""), "Maximum mean RMS difference of differing pixels in percent")
	flag.StringVar(&numDiffsTolerance, "num-diffs-tolerance", env.OrDefault("NUM_DIFFS_TOLERANCE", ""), "Maximum share of differing pixels in percent")
	flag.StringVar(&maxPixelDiffTolerance, "max-pixel-diff-tolerance", env.OrDefault("MAX_PIXEL_DIFF_TOLERANCE", ""), "Maximum single channel difference (0-255)")
	flag.DurationVar(&tryDuration, "try-duration", env.OrDefault("TRY_DURATION", time.Duration(0)), "Keep regrabbing for this long while the snapshot differs")
	flag.DurationVar(&tryInterval, "try-interval", env.OrDefault("TRY_INTERVAL", 500*time.Millisecond), "Interval between regrabs")
	flag.StringVar(&format, "format", env.OrDefault("FORMAT", "png"), "Screenshot format (png or jpeg)")
	flag.StringVar(&maskSelectors, "mask-selectors", env.OrDefault("MASK_SELECTORS", ""), "Comma-separated list of CSS selectors to mask during capture")
	flag.StringVar(&waitForSelector, "wait-for-selector", env.OrDefault("WAIT_FOR_SELECTOR", ""), "CSS selector to wait for before capturing")
	flag.DurationVar(&delay, "delay", env.OrDefault("DELAY", 3*time.Second), "Delay before capturing")
	flag.IntVar(&viewportWidth, "viewport-width", env.OrDefault("VIEWPORT_WIDTH", 1920), "Viewport width in pixels")
	flag.IntVar(&viewportHeight, "viewport-height", env.OrDefault("VIEWPORT_HEIGHT", 1080), "Viewport height in pixels")
	flag.StringVar(&userAgent, "user-agent", env.OrDefault("USER_AGENT", ""), "User-Agent string to use for requests")
	flag.StringVar(&chromeDevtoolsProtocolURL, "chrome-devtools-protocol-url", env.OrDefault("CHROME_DEVTOOLS_PROTOCOL_URL", ""), "Connect to existing browser via Chrome DevTools Protocol URL (e.g., http://localhost:9222)")
	flag.BoolVar(&install, "install", env.OrDefault("INSTALL", true), "Install the playwright browser before capturing")
	flag.Var(&headers, "H", "Add HTTP header (can be used multiple times, e.g., -H 'Accept: text/html' -H 'Authorization: Bearer token')")
	flag.StringVar(&schedule, "schedule", env.OrDefault("SCHEDULE", ""), "Cron expression to repeat the check on until SIGTERM")
	flag.StringVar(&callbackURL, "callback-url", env.OrDefault("CALLBACK_URL", ""), "Callback URL to PATCH results to")
	flag.StringVar(&callbackRetryOn, "callback-retry-on", env.OrDefault("CALLBACK_RETRY_ON", retry.NewDefaultRetryOn().String()), "Conditions to retry the callback on (Envoy retry_on syntax)")
	flag.BoolVar(&debug, "debug", env.OrDefault("DEBUG", false), "Log in text format")

	flag.Parse()

	if name == "" {
		log.Fatalf("name not specified")
	}
	if (url == "") == (actualPath == "") {
		log.Fatalf("exactly one of url, actual must be specified")
	}

	handler, err := myslog.NewHandler(os.Stderr, debug)
	if err != nil {
		log.Fatalf("Failed to create log handler: %v", err)
	}
	logger := logr.FromSlogHandler(handler)

	tolerance, err := diffimage.ParseTolerance(rmsTolerance, numDiffsTolerance, maxPixelDiffTolerance)
	if err != nil {
		log.Fatalf("Invalid tolerance: %v", err)
	}

	retryOn, err := retry.NewRetryOnFromString(callbackRetryOn)
	if err != nil {
		log.Fatalf("Invalid callback retry conditions: %v", err)
	}

	ctx := context.Background()

	s, err := storage.New(ctx, storage.Config{
		Backend: storageBackend,
		File:    storage.FileConfig{Directory: directory},
		S3:      storage.S3Config{Bucket: s3Bucket, EndpointURL: os.Getenv("S3_ENDPOINT_URL")},
	})
	if err != nil {
		log.Fatalf("Failed to create storage backend: %v", err)
	}

	var source snapshot.Source
	if actualPath != "" {
		source = snapshot.FileSource(actualPath)
	} else {
		config := capture.DefaultPlaywrightConfig()
		config.Format = format
		config.Delay = delay
		config.ViewportWidth = viewportWidth
		config.ViewportHeight = viewportHeight
		config.UserAgent = userAgent
		config.ChromeDevtoolsProtocolURL = chromeDevtoolsProtocolURL
		if display := os.Getenv("DISPLAY"); display != "" {
			config.Headless = false
		}

		if install && chromeDevtoolsProtocolURL == "" {
			if err := capture.Install(); err != nil {
				log.Fatalf("Failed to install browser: %v", err)
			}
		}

		capturer, err := capture.NewPlaywrightCapturer(ctx, config)
		if err != nil {
			log.Fatalf("Failed to create capturer: %v", err)
		}

		source = snapshot.CaptureSource(capturer, url, capture.CaptureOptions{
			MaskSelectors:   splitSelectors(maskSelectors),
			Headers:         parseHeaders(headers),
			WaitForSelector: waitForSelector,
		})
	}

	checker := &snapshot.Checker{
		Storage:        s,
		Differ:         diffimage.NewPixelDiff(tolerance),
		Log:            logger,
		Prefix:         prefix,
		KeepOldResults: keepOldResults,
		RetryStrategy:  retry.NewConstantBackOffFor(tryDuration, tryInterval),
	}

	if schedule == "" {
		result, err := run(ctx, logger, checker, name, source, callbackURL, retryOn)
		if err != nil {
			log.Fatalf("Failed to check snapshot: %v", err)
		}
		if !result.Passed {
			os.Exit(1)
		}
		return
	}

	c := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)),
		cron.WithLogger(logger),
		cron.WithChain(cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(schedule, func() {
		if _, err := run(ctx, logger, checker, name, source, callbackURL, retryOn); err != nil {
			logger.Error(err, "failed to check snapshot")
		}
	}); err != nil {
		log.Fatalf("Invalid schedule %q: %v", schedule, err)
	}
	c.Start()
	logger.Info("scheduled snapshot check", "schedule", schedule)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, os.Interrupt)
	<-quit

	<-c.Stop().Done()
}

func run(ctx context.Context, logger logr.Logger, checker *snapshot.Checker, name string, source snapshot.Source, callbackURL string, retryOn *retry.On) (*snapshot.Result, error) {
	result, err := checker.Check(ctx, name, source)
	if err != nil {
		return nil, err
	}

	j, err := json.Marshal(result)
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal result: %w", err)
	}

	if callbackURL == "" {
		if _, err := os.Stdout.Write(append(j, '\n')); err != nil {
			return nil, xerrors.Errorf("failed to write result: %w", err)
		}
		return result, nil
	}

	if err := callback(ctx, callbackURL, j, retryOn); err != nil {
		return nil, xerrors.Errorf("failed to send callback: %w", err)
	}
	logger.V(1).Info("sent callback", "url", callbackURL)
	return result, nil
}

func callback(ctx context.Context, callbackURL string, data []byte, retryOn *retry.On) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPatch, callbackURL, bytes.NewReader(data))
	if err != nil {
		return xerrors.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &retry.Transport{
			Base:          http.DefaultTransport,
			RetryStrategy: retry.NewExponentialBackOff(10*time.Millisecond, 1*time.Second, 3, nil),
			RetryOn:       retryOn,
		},
	}

	response, err := client.Do(request)
	if err != nil {
		return xerrors.Errorf("failed to send request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		return xerrors.Errorf("callback returned %s", response.Status)
	}
	return nil
}

func splitSelectors(s string) []string {
	if s == "" {
		return nil
	}
	selectors := strings.Split(s, ",")
	for i := range selectors {
		selectors[i] = strings.TrimSpace(selectors[i])
	}
	return selectors
}

func parseHeaders(h headers) map[string]string {
	if len(h) == 0 {
		return nil
	}
	m := make(map[string]string, len(h))
	for _, header := range h {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			m[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return m
}
