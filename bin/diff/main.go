package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	diffimage "snapshot-differ/internal/diff/image"
	"snapshot-differ/internal/env"
	"snapshot-differ/internal/imageio"
	"snapshot-differ/internal/storage"
	"time"
)

type DiffOutput struct {
	DiffPath        string  `json:"diffPath,omitempty"`
	DiffRMSPercent  float64 `json:"diffRMSPercent"`
	NumDiffsPercent float64 `json:"numDiffsPercent"`
	MaxPixelDiff    int     `json:"maxPixelDiff"`
	Report          string  `json:"report"`
	Different       bool    `json:"different"`
}

func main() {
	if err := env.Load(); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}

	var directory string
	var storageBackend string
	var s3Bucket string
	var rmsTolerance string
	var numDiffsTolerance string
	var maxPixelDiffTolerance string
	flag.StringVar(&directory, "directory", env.OrDefault("DIRECTORY", "/tmp"), "Output directory for the file storage backend")
	flag.StringVar(&storageBackend, "storage-backend", env.OrDefault("STORAGE_BACKEND", "file"), "Storage backend (file or s3)")
	flag.StringVar(&s3Bucket, "s3-bucket", env.OrDefault("S3_BUCKET", ""), "Bucket for the s3 storage backend")
	flag.StringVar(&rmsTolerance, "rms-tolerance", env.OrDefault("RMS_TOLERANCE", ""), "Maximum mean RMS difference of differing pixels in percent")
	flag.StringVar(&numDiffsTolerance, "num-diffs-tolerance", env.OrDefault("NUM_DIFFS_TOLERANCE", ""), "Maximum share of differing pixels in percent")
	flag.StringVar(&maxPixelDiffTolerance, "max-pixel-diff-tolerance", env.OrDefault("MAX_PIXEL_DIFF_TOLERANCE", ""), "Maximum single channel difference (0-255)")

	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		log.Fatalf("actual, reference not specified")
	}
	actualPath := args[0]
	referencePath := args[1]

	tolerance, err := diffimage.ParseTolerance(rmsTolerance, numDiffsTolerance, maxPixelDiffTolerance)
	if err != nil {
		log.Fatalf("Invalid tolerance: %v", err)
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

	actualImage, err := imageio.Load(actualPath)
	if err != nil {
		log.Fatalf("Failed to load actual image: %v", err)
	}

	referenceImage, err := imageio.Load(referencePath)
	if err != nil {
		log.Fatalf("Failed to load reference image: %v", err)
	}

	diffResult := diffimage.NewPixelDiff(tolerance).Calculate(actualImage, referenceImage)

	output := DiffOutput{
		DiffRMSPercent:  diffResult.DiffRMSPercent,
		NumDiffsPercent: diffResult.NumDiffsPercent,
		MaxPixelDiff:    diffResult.MaxPixelDiff,
		Report:          diffResult.Report(),
		Different:       diffResult.Different(),
	}

	if diffResult.Different() {
		data, err := imageio.EncodePNG(diffResult.Image)
		if err != nil {
			log.Fatalf("Failed to encode diff image: %v", err)
		}

		h := sha256.New()
		h.Write([]byte(actualPath + referencePath))
		hash := fmt.Sprintf("%x", h.Sum(nil))[:16]
		key := fmt.Sprintf("Snapshot/diff/%s/%s.png", hash, time.Now().Format("20060102150405"))

		output.DiffPath, err = s.Put(ctx, key, data)
		if err != nil {
			log.Fatalf("Failed to save diff image: %v", err)
		}
	}

	if err := json.NewEncoder(os.Stdout).Encode(output); err != nil {
		log.Fatalf("Failed to encode result: %v", err)
	}

	if output.Different {
		os.Exit(1)
	}
}
