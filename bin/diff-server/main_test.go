package main

import (
	"snapshot-differ/internal/routes"
	"testing"
	"time"
)

func TestNewServer(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		server, err := NewServer()
		if err != nil {
			t.Fatalf("NewServer() error = %v", err)
		}
		if server.address != "0.0.0.0:8383" || server.lameduck != time.Second {
			t.Errorf("Unexpected defaults: %+v", server)
		}
		if server.diff.Tolerance.RMSPercent != nil || server.diff.Tolerance.NumDiffsPercent != nil || server.diff.Tolerance.MaxPixelDiff != nil {
			t.Errorf("Expected unset default tolerance, got %+v", server.diff.Tolerance)
		}
		if server.diff.MaxPixels != routes.DefaultMaxPixels || server.diff.MaxUploadBytes != routes.DefaultMaxUploadBytes {
			t.Errorf("Unexpected diff limits: %+v", server.diff)
		}
	})

	t.Run("LimitsFromEnvironment", func(t *testing.T) {
		t.Setenv("MAX_PIXELS", "4096")
		t.Setenv("MAX_UPLOAD_BYTES", "1024")

		server, err := NewServer()
		if err != nil {
			t.Fatalf("NewServer() error = %v", err)
		}
		if server.diff.MaxPixels != 4096 || server.diff.MaxUploadBytes != 1024 {
			t.Errorf("Expected limits from environment, got %+v", server.diff)
		}
	})

	t.Run("ToleranceFromEnvironment", func(t *testing.T) {
		t.Setenv("MAX_PIXEL_DIFF_TOLERANCE", "16")

		server, err := NewServer()
		if err != nil {
			t.Fatalf("NewServer() error = %v", err)
		}
		if server.diff.Tolerance.MaxPixelDiff == nil || *server.diff.Tolerance.MaxPixelDiff != 16 {
			t.Errorf("Expected max pixel diff tolerance 16, got %+v", server.diff.Tolerance)
		}
	})

	t.Run("InvalidTolerance", func(t *testing.T) {
		t.Setenv("RMS_TOLERANCE", "200")

		if _, err := NewServer(); err == nil {
			t.Errorf("Expected error for out of range tolerance")
		}
	})
}
