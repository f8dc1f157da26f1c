package myslog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// NewHandler returns a JSON handler using the OpenTelemetry log data model
// key names, or a text handler when debug is set. The level is read from
// GO_LOG and defaults to info.
func NewHandler(w io.Writer, debug bool) (slog.Handler, error) {
	logLevel := slog.LevelInfo
	if v, ok := os.LookupEnv("GO_LOG"); ok {
		if err := logLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("failed to parse log level: %w", err)
		}
	}
	handlerOpts := &slog.HandlerOptions{
		Level: logLevel,
		// https://opentelemetry.io/docs/specs/otel/logs/data-model/
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.LevelKey:
				a.Key = "severitytext"
			case slog.MessageKey:
				a.Key = "body"
			}
			return a
		},
	}
	if debug {
		return slog.NewTextHandler(w, handlerOpts), nil
	}
	return slog.NewJSONHandler(w, handlerOpts), nil
}
