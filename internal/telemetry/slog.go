package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ParseLevel maps a configuration level string to a slog.Level. Unknown values map to
// info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler builds the slog handler used by the service.
//
// format: "json" → JSONHandler, anything else → TextHandler.
func NewHandler(w io.Writer, format, level string) slog.Handler {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug, // include file:line only when debugging
	}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SetupLogger configures the global slog default logger from the logging section of
// the configuration and installs it as the default.
//
// output: "stdout" (default), "stderr", or a file path opened for append.
//
// The returned closer releases the output file, if one was opened.
func SetupLogger(format, level, output string) (io.Closer, error) {
	var w io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	switch strings.ToLower(output) {
	case "", "stdout":
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output %q: %w", output, err)
		}
		w = f
		closer = f
	}

	slog.SetDefault(slog.New(NewHandler(w, format, level)))
	slog.Info("logger initialised", "format", format, "level", ParseLevel(level).String())
	return closer, nil
}
