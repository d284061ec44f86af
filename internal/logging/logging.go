// Package logging builds the process-wide structured logger. Adapted from
// the observability/logging wrapper used elsewhere in the stream-platform
// example pack: a thin slog.Logger factory keyed off a small Config, rather
// than the teacher's bare log.Printf calls, because the Telemetry Bus's
// `log{level,message,source?,platformId?,timestamp}` envelope (see
// internal/telemetry) needs leveled, structured records to forward verbatim.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

type Config struct {
	Level  string
	Format Format
	Writer io.Writer
}

// Init creates a logger from cfg and installs it as the process default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New creates a structured slog.Logger from cfg without touching the
// process-wide default.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	options := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == FormatText {
		handler = slog.NewTextHandler(writer, options)
	} else {
		handler = slog.NewJSONHandler(writer, options)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// WithComponent returns a logger annotated with the owning component's name,
// matching the `source` field the Telemetry Bus's log envelope carries.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return slog.Default().With("component", component)
	}
	return logger.With("component", component)
}
