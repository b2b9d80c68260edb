// Package log builds the structured slog loggers used across the gateway,
// broker, and cloud API layers.
package log

import (
	"log/slog"
	"os"
)

// New creates a [slog.Logger] writing text records to stdout at the given
// level (one of "debug", "info", "warn", "error"; defaults to info).
func New(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel maps a level name to a [slog.Level], defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns a child logger tagged with a subsystem name (broker,
// o2s, s2o, api) so records from different layers stay distinguishable.
func Component(l *slog.Logger, name string) *slog.Logger {
	return l.With("component", name)
}
