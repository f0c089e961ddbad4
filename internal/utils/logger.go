package utils

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger. Level accepts the slog names
// case-insensitively, including offsets such as "warn+2"; anything
// unparseable falls back to info rather than failing startup.
func NewLogger(level string, json bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
