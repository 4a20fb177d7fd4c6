// Package logger configures the process-wide slog logger for the relay.
package logger

import (
	"log/slog"
	"os"
)

// New builds a logger at the given level ("debug", "info", "warn",
// "error"; anything else falls back to info), emitting JSON or text, and
// installs it as the slog default so library code logs through it too.
func New(level string, jsonOutput bool) *slog.Logger {
	lv := new(slog.LevelVar)
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: lv}
	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}
