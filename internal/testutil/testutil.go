// Package testutil provides shared test helpers.
package testutil

import (
	"log/slog"
	"os"
)

// TestLogger returns a quiet logger for use within tests.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
