// Package testutil carries shared test helpers, chiefly the bridge that
// routes slog output into the testing framework.
package testutil

import (
	"log/slog"
	"strings"
	"testing"
)

// tbWriter forwards handler output line by line through tb.Log so records
// stay attached to the test that produced them.
type tbWriter struct {
	tb testing.TB
}

func (w tbWriter) Write(p []byte) (int, error) {
	w.tb.Helper()

	w.tb.Log(strings.TrimRight(string(p), "\n"))

	return len(p), nil
}

// LoggerFromTB returns a debug-level text logger writing through tb.Log.
// Output surfaces only for failing tests (or under -v), which keeps engine
// traces available exactly when they matter.
func LoggerFromTB(tb testing.TB) *slog.Logger {
	tb.Helper()

	handler := slog.NewTextHandler(tbWriter{tb: tb}, &slog.HandlerOptions{Level: slog.LevelDebug})

	return slog.New(handler)
}
