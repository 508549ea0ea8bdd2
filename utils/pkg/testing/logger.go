package flywheeltesting

import (
	"log/slog"
	"os"
)

// NewLogger returns a text logger whose level is controlled by DEBUG:
// "2" debug, "1" info, anything else errors only.
func NewLogger() *slog.Logger {
	var level slog.Level
	switch os.Getenv("DEBUG") {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
