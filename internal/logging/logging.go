// Package logging configures the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init configures a global slog logger for the given component.
// JSON output if MCODA_JSON_LOG=1/true, text otherwise.
func Init(component string) *slog.Logger {
	return InitWriter(component, os.Stderr)
}

// InitWriter is Init with an explicit destination, used by job runs that
// tee logs into the job directory.
func InitWriter(component string, w io.Writer) *slog.Logger {
	mode := strings.ToLower(os.Getenv("MCODA_JSON_LOG"))
	opts := &slog.HandlerOptions{Level: levelFromEnv()}

	var handler slog.Handler
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler).With("component", component)
	slog.SetDefault(logger)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("MCODA_LOG_LEVEL")) {
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
