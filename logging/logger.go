package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	// EnvLogLevel is the environment variable used to set the loader log level
	EnvLogLevel = "LOG_LEVEL"

	// LogLevelOff disables all logging
	LogLevelOff = slog.Level(8983)
)

// Initialize configures the default slog logger for the loader process.
// Log lines are JSON on stderr so the Lambda runtime forwards them to
// CloudWatch Logs unmodified.
func Initialize(component string) {
	slog.SetDefault(esLoaderLogger(component))
}

// esLoaderLogger returns a logger that writes JSON to stderr
func esLoaderLogger(component string) *slog.Logger {
	level := getLogLevel()
	if level == LogLevelOff {
		return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}

	handlerOptions := &slog.HandlerOptions{
		Level: level,
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, handlerOptions)).With("source", component)
}

func getLogLevel() slog.Leveler {
	levelEnv := os.Getenv(EnvLogLevel)

	switch strings.ToLower(levelEnv) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "off":
		return LogLevelOff
	default:
		return slog.LevelInfo
	}
}
