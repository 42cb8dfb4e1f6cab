// Package logging wires up the run-scoped structured logger: JSON to
// stderr plus a size-rotated file under paths.logs, matching the
// teacher's slog-JSON-handler idiom.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds a *slog.Logger that writes JSON records to both stderr and a
// rotating file under logDir/bioetl.log. level is one of "debug", "info"
// (default), "warn", "error".
func New(logDir, level string) (*slog.Logger, func() error, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "bioetl.log"),
		MaxSize:    100, // MB
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}

	w := io.MultiWriter(os.Stderr, rotator)
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	logger := slog.New(handler)
	return logger, rotator.Close, nil
}

func parseLevel(level string) slog.Level {
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
