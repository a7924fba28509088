package util

import (
	"errors"
	"io"
	"log/slog"
	"os"
)

// ErrUnknownLogLevel is returned for log levels ConfigureLogger does not know.
var ErrUnknownLogLevel = errors.New("unknown log level")

// ConfigureLogger installs the default slog logger.
//
// Valid levels are "none", "error", "warn", "info" and "debug". With an
// empty file the logger writes text to stdout; otherwise it appends JSON
// lines to file and returns the handle so the caller can close it.
func ConfigureLogger(level, file string) (*os.File, error) {
	var opts slog.HandlerOptions
	switch level {
	case "none":
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		return nil, nil
	case "error":
		opts.Level = slog.LevelError
	case "warn":
		opts.Level = slog.LevelWarn
	case "", "info":
		opts.Level = slog.LevelInfo
	case "debug":
		opts.Level = slog.LevelDebug
	default:
		return nil, ErrUnknownLogLevel
	}

	if file == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &opts)))
		return nil, nil
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, WrapError("open log file", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(f, &opts)))
	return f, nil
}
