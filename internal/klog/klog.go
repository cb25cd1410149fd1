// Package klog sets up the engine's structured logger: slog over a
// lumberjack-rotated file, optionally tee'd to stderr for foreground runs.
// Grounded on the teacher's cmd/bd/daemon_logger.go.
package klog

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how the logger writes.
type Config struct {
	// Path is the log file path. Empty disables file logging (stderr only).
	Path string
	// JSON selects slog's JSON handler; otherwise text.
	JSON bool
	// Level is one of "debug", "info", "warn", "error" (case-insensitive);
	// unrecognized values default to info.
	Level string
	// Stderr tees output to stderr in addition to the file. Ignored if Path
	// is empty (stderr is then the only sink).
	Stderr bool

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger is a *slog.Logger plus the lumberjack writer backing it, so
// callers can Close the file on shutdown.
type Logger struct {
	*slog.Logger
	file *lumberjack.Logger
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var w io.Writer
	var file *lumberjack.Logger
	switch {
	case cfg.Path == "":
		w = os.Stderr
	case cfg.Stderr:
		file = newLumberjack(cfg)
		w = io.MultiWriter(file, os.Stderr)
	default:
		file = newLumberjack(cfg)
		w = file
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler), file: file}
}

// Discard returns a Logger that writes nowhere, for callers (tests, library
// use) that need a *slog.Logger but no output.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Close closes the underlying log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func newLumberjack(cfg Config) *lumberjack.Logger {
	maxSize := cfg.MaxSizeMB
	if maxSize == 0 {
		maxSize = 50
	}
	maxBackups := cfg.MaxBackups
	if maxBackups == 0 {
		maxBackups = 7
	}
	maxAge := cfg.MaxAgeDays
	if maxAge == 0 {
		maxAge = 30
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   cfg.Compress,
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
