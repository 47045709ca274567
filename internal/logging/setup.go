// Package logging wires log/slog for the bridge: level and format from the
// environment, an optional rotating log file, and capture of stdlib log output.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is the shared level of the default logger. Setting it takes effect
// immediately.
var Level slog.LevelVar

// Default rotation settings for LOG_FILE output.
const (
	DefaultFileMaxSizeMB  = 10
	DefaultFileMaxBackups = 3
	DefaultFileMaxAgeDays = 14
)

// Options selects how the default logger is built.
type Options struct {
	// Level is parsed with ParseLevel.
	Level string
	// Format is "json" (default) or "text".
	Format string
	File   FileOptions
}

// FileOptions configures rotating file output. An empty Path disables it.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// OptionsFromEnv reads LOG_LEVEL, LOG_FORMAT, LOG_FILE and LOG_FILE_MAX_MB.
func OptionsFromEnv() Options {
	opts := Options{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
		File:   FileOptions{Path: os.Getenv("LOG_FILE")},
	}
	if v, err := strconv.Atoi(os.Getenv("LOG_FILE_MAX_MB")); err == nil && v > 0 {
		opts.File.MaxSizeMB = v
	}
	return opts
}

// Setup configures the default logger from the environment, writing to
// stderr. Close the result on exit to flush the log file.
func Setup() io.Closer {
	return Configure(OptionsFromEnv(), os.Stderr)
}

// Configure installs a default slog logger writing to w and, when
// opts.File.Path is set, to a size-rotated file as well. Output of the stdlib
// log package is routed through the same logger at INFO. The returned Closer
// is always non-nil.
func Configure(opts Options, w io.Writer) io.Closer {
	var closer io.Closer = nopCloser{}
	if opts.File.Path != "" {
		rotator := NewRotatingWriter(opts.File)
		w = io.MultiWriter(w, rotator)
		closer = rotator
	}

	Level.Set(ParseLevel(opts.Level))
	logger := slog.New(newHandler(opts.Format, w))
	slog.SetDefault(logger)

	log.SetOutput(stdlogWriter{logger: logger})
	log.SetFlags(0)
	return closer
}

func newHandler(format string, w io.Writer) slog.Handler {
	ho := &slog.HandlerOptions{Level: &Level}
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.NewTextHandler(w, ho)
	}
	return slog.NewJSONHandler(w, ho)
}

// NewRotatingWriter returns a lumberjack logger with defaults applied.
func NewRotatingWriter(file FileOptions) *lumberjack.Logger {
	if file.MaxSizeMB <= 0 {
		file.MaxSizeMB = DefaultFileMaxSizeMB
	}
	if file.MaxBackups <= 0 {
		file.MaxBackups = DefaultFileMaxBackups
	}
	if file.MaxAgeDays <= 0 {
		file.MaxAgeDays = DefaultFileMaxAgeDays
	}
	return &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    file.MaxSizeMB,
		MaxBackups: file.MaxBackups,
		MaxAge:     file.MaxAgeDays,
		Compress:   true,
	}
}

// ParseLevel maps debug, info, warn(ing) and error to slog levels,
// case-insensitively. Anything else is INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type stdlogWriter struct {
	logger *slog.Logger
}

func (w stdlogWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"), "source", "stdlib")
	return len(p), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
