// Package log builds the process logger: slog with secret redaction, written
// as text to the terminal or as JSON into a size-rotated file.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultLevel     = "info"
	DefaultMaxSizeMB = 10
	DefaultMaxFiles  = 5
)

type Options struct {
	Level     string
	File      string
	MaxSizeMB int
	MaxFiles  int
}

// New returns a logger and a closer for its sink. With File empty the
// logger writes text to w and the closer is a no-op.
func New(opts Options, w io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	if opts.File == "" {
		if w == nil {
			w = io.Discard
		}
		handler := NewRedactingHandler(slog.NewTextHandler(w, handlerOpts))
		return slog.New(handler), nopCloser{}, nil
	}

	writer, err := openLogFile(opts)
	if err != nil {
		return nil, nil, err
	}
	handler := NewRedactingHandler(slog.NewJSONHandler(writer, handlerOpts))
	return slog.New(handler), writer, nil
}

// openLogFile rotates by size and keeps MaxFiles backups. Backup names carry
// local time, like the vault's daily copies.
func openLogFile(opts Options) (*lumberjack.Logger, error) {
	if !filepath.IsAbs(opts.File) {
		return nil, fmt.Errorf("log file %q must be an absolute path", opts.File)
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = DefaultMaxSizeMB
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultMaxFiles
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxFiles,
		LocalTime:  true,
	}, nil
}

func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", DefaultLevel:
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
