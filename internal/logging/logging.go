// Package logging builds the process-wide slog.Logger: a rotating
// file handler via lumberjack, optionally fanned out to a stderr handler
// through a small multiHandler.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// multiHandler fans records out to every wrapped handler.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// Options configures New.
type Options struct {
	LogPath string
	Debug   bool
	// ToStderr additionally fans records to stderr, for foreground/dev runs.
	ToStderr bool
	// Quiet raises the minimum level to slog.LevelError, overriding Debug.
	Quiet bool
}

// New builds the rotating-file logger. The caller is responsible for
// calling the returned close function (it closes the lumberjack sink) at
// shutdown.
func New(opts Options) (*slog.Logger, func() error, error) {
	if opts.LogPath == "" {
		return nil, nil, fmt.Errorf("logging: LogPath is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.LogPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}

	logFile := &lumberjack.Logger{
		Filename:   opts.LogPath,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	if opts.Quiet {
		level = slog.LevelError
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(logFile, handlerOpts)
	if opts.ToStderr {
		handler = &multiHandler{handlers: []slog.Handler{
			handler,
			slog.NewTextHandler(os.Stderr, handlerOpts),
		}}
	}

	logger := slog.New(handler)
	return logger, logFile.Close, nil
}
