// Package logging provides a structured logger factory for the gatez server.
//
// It configures [log/slog] with a JSON handler and a configurable minimum
// level, suitable for production deployments.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const serviceName = "gatez"

// New creates a [slog.Logger] that writes JSON to stderr at the given level.
// Accepted level strings (case-insensitive): "debug", "info", "warn", "error".
// An empty string defaults to "info".
func New(level string) *slog.Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter creates a [slog.Logger] writing JSON to w at the given level.
// Every record carries a service attribute.
func NewWithWriter(level string, w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(handler).With(slog.String("service", serviceName))
}

// ParseLevel converts a level string to a [slog.Level].
// Returns [slog.LevelInfo] for unrecognised values.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Component returns a child logger tagged with the subsystem name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("component", name))
}

// PrintfLogger adapts a slog logger to libraries that log through a
// context-aware Printf, such as go-redis.
type PrintfLogger struct {
	logger *slog.Logger
}

func NewPrintfLogger(logger *slog.Logger) *PrintfLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &PrintfLogger{logger: logger}
}

// Printf logs at warn level; these libraries only print on trouble.
func (p *PrintfLogger) Printf(ctx context.Context, format string, v ...any) {
	p.logger.WarnContext(ctx, strings.TrimSpace(fmt.Sprintf(format, v...)))
}
