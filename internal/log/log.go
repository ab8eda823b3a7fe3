// Package log provides structured logging for the address hub. It wraps
// Go's log/slog with per-module child loggers so every component's lines
// carry a "module" attribute.
package log

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with hub-specific context.
type Logger struct {
	inner *slog.Logger
}

// defaultLogger is the process-wide logger used by the package-level
// convenience functions.
var defaultLogger *Logger

func init() {
	defaultLogger = New(slog.LevelInfo)
}

// New creates a Logger that writes JSON to stderr at the given level.
func New(level slog.Level) *Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return &Logger{inner: slog.New(h)}
}

// NewWithHandler creates a Logger backed by the supplied slog.Handler. Useful
// for tests that want to assert on log output or silence it entirely.
func NewWithHandler(h slog.Handler) *Logger {
	return &Logger{inner: slog.New(h)}
}

// SetDefault replaces the package-level default logger.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// Default returns the current package-level default logger.
func Default() *Logger {
	return defaultLogger
}

// Module returns a child logger tagged with the given subsystem name. This is
// the primary way components (hub, codec, the three adapter variants, scan
// backend) obtain their own contextual logger.
func (l *Logger) Module(name string) *Logger {
	return &Logger{inner: l.inner.With("module", name)}
}

// With returns a child logger with additional key-value context.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{inner: l.inner.With(args...)}
}

// WithPlugin returns a child logger tagged with pluginID. Every adapter
// family (blockbook, evmrpc, webhook) and the hub's own fan-out/subscribe
// log lines are keyed by pluginId, so this is the one piece of context
// nearly every component in the hub attaches.
func (l *Logger) WithPlugin(pluginID string) *Logger {
	return l.With("plugin", pluginID)
}

// WithConn returns a child logger tagged with a client connection id, the
// identifier session.go mints per transport and the hub indexes
// ConnectionInfo and subscriptions by.
func (l *Logger) WithConn(connID string) *Logger {
	return l.With("conn", connID)
}

// WithWorker returns a child logger tagged with a worker index, for the
// goroutine-per-worker fan-out cmd/addrhubd runs.
func (l *Logger) WithWorker(i int) *Logger {
	return l.With("worker", i)
}

func (l *Logger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.inner.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.inner.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.inner.Error(msg, args...) }
