// Package logger provides the structured logging used across the adapter.
//
// logger.go - process-wide slog setup: dual console+file handler, JSON or
// text encoding, and context-scoped helpers that attach request/principal/
// tool identifiers the way the rest of the codebase expects to find them.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	mu      sync.Mutex
	slogger *slog.Logger
	logFile *os.File
)

// Init initializes the global structured logger. jsonOutput selects the
// production JSON handler; otherwise a human-readable text handler is used.
// logDir may be empty, in which case only stdout receives output.
func Init(logDir string, jsonOutput bool) error {
	mu.Lock()
	defer mu.Unlock()

	writer := io.Writer(os.Stdout)
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return err
		}
		name := "projectbridge-" + time.Now().Format("2006-01-02") + ".log"
		f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		logFile = f
		writer = io.MultiWriter(os.Stdout, f)
	}

	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)
	return nil
}

// Close closes the log file, if one was opened.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// Base returns the process-wide logger, defaulting to slog.Default if Init
// was never called (e.g. in unit tests).
func Base() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

type contextKey string

const (
	ctxRequestID contextKey = "request_id"
	ctxPrincipal contextKey = "principal"
	ctxTool      contextKey = "tool"
)

// WithRequestID attaches a request identifier to the context for later
// log scoping.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestID, id)
}

// WithPrincipal attaches the admitted principal (token subject or peer
// address) to the context.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, ctxPrincipal, principal)
}

// WithTool attaches the name of the tool being invoked to the context.
func WithTool(ctx context.Context, tool string) context.Context {
	return context.WithValue(ctx, ctxTool, tool)
}

// FromContext returns a logger with whatever request/principal/tool fields
// are present on ctx attached via slog.Logger.With.
func FromContext(ctx context.Context) *slog.Logger {
	l := Base()
	if v := ctx.Value(ctxRequestID); v != nil {
		l = l.With("request_id", v)
	}
	if v := ctx.Value(ctxPrincipal); v != nil {
		l = l.With("principal", v)
	}
	if v := ctx.Value(ctxTool); v != nil {
		l = l.With("tool", v)
	}
	return l
}

// Info logs an informational message scoped to ctx.
func Info(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).Info(msg, args...)
}

// Warn logs a warning scoped to ctx.
func Warn(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).Warn(msg, args...)
}

// Error logs an error scoped to ctx.
func Error(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).Error(msg, args...)
}

// Debug logs a debug message scoped to ctx.
func Debug(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).Debug(msg, args...)
}
