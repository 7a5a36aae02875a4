// Package logging configures slog for the service and threads
// request-scoped loggers through context. The HTTP middleware stamps a
// request ID once per request; code below it calls L to get a logger
// that already carries the ID.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	loggerKey
)

// New builds the process logger. Level is one of debug, info, warn or
// error; anything else means info. Format "json" selects the JSON
// handler, any other value selects text. Debug level also records
// source locations.
func New(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h)
}

// WithRequestID returns a context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID reports the request ID stamped on ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithLogger returns a context carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger carried by ctx, falling back to
// slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// L returns the context logger with the request ID attached when one
// is present. Call sites use this; the other helpers exist for the
// middleware.
func L(ctx context.Context) *slog.Logger {
	l := FromContext(ctx)
	if id := RequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	return l
}
