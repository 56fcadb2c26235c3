// Package logger carries a request- or connection-scoped *slog.Logger
// through context so handlers and the goroutines they spawn log with
// the same accumulated attributes.
package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const loggerKey contextKey = "relay-slogger"

// AddToContext stores logger for FromContext to find.
func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the stored logger, or slog.Default when the
// context never passed through AddToContext.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// With derives a child logger carrying args and stores it back in the
// context, so downstream code picks up the attributes automatically.
func With(ctx context.Context, args ...any) (context.Context, *slog.Logger) {
	log := FromContext(ctx).With(args...)
	return AddToContext(ctx, log), log
}
