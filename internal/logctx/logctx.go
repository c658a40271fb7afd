package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey    contextKey = "logger"
	requesterKey contextKey = "requester_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithRequester tags the context with the requester the work is done for.
// TraceHandler adds it to every record logged with that context.
func WithRequester(ctx context.Context, requesterID string) context.Context {
	return context.WithValue(ctx, requesterKey, requesterID)
}

// RequesterFromContext returns the requester id stored by WithRequester, or "".
func RequesterFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requesterKey).(string); ok {
		return id
	}
	return ""
}
