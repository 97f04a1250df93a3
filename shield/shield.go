// Package shield provides the HTTP hardening middleware for the vestnik
// control surface: security headers, request body caps, trace-scoped
// logging, and panic recovery.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.Stack() {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// Stack returns the standard middleware chain for the control surface,
// ordered: Recover → SecurityHeaders → MaxBody → TraceID.
func Stack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		Recover,
		SecurityHeaders(),
		MaxBody(1 << 20),
		TraceID,
	}
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
