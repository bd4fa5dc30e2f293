// Package shield provides the HTTP middleware in front of the listingproof
// service: security headers, body limits, request tracing and per-IP rate
// limiting backed by SQLite.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
//	r.Use(shield.MaxBody(64 * 1024))
//	r.Use(shield.TraceID(logger))
//	r.Use(rl.Middleware)
//
// Or apply the default stack in one call:
//
//	stack, rl, err := shield.DefaultStack(db, logger)
//	rl.StartReloader(done)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultStack applies the schema and returns the standard middleware stack.
// Order: HeadToGet → SecurityHeaders → MaxBody → TraceID → RateLimiter.
// /health is never rate limited.
func DefaultStack(db *sql.DB, logger *slog.Logger) ([]func(http.Handler) http.Handler, *RateLimiter, error) {
	if err := Init(db); err != nil {
		return nil, nil, err
	}
	rl := NewRateLimiter(db, logger, "/health")
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(64 * 1024),
		TraceID(logger),
		rl.Middleware,
	}, rl, nil
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
