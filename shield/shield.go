// Package shield provides the HTTP security middleware for the participation
// service: security headers, per-endpoint rate limiting, body limits, request
// tracing, and HEAD method handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
//	r.Use(shield.MaxJSONBody(64 * 1024))
//	r.Use(shield.TraceID)
//	r.Use(shield.NewRateLimiter(db).Middleware)
//	r.Use(shield.HeadToGet)
//
// Or apply the default stack in one call:
//
//	stack, rl := shield.DefaultStack(db)
//	rl.StartReloader(done)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"database/sql"
	"net/http"
)

type contextKey string

const (
	// LoggerKey is the context key for the per-request structured logger.
	LoggerKey contextKey = "shield_logger"

	// TraceIDKey is the context key for the request trace ID.
	TraceIDKey contextKey = "shield_trace_id"
)

// DefaultStack returns the standard middleware stack, ordered
// HeadToGet → SecurityHeaders → MaxJSONBody → TraceID → RateLimiter.
// The returned RateLimiter handle lets the caller start the rule reloader
// and bucket GC with StartReloader.
func DefaultStack(db *sql.DB) ([]func(http.Handler) http.Handler, *RateLimiter) {
	rl := NewRateLimiter(db, "/healthz")
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxJSONBody(64 * 1024),
		TraceID,
		rl.Middleware,
	}, rl
}
