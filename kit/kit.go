// CLAUDE:SUMMARY Endpoint/middleware plumbing for thumbcache tool surfaces: request ids, call logging, MCP registration.
// Package kit wraps service operations as transport-agnostic endpoints and
// exposes them as MCP tools.
package kit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Endpoint is one service operation.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares; the first one is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// WithRequestID assigns a request id unless ctx already carries one.
func WithRequestID() Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			if GetRequestID(ctx) == "" {
				ctx = SetRequestID(ctx, uuid.NewString())
			}
			return next(ctx, req)
		}
	}
}

// Logging logs each call at Debug and failures at Warn.
func Logging(logger *slog.Logger, name string) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{"op", name, "request_id", GetRequestID(ctx),
				"transport", GetTransport(ctx), "duration_ms", time.Since(start).Milliseconds()}
			if err != nil {
				logger.Warn("kit: call failed", append(attrs, "error", err)...)
			} else {
				logger.Debug("kit: call", attrs...)
			}
			return resp, err
		}
	}
}
