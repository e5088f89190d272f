// Package middleware implements the onion-model middleware chain wrapping
// the server's business-logic step: logging, timeouts, rate limiting, and
// retries around handle/env dispatch, without touching the handler itself.
//
// Onion model execution order:
//
//	Chain(A, B, C)(handler)  →  A(B(C(handler)))
//
//	Request:   A.before → B.before → C.before → handler
//	Response:  handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"procfab/wire"
)

// HandlerFunc is the business-logic step a middleware chain wraps: given a
// decoded request, produce the reply to send back.
type HandlerFunc func(ctx context.Context, req *wire.Request) *wire.Reply

// Middleware takes a handler and returns a new handler that wraps it.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, with the first argument as the
// outermost layer.
//
//	chain := Chain(Logging, Timeout, RateLimit)
//	handler := chain(businessHandler)
//	// Execution: Logging → Timeout → RateLimit → businessHandler → RateLimit → Timeout → Logging
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
