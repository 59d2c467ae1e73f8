// Package middleware wraps the client's outbound send path. Each middleware
// sees the call before it reaches the connection and may short-circuit it.
package middleware

import (
	"context"

	"nvim-rpc/pending"
)

// Call is one outbound request as the middleware chain sees it. Handler is
// nil for fire-and-forget sends.
type Call struct {
	Method  string
	Args    []interface{}
	Handler pending.Handler
}

type SendFunc func(ctx context.Context, call *Call) error

type Middleware func(next SendFunc) SendFunc

// Chain combines multiple middlewares into one, outermost first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next SendFunc) SendFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
