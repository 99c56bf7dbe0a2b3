package middleware

import (
	"context"

	"chan-rpc/message"
)

// Call is one validated incoming request on its way to the dispatch registry.
type Call struct {
	MethodName string
	Args       []any
	Envelope   *message.Envelope
}

// HandlerFunc produces the resolve values of a call, or the error it is rejected with.
type HandlerFunc func(ctx context.Context, call *Call) ([]any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
