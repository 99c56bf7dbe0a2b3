package middleware

import (
	"context"

	"chan-rpc/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware admits calls through a token bucket of r tokens per second.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) ([]any, error) {
			if !limiter.Allow() {
				return nil, &message.RPCError{
					Code:       message.RateLimited,
					Message:    "rate limit exceeded",
					MethodName: call.MethodName,
				}
			}
			return next(ctx, call)
		}
	}
}
