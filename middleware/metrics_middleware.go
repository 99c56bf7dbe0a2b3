package middleware

import (
	"context"
	"time"

	"chan-rpc/metrics"
)

// MetricsMiddleware counts received calls and times their handlers.
func MetricsMiddleware(c *metrics.Collector) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) ([]any, error) {
			c.RequestReceived(call.MethodName)
			start := time.Now()
			results, err := next(ctx, call)
			c.ObserveDispatch(call.MethodName, time.Since(start), err)
			return results, err
		}
	}
}
