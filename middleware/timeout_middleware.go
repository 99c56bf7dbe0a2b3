package middleware

import (
	"context"
	"time"

	"chan-rpc/message"
)

// TimeOutMiddleware rejects a call with HandlerTimeout when the handler runs
// longer than timeout. The handler keeps its cancelled context.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) ([]any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				values []any
				err    error
			}
			done := make(chan result, 1)
			go func() {
				values, err := next(ctx, call)
				done <- result{values, err}
			}()

			select {
			case r := <-done:
				return r.values, r.err
			case <-ctx.Done():
				return nil, &message.RPCError{
					Code:       message.HandlerTimeout,
					Message:    "request timed out",
					MethodName: call.MethodName,
				}
			}
		}
	}
}
