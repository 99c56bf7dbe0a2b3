package middleware

import (
	"context"
	"time"

	"chan-rpc/message"

	"go.uber.org/zap"
)

// RetryMiddleware reruns a call whose handler failed with Unavailable, backing
// off exponentially from baseDelay. Other failures return immediately, and no
// attempt starts once ctx is done.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) ([]any, error) {
			results, err := next(ctx, call)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !retryable(err) || ctx.Err() != nil {
					return results, err
				}
				logger.Debug("retrying request",
					zap.Int("attempt", i+1),
					zap.String("method", call.MethodName),
					zap.Error(err))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, err
				case <-timer.C:
				}
				if ctx.Err() != nil {
					return nil, err
				}
				results, err = next(ctx, call)
			}
			return results, err
		}
	}
}

func retryable(err error) bool {
	return message.CodeOf(err) == message.Unavailable
}
