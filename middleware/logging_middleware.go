package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) ([]any, error) {
			start := time.Now()
			results, err := next(ctx, call)
			fields := []zap.Field{
				zap.String("method", call.MethodName),
				zap.Duration("duration", time.Since(start)),
			}
			if call.Envelope != nil {
				fields = append(fields, zap.String("sender", call.Envelope.SenderID), zap.String("requestId", call.Envelope.RequestID))
			}
			if err != nil {
				logger.Info("request failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("request handled", fields...)
			}
			return results, err
		}
	}
}
