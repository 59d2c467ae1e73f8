package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, call *Call) error {
			start := time.Now()
			err := next(ctx, call)
			log.Debug("rpc send",
				zap.String("method", call.Method),
				zap.Int("args", len(call.Args)),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
			return err
		}
	}
}
