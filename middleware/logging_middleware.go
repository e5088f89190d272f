package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"procfab/wire"
)

// LoggingMiddleware records the opcode, task id, duration, and any error for
// each request, via structured zap fields rather than a formatted string.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *wire.Request) *wire.Reply {
			start := time.Now()
			reply := next(ctx, req)
			duration := time.Since(start)

			fields := []zap.Field{
				zap.Uint64("task_id", req.TaskID),
				zap.Stringer("op", req.Op),
				zap.Duration("duration", duration),
			}
			if reply != nil && reply.Failed {
				logger.Warn("request failed", append(fields, zap.String("error", reply.Error))...)
				return reply
			}
			logger.Debug("request completed", fields...)
			return reply
		}
	}
}
