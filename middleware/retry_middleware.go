package middleware

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"procfab/wire"
)

// RetryMiddleware retries a failed env.Environment dispatch whose error
// text looks transient (a timeout or connection-refused from a handler that
// reaches out to a flaky resource), with exponential backoff. Non-transient
// errors (bad arguments, dangling references) return immediately.
func RetryMiddleware(logger *zap.Logger, maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *wire.Request) *wire.Reply {
			reply := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if !reply.Failed {
					return reply
				}
				if !isTransient(reply.Error) {
					return reply
				}
				logger.Info("retrying request",
					zap.Uint64("task_id", req.TaskID),
					zap.Int("attempt", i+1),
					zap.String("error", reply.Error))
				time.Sleep(baseDelay * time.Duration(1<<i))
				reply = next(ctx, req)
			}
			return reply
		}
	}
}

func isTransient(msg string) bool {
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection refused")
}
