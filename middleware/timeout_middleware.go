package middleware

import (
	"context"
	"time"

	"procfab/wire"
)

// TimeoutMiddleware bounds a single BLOCK/THREAD execution: if the handler
// hasn't produced a reply within timeout, the caller gives up and a timeout
// reply is returned. The handler goroutine is not cancelled and keeps
// running in the background — true cancellation would require the handler
// (an arbitrary env-registered function) to observe ctx itself.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *wire.Request) *wire.Reply {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *wire.Reply, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return &wire.Reply{TaskID: req.TaskID, Failed: true, Error: "request timed out"}
			}
		}
	}
}
