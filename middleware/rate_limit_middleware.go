package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"procfab/wire"
)

// RateLimitMiddleware bounds the rate of BLOCK/THREAD dispatch across an
// entire server (the limiter is created once, in the outer closure, and
// shared by every request through every connection) using a token-bucket
// limiter: tokens refill at r per second up to burst, and a request with no
// token available is rejected immediately rather than queued.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *wire.Request) *wire.Reply {
			if !limiter.Allow() {
				return &wire.Reply{TaskID: req.TaskID, Failed: true, Error: "rate limit exceeded"}
			}
			return next(ctx, req)
		}
	}
}
