package middleware

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"procfab/wire"
)

func echoHandler(ctx context.Context, req *wire.Request) *wire.Reply {
	return &wire.Reply{TaskID: req.TaskID, Result: []byte("ok")}
}

func slowHandler(ctx context.Context, req *wire.Request) *wire.Reply {
	time.Sleep(200 * time.Millisecond)
	return &wire.Reply{TaskID: req.TaskID, Result: []byte("ok")}
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(zap.NewNop())(echoHandler)

	req := &wire.Request{TaskID: 1, Op: wire.OpBlock}
	resp := handler(context.Background(), req)

	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if string(resp.Result) != "ok" {
		t.Fatalf("expect result 'ok', got '%s'", resp.Result)
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeoutMiddleware(500 * time.Millisecond)(echoHandler)

	req := &wire.Request{TaskID: 1, Op: wire.OpBlock}
	resp := handler(context.Background(), req)

	if resp.Failed {
		t.Fatalf("expect no error, got '%s'", resp.Error)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeoutMiddleware(50 * time.Millisecond)(slowHandler)

	req := &wire.Request{TaskID: 1, Op: wire.OpBlock}
	resp := handler(context.Background(), req)

	if !resp.Failed || resp.Error != "request timed out" {
		t.Fatalf("expect timeout error, got '%s'", resp.Error)
	}
}

func TestRateLimit(t *testing.T) {
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	req := &wire.Request{TaskID: 1, Op: wire.OpBlock}

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), req)
		if resp.Failed {
			t.Fatalf("request %d should pass, got error: %s", i, resp.Error)
		}
	}

	resp := handler(context.Background(), req)
	if !resp.Failed || resp.Error != "rate limit exceeded" {
		t.Fatalf("request 3 should be rate limited, got: '%s'", resp.Error)
	}
}

func TestRetrySucceedsAfterTransientError(t *testing.T) {
	attempts := 0
	flaky := func(ctx context.Context, req *wire.Request) *wire.Reply {
		attempts++
		if attempts < 2 {
			return &wire.Reply{TaskID: req.TaskID, Failed: true, Error: "connection refused"}
		}
		return &wire.Reply{TaskID: req.TaskID, Result: []byte("ok")}
	}
	handler := RetryMiddleware(zap.NewNop(), 3, time.Millisecond)(flaky)

	resp := handler(context.Background(), &wire.Request{TaskID: 1, Op: wire.OpBlock})
	if resp.Failed {
		t.Fatalf("expected eventual success, got %s", resp.Error)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryDoesNotRetryPermanentError(t *testing.T) {
	attempts := 0
	alwaysBad := func(ctx context.Context, req *wire.Request) *wire.Reply {
		attempts++
		return &wire.Reply{TaskID: req.TaskID, Failed: true, Error: "bad address"}
	}
	handler := RetryMiddleware(zap.NewNop(), 3, time.Millisecond)(alwaysBad)

	resp := handler(context.Background(), &wire.Request{TaskID: 1, Op: wire.OpBlock})
	if !resp.Failed {
		t.Fatal("expected failure")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-transient error, got %d", attempts)
	}
}

func TestChain(t *testing.T) {
	chained := Chain(LoggingMiddleware(zap.NewNop()), TimeoutMiddleware(500*time.Millisecond))
	handler := chained(echoHandler)

	req := &wire.Request{TaskID: 1, Op: wire.OpBlock}
	resp := handler(context.Background(), req)

	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if resp.Failed {
		t.Fatalf("expect no error, got '%s'", resp.Error)
	}
}
