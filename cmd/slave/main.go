// Command slave runs a procfab slave process: it listens for client
// connections, exposes a small demo environment for BLOCK/THREAD/WRAP
// dispatch, and enforces the persistent/attached lifecycle of spec.md §4.4.
// Embedding procfab as a library (constructing env.Environment and
// server.Server directly) is how a real deployment registers its own
// functions in place of the demo bindings here.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"procfab/env"
	"procfab/metrics"
	"procfab/middleware"
	"procfab/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "slave:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := parseFlags()
	if err != nil {
		return err
	}

	logger, err := setupLogger(cfg.logFormat, cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	trySetsid(logger)

	e := buildEnvironment()

	var m *metrics.Server
	if cfg.metricsAddr != "" {
		m = metrics.New()
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithPersistent(cfg.effectivePersistent()),
		server.WithAttached(cfg.effectiveAttached()),
	}
	if m != nil {
		opts = append(opts, server.WithMetrics(m))
	}

	var mws []middleware.Middleware
	mws = append(mws, middleware.LoggingMiddleware(logger))
	if cfg.rateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.rateLimit, cfg.rateBurst))
	}
	opts = append(opts, server.WithMiddleware(mws...))

	srv := server.New(e, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if m != nil {
		go func() {
			if err := m.Serve(ctx, cfg.metricsAddr); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(cfg.network, cfg.addr) }()

	logger.Info("slave listening",
		zap.String("network", cfg.network),
		zap.String("addr", cfg.addr),
		zap.Bool("persistent", cfg.effectivePersistent()),
		zap.Bool("attached", cfg.effectiveAttached()),
	)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
		return srv.Shutdown()
	case err := <-serveErr:
		return err
	}
}

// buildEnvironment populates the demo __main__ surrogate every accepted
// connection dispatches BLOCK/THREAD/WRAP payloads against.
func buildEnvironment() *env.Environment {
	e := env.New()
	e.Set("echo", func(v any) any { return v })
	e.Set("now", func() string { return time.Now().UTC().Format(time.RFC3339Nano) })
	e.Set("sleep", func(seconds float64) error {
		time.Sleep(time.Duration(seconds * float64(time.Second)))
		return nil
	})
	return e
}
