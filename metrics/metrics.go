// Package metrics exposes Prometheus counters and gauges for a running
// slave process: task throughput, worker concurrency, and handle registry
// size, in the style of the teacher's promauto-based metrics package.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds one process's metric set, registered against its own
// registry (rather than the global default) so that multiple Servers can
// coexist in the same test binary without duplicate-registration panics.
type Server struct {
	registry *prometheus.Registry
	httpSrv  *http.Server

	TasksReceived  prometheus.CounterVec
	TasksFailed    prometheus.CounterVec
	TaskDuration   prometheus.Histogram
	ActiveWorkers  prometheus.Gauge
	RegistrySize   prometheus.Gauge
	ConnectedPeers prometheus.Gauge
}

// New creates a metrics server bound to its own registry.
func New() *Server {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Server{
		registry: reg,
		TasksReceived: *factory.NewCounterVec(prometheus.CounterOpts{
			Name: "procfab_tasks_received_total",
			Help: "Total requests received, labeled by opcode.",
		}, []string{"op"}),
		TasksFailed: *factory.NewCounterVec(prometheus.CounterOpts{
			Name: "procfab_tasks_failed_total",
			Help: "Total requests that completed with Failed=true, labeled by opcode.",
		}, []string{"op"}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "procfab_task_duration_seconds",
			Help: "Time from request decode to reply encode.",
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "procfab_active_workers",
			Help: "Number of in-flight THREAD goroutines.",
		}),
		RegistrySize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "procfab_registry_size",
			Help: "Number of wrapped values currently held in the handle registry.",
		}),
		ConnectedPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "procfab_connected_peers",
			Help: "Number of currently connected client sessions.",
		}),
	}
	return m
}

// Serve starts an HTTP server exposing /metrics on address. It runs until
// ctx is cancelled.
func (m *Server) Serve(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.httpSrv = &http.Server{Addr: address, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- m.httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return m.httpSrv.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
