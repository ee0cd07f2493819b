// Package telemetry exposes Prometheus counters and gauges for the job
// scheduler, message endpoint, and service registry, following the
// promauto registration style used across the retrieval pack's networked
// services.
package telemetry

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hive_jobsystem_cycles_total",
		Help: "counter of scheduler cycles completed",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hive_jobsystem_queue_depth",
		Help: "number of jobs currently queued, by phase",
	}, []string{"phase"})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hive_network_connections_active",
		Help: "number of currently established connections",
	})

	MessagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_network_messages_received_total",
		Help: "counter of messages received, by type",
	}, []string{"type"})

	ServiceCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_services_calls_total",
		Help: "counter of service calls, by service name and outcome status",
	}, []string{"service", "status"})
)

// Server serves the Prometheus scrape endpoint on addr. It is a no-op
// outside of Start being called, matching telemetry.metrics-addr
// defaulting to off.
type Server struct {
	http *http.Server
}

// Start begins serving /metrics on addr in the background. An empty addr
// means telemetry is disabled: Start then starts nothing and returns a
// Server whose Stop does nothing.
func Start(addr string) (*Server, error) {
	if addr == "" {
		return &Server{}, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go srv.Serve(ln)

	return &Server{http: srv}, nil
}

// Stop shuts the metrics server down, if one was started.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
