// Package server exposes liveness, readiness and metrics endpoints for the
// ingestion pipeline.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/component-base/metrics/legacyregistry"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

const shutdownTimeout = 5 * time.Second

// Checks groups the named checkers served on /healthz and /readyz. "ping"
// is always added to both.
type Checks struct {
	Liveness  map[string]healthz.Checker
	Readiness map[string]healthz.Checker
}

// ProbeServer serves /healthz, /readyz and /metrics.
type ProbeServer struct {
	addr   string
	server *http.Server
}

// NewProbeServer creates a probe server bound to addr.
func NewProbeServer(addr string, checks Checks) *ProbeServer {
	return &ProbeServer{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           Handler(checks),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler builds the probe mux. Metrics are gathered from both the
// controller-runtime registry and the component-base legacy registry.
func Handler(checks Checks) http.Handler {
	mux := http.NewServeMux()

	// Liveness probe - the process and pipeline are alive
	handleProbe(mux, "/healthz", checks.Liveness)

	// Readiness probe - dependencies are reachable and every namespace synced
	handleProbe(mux, "/readyz", checks.Readiness)

	// Metrics endpoint for Prometheus scraping
	gatherers := prometheus.Gatherers{ctrlmetrics.Registry, legacyregistry.DefaultGatherer}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))

	return mux
}

// handleProbe serves the aggregate result on path and each check on
// path/<name>.
func handleProbe(mux *http.ServeMux, path string, checks map[string]healthz.Checker) {
	h := http.StripPrefix(path, &healthz.Handler{Checks: withPing(checks)})
	mux.Handle(path, h)
	mux.Handle(path+"/", h)
}

func withPing(checks map[string]healthz.Checker) map[string]healthz.Checker {
	out := make(map[string]healthz.Checker, len(checks)+1)
	out["ping"] = healthz.Ping
	for name, check := range checks {
		out[name] = check
	}
	return out
}

// Run serves until ctx is cancelled, then shuts the server down gracefully.
func (s *ProbeServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		klog.InfoS("Starting health probe server", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "Failed to shutdown health server")
		return err
	}
	return nil
}
