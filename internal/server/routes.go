package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes configures the status surface. The product API is intentionally
// absent; everything here is operational.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Liveness and build identification
	mux.HandleFunc("/healthz", s.app.StatusHandler.HealthzHandler)
	mux.HandleFunc("/version", s.app.StatusHandler.VersionHandler)

	// Prometheus scrape endpoint backed by the application registry
	mux.Handle("/metrics", promhttp.HandlerFor(s.app.Metrics.Registry, promhttp.HandlerOpts{}))

	// WebSocket event stream (job progress, queue depth, cache stats)
	mux.HandleFunc("/ws/events", s.app.WSHandler.HandleWebSocket)

	// JSON 404 for everything else
	mux.HandleFunc("/", s.app.StatusHandler.NotFoundHandler)

	return mux
}
