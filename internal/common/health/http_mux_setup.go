package health

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupHttpMux serves health checks on /health and the gatherer's metrics on /metrics.
func SetupHttpMux(mux *http.ServeMux, checker Checker, gatherer prometheus.Gatherer) {
	mux.Handle("/health", NewHealthCheckHttpHandler(checker))
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
