package metrics

import (
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ListenAndServeMetrics exposes the engine's Prometheus collectors on
// METRICS_PORT (default 2112).
func ListenAndServeMetrics() error {
	http.Handle("/metrics", promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{},
	))

	http.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Ok"))
	}))

	port := os.Getenv("METRICS_PORT")
	if port == "" {
		port = "2112"
	}
	return http.ListenAndServe(":"+port, nil)
}
