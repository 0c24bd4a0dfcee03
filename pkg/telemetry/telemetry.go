// Package telemetry exposes prometheus counters for the fold and sync
// pipelines. Counters are registered on the default registry; the app wires
// an optional /metrics listener.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"threadline/pkg/logger"
)

var (
	EventsFolded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threadline_events_folded_total",
		Help: "Events accepted into the log, by origin.",
	}, []string{"origin"})

	EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threadline_events_duplicate_total",
		Help: "Events dropped as already-folded duplicates.",
	})

	EventsMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threadline_events_malformed_total",
		Help: "Events rejected at the ingestion boundary.",
	})

	Anomalies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threadline_unresolved_reference_total",
		Help: "Buffered events dropped after the resolution bound.",
	})

	SyncPages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threadline_sync_pages_total",
		Help: "Archive pages fetched and merged.",
	})

	SyncFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threadline_sync_failures_total",
		Help: "Catch-up runs that exhausted their retries.",
	})

	Rebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threadline_cache_rebuilds_total",
		Help: "Conversations rebuilt from the raw event log.",
	})
)

// Serve starts a blocking /metrics listener on addr.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics_listening", "addr", addr)
	return http.ListenAndServe(addr, mux)
}
