// Package metrics provides Prometheus instrumentation for the batch engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// IntentionsTotal counts intentions created, partitioned by side.
	IntentionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchengine_intentions_total",
		Help: "Total number of order intentions created",
	}, []string{"side"})

	// IntentionsRejected counts intention submissions rejected before
	// any side effect, partitioned by reason.
	IntentionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchengine_intentions_rejected_total",
		Help: "Order intentions rejected at submission",
	}, []string{"reason"})

	// BatchesTotal counts batch runs by terminal status.
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchengine_batches_total",
		Help: "Total batch executions by outcome",
	}, []string{"status"})

	// BatchDuration tracks end-to-end batch pipeline duration.
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batchengine_batch_duration_seconds",
		Help:    "Batch aggregate+execute+allocate duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// AggregatedOrdersTotal counts broker orders placed, by side and outcome.
	AggregatedOrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchengine_aggregated_orders_total",
		Help: "Aggregated orders submitted to the broker",
	}, []string{"side", "status"})

	// AllocatedShares counts shares distributed back to intentions.
	AllocatedShares = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchengine_allocated_shares_total",
		Help: "Shares allocated pro-rata to intentions",
	}, []string{"side"})

	// FrozenAccounts tracks accounts frozen pending manual review.
	FrozenAccounts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batchengine_frozen_accounts",
		Help: "Number of accounts currently frozen",
	})

	// UnappliedAllocations tracks allocations awaiting reconciliation.
	UnappliedAllocations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batchengine_unapplied_allocations",
		Help: "Fill allocations not yet applied to cash and holdings",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batchengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batchengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
