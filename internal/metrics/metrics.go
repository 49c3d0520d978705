// Package metrics exposes process-level Prometheus collectors and the HTTP
// middleware for the ops server. Event-driven run metrics live in the
// Prometheus progress sink; this package covers everything observable
// outside a shutdown run.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	signalsReceivedTotal       *prometheus.CounterVec
	criticalOperationsActive   prometheus.Gauge
	registeredResources        prometheus.Gauge
	checkpointFilesOnDisk      prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		signalsReceivedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lifecycle_signals_received_total",
				Help: "Total termination signals received, labeled by signal name.",
			},
			[]string{"signal"},
		)

		criticalOperationsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lifecycle_critical_operations_active",
				Help: "Number of critical operations currently in flight.",
			},
		)

		registeredResources = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lifecycle_registered_resources",
				Help: "Number of cleanup tasks currently registered.",
			},
		)

		checkpointFilesOnDisk = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lifecycle_checkpoint_files",
				Help: "Number of checkpoint files currently on disk.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
// All record helpers are no-ops until Init has run.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSignal increments the received-signal counter.
func ObserveSignal(signal string) {
	if signalsReceivedTotal == nil {
		return
	}
	signalsReceivedTotal.WithLabelValues(signal).Inc()
}

// SetCriticalOperations records the current critical operation count.
func SetCriticalOperations(n int) {
	if criticalOperationsActive == nil {
		return
	}
	criticalOperationsActive.Set(float64(n))
}

// SetRegisteredResources records the current registry size.
func SetRegisteredResources(n int) {
	if registeredResources == nil {
		return
	}
	registeredResources.Set(float64(n))
}

// SetCheckpointFiles records the number of checkpoint files on disk.
func SetCheckpointFiles(n int) {
	if checkpointFilesOnDisk == nil {
		return
	}
	checkpointFilesOnDisk.Set(float64(n))
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}

		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
