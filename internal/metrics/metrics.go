// Package metrics provides Prometheus instrumentation for the options engine.
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
	// OptionsCreated counts options created, partitioned by side and curve.
	OptionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optbook_options_created_total",
		Help: "Total number of options created",
	}, []string{"side", "payoff"})

	// OptionsEntered counts entries by longs.
	OptionsEntered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optbook_options_entered_total",
		Help: "Total number of options entered by a long",
	})

	// Resolutions counts oracle price fixings.
	Resolutions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optbook_resolutions_total",
		Help: "Total number of oracle resolutions",
	})

	// Settlements counts terminal settlements by kind (exercised/reclaimed).
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optbook_settlements_total",
		Help: "Total number of terminal settlements",
	}, []string{"kind"})

	// ExercisedVolume accumulates the quote-side settlement volume.
	ExercisedVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optbook_exercised_volume_total",
		Help: "Cumulative quote-side exercised volume",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optbook_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optbook_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optbook_http_request_duration_seconds",
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
