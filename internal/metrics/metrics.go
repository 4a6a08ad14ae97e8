package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "festa",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "festa",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "festa",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	purchaseSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "festa",
			Subsystem: "purchases",
			Name:      "steps_total",
			Help:      "Purchase lifecycle steps attempted, by step and result.",
		},
		[]string{"step", "result"},
	)

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "festa",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Purchase events published to the broker.",
		},
		[]string{"result"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "festa",
			Subsystem: "worker",
			Name:      "notifications_total",
			Help:      "Notifications sent by the worker.",
		},
		[]string{"kind"},
	)

	ledgerSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "festa",
			Subsystem: "worker",
			Name:      "ledger_sync_total",
			Help:      "Ledger sheet writes of completed purchases.",
		},
		[]string{"success"},
	)

	ledgerSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "festa",
			Subsystem: "worker",
			Name:      "ledger_sync_duration_seconds",
			Help:      "Duration of ledger sheet writes.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 8),
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		purchaseSteps,
		eventsPublished,
		notifications,
		ledgerSyncs,
		ledgerSyncDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordStep counts an attempt to record a purchase step. result is one of
// "ok", "rejected" or "error".
func RecordStep(step, result string) {
	purchaseSteps.WithLabelValues(step, result).Inc()
}

func RecordPublish(err error) {
	if err != nil {
		eventsPublished.WithLabelValues("error").Inc()
		return
	}
	eventsPublished.WithLabelValues("ok").Inc()
}

func RecordNotification(kind string) {
	notifications.WithLabelValues(kind).Inc()
}

func RecordLedgerSync(duration time.Duration, success bool) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	ledgerSyncs.WithLabelValues(strconv.FormatBool(success)).Inc()
	ledgerSyncDuration.Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Flush lets streaming handlers keep working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// canonicalPath collapses identifiers so label cardinality stays bounded:
// /purchases/abc/steps/usageReport becomes /purchases/:id/steps/usageReport.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "wallets", "parts", "purchases":
	default:
		return "/" + parts[0]
	}
	if len(parts) > 1 {
		parts[1] = ":id"
	}
	if len(parts) > 4 {
		parts = parts[:4]
	}
	return "/" + strings.Join(parts, "/")
}
