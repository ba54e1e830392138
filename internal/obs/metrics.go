package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docgate_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

// Access flow metrics
var (
	grantTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docgate_grant_transitions_total",
			Help: "Grant status transitions by target status.",
		},
		[]string{"status"},
	)

	otpEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docgate_otp_events_total",
			Help: "OTP issuance and verification outcomes.",
		},
		[]string{"result"},
	)

	downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docgate_downloads_total",
			Help: "Document downloads by outcome.",
		},
		[]string{"result"},
	)

	downloadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docgate_download_bytes_total",
		Help: "Bytes served to verified download sessions.",
	})

	auditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docgate_audit_write_failures_total",
		Help: "Audit entries that could not be persisted.",
	})
)

var initOnce sync.Once

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			grantTransitions, otpEvents, downloadsTotal, downloadBytes, auditWriteFailures,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

func GrantTransition(status string) { grantTransitions.WithLabelValues(status).Inc() }

func OTPEvent(result string) { otpEvents.WithLabelValues(result).Inc() }

func Download(result string, bytes int64) {
	downloadsTotal.WithLabelValues(result).Inc()
	if bytes > 0 {
		downloadBytes.Add(float64(bytes))
	}
}

func AuditWriteFailed() { auditWriteFailures.Inc() }

// routeTemplates keeps identifier segments out of metric labels.
var routeTemplates = [][]string{
	{"v1", "documents", ":id"},
	{"v1", "documents", ":id", "access-requests"},
	{"v1", "documents", ":id", "grants"},
	{"v1", "documents", ":id", "visibility"},
	{"v1", "documents", ":id", "revoke-all"},
	{"v1", "documents", ":id", "audit"},
	{"v1", "documents", ":id", "events"},
	{"v1", "grants", ":id", "approve"},
	{"v1", "grants", ":id", "deny"},
	{"v1", "grants", ":id", "revoke"},
	{"v1", "access-requests", ":id", "status"},
}

// CanonicalPath maps a request path to a low-cardinality label.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for _, tpl := range routeTemplates {
		if matchTemplate(tpl, parts) {
			return "/" + strings.Join(tpl, "/")
		}
	}
	return "/" + trimmed
}

func matchTemplate(tpl, parts []string) bool {
	if len(tpl) != len(parts) {
		return false
	}
	for i, seg := range tpl {
		if seg == ":id" {
			if parts[i] == "" {
				return false
			}
			continue
		}
		if seg != parts[i] {
			return false
		}
	}
	return true
}

// statusWriter keeps the response code for labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers stream through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
