package httpapi

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the HTTP surface.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// MetricSources exposes counters owned by other components so the
// registry can scrape them without the components importing Prometheus.
// Nil funcs are skipped.
type MetricSources struct {
	// PolicyCounts returns the evaluator's allow/deny/fault totals.
	PolicyCounts func() (allowed, denied, faulted uint64)
	// AuditDropped returns records dropped by the audit recorder.
	AuditDropped func() int64
	// AdapterPool returns the number of running stdio adapters.
	AdapterPool func() int
	// RateLimitKeys returns active rate-limit bucket count.
	RateLimitKeys func() int
}

// NewMetrics creates and registers all instruments with the given
// registry.
func NewMetrics(reg prometheus.Registerer, src MetricSources) *Metrics {
	m := &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wardengate",
				Name:      "requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "wardengate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}

	if src.PolicyCounts != nil {
		for _, result := range []string{"allowed", "denied", "faulted"} {
			promauto.With(reg).NewCounterFunc(
				prometheus.CounterOpts{
					Namespace:   "wardengate",
					Name:        "policy_decisions_total",
					Help:        "Total policy evaluations by result",
					ConstLabels: prometheus.Labels{"result": result},
				},
				func() float64 {
					allowed, denied, faulted := src.PolicyCounts()
					switch result {
					case "allowed":
						return float64(allowed)
					case "denied":
						return float64(denied)
					default:
						return float64(faulted)
					}
				},
			)
		}
	}
	if src.AuditDropped != nil {
		promauto.With(reg).NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "wardengate",
				Name:      "audit_drops_total",
				Help:      "Audit records dropped under backpressure",
			},
			func() float64 { return float64(src.AuditDropped()) },
		)
	}
	if src.AdapterPool != nil {
		promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "wardengate",
				Name:      "adapter_pool_size",
				Help:      "Running stdio adapter children",
			},
			func() float64 { return float64(src.AdapterPool()) },
		)
	}
	if src.RateLimitKeys != nil {
		promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "wardengate",
				Name:      "rate_limit_keys",
				Help:      "Active rate limit buckets",
			},
			func() float64 { return float64(src.RateLimitKeys()) },
		)
	}
	return m
}

// MetricsMiddleware records request duration and status for every route
// except the scrape and liveness endpoints.
func MetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
			metrics.RequestsTotal.WithLabelValues(r.Method, statusToLabel(wrapped.status)).Inc()
		})
	}
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush delegates so SSE streams keep working through the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func statusToLabel(code int) string {
	if code >= 200 && code < 400 {
		return "ok"
	}
	return "error"
}
