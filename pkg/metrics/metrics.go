// Package metrics holds the Prometheus collectors for query analysis and the HTTP API.
// Collectors are registered on a caller-provided registerer; there are no package
// globals. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	BuildInfo *prometheus.GaugeVec

	QueriesTotal     *prometheus.CounterVec
	QueryDuration    *prometheus.HistogramVec
	Classifications  *prometheus.CounterVec
	AttemptsTotal    *prometheus.CounterVec
	AttemptDuration  *prometheus.HistogramVec
	EscalationsTotal *prometheus.CounterVec

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

// New creates the collectors registered with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BuildInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tableqa_build_info",
				Help: "Build information of tableqa",
			},
			[]string{"version", "commit", "date"},
		),

		QueriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tableqa_queries_total",
				Help: "Total number of analyzed queries by outcome and final tier",
			},
			[]string{"status", "tier"},
		),
		QueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tableqa_query_duration_seconds",
				Help:    "End-to-end duration of query analysis in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		Classifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tableqa_classifications_total",
				Help: "Total number of classified queries by tier",
			},
			[]string{"tier", "ambiguous"},
		),
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tableqa_attempts_total",
				Help: "Total number of execution attempts by tier and outcome",
			},
			[]string{"tier", "outcome"},
		),
		AttemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tableqa_attempt_duration_seconds",
				Help:    "Duration of execution attempts in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tier"},
		),
		EscalationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tableqa_escalations_total",
				Help: "Total number of retries and tier escalations",
			},
			[]string{"from", "to"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tableqa_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tableqa_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tableqa_http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),
	}
}

func (m *Metrics) ObserveClassification(tier string, ambiguous bool) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(tier, strconv.FormatBool(ambiguous)).Inc()
}

// ObserveAttempt records one attempt. outcome is "ok" or a failure kind.
func (m *Metrics) ObserveAttempt(tier, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(tier, outcome).Inc()
	m.AttemptDuration.WithLabelValues(tier).Observe(d.Seconds())
}

func (m *Metrics) ObserveEscalation(from, to string) {
	if m == nil {
		return
	}
	m.EscalationsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveQuery(status, tier string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(status, tier).Inc()
	m.QueryDuration.WithLabelValues(status).Observe(d.Seconds())
}

// Middleware returns a chi middleware that records HTTP metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		status := strconv.Itoa(ww.Status())
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
