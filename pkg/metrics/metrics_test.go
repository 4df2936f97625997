package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTableQA_Metrics_Pipeline(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveClassification("SIMPLE", false)
	m.ObserveAttempt("SIMPLE", "operation_parameter_invalid", 2*time.Millisecond)
	m.ObserveEscalation("SIMPLE", "MEDIUM")
	m.ObserveAttempt("MEDIUM", "ok", 40*time.Millisecond)
	m.ObserveQuery("ok", "MEDIUM", 50*time.Millisecond)

	require.Equal(t, 1.0, testutil.ToFloat64(m.Classifications.WithLabelValues("SIMPLE", "false")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("MEDIUM", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.EscalationsTotal.WithLabelValues("SIMPLE", "MEDIUM")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("ok", "MEDIUM")))
	require.Equal(t, 2, testutil.CollectAndCount(m.AttemptDuration))
}

func TestTableQA_Metrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveClassification("SIMPLE", true)
		m.ObserveAttempt("SIMPLE", "ok", time.Second)
		m.ObserveEscalation("SIMPLE", "MEDIUM")
		m.ObserveQuery("error", "COMPLEX", time.Second)
	})

	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {})
	require.NotNil(t, m.Middleware(h))
}

func TestTableQA_Metrics_Middleware(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/datasets/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for range 2 {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/datasets/abc", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	require.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/datasets/{id}", "404")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.HTTPRequestsInFlight))
}
