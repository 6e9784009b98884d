// Package metrics exports Prometheus collectors for sessions and the HTTP
// layer. Metrics doubles as a session.Observer.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Mokpell/internal/session"
)

const namespace = "mokpell"

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	reg *prometheus.Registry

	generatedTokens prometheus.Counter
	promptTokens    prometheus.Counter
	generations     *prometheus.CounterVec
	failures        prometheus.Counter
	prefill         prometheus.Histogram
	generating      prometheus.Gauge
	benchRuns       prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInflight *prometheus.GaugeVec

	mu     sync.Mutex
	active map[string]bool
}

// New builds and registers all collectors. Process and Go runtime collectors
// are included.
func New() *Metrics {
	m := &Metrics{
		reg:    prometheus.NewRegistry(),
		active: make(map[string]bool),
		generatedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "generated_tokens_total",
			Help: "Tokens accepted during generation",
		}),
		promptTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "prompt_tokens_total",
			Help: "Prompt tokens prefilled",
		}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "generations_total",
			Help: "Finished generations by stop reason",
		}, []string{"reason"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "failures_total",
			Help: "Sessions moved to the failed state",
		}),
		prefill: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "session", Name: "prefill_seconds",
			Help:    "Prompt prefill latency",
			Buckets: prometheus.DefBuckets,
		}),
		generating: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "generating",
			Help: "Sessions currently generating",
		}),
		benchRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bench", Name: "runs_total",
			Help: "Completed benchmark runs",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"path", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
		httpInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "inflight_requests",
			Help: "In-flight HTTP requests",
		}, []string{"method"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.generatedTokens, m.promptTokens, m.generations, m.failures,
		m.prefill, m.generating, m.benchRuns,
		m.httpRequests, m.httpDuration, m.httpInflight,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe implements session.Observer.
func (m *Metrics) Observe(e session.Event) {
	switch e.Kind {
	case session.EventPrefill:
		m.promptTokens.Add(float64(e.Tokens))
		m.prefill.Observe(e.Duration.Seconds())
		m.setGenerating(e.SessionID, true)
	case session.EventToken:
		m.generatedTokens.Inc()
	case session.EventDone, session.EventCancelled:
		m.generations.WithLabelValues(string(e.Reason)).Inc()
		m.setGenerating(e.SessionID, false)
	case session.EventFailed:
		m.failures.Inc()
		m.setGenerating(e.SessionID, false)
	case session.EventReleased:
		m.setGenerating(e.SessionID, false)
	case session.EventBench:
		m.benchRuns.Inc()
	}
}

func (m *Metrics) setGenerating(id string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case on && !m.active[id]:
		m.active[id] = true
		m.generating.Inc()
	case !on && m.active[id]:
		delete(m.active, id)
		m.generating.Dec()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working behind the middleware.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware instruments requests. Paths use the chi route pattern when one
// matched to keep label cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		inflight := m.httpInflight.WithLabelValues(r.Method)
		inflight.Inc()
		next.ServeHTTP(sr, r)
		inflight.Dec()

		path := routePatternOrPath(r)
		status := strconv.Itoa(sr.status)
		m.httpRequests.WithLabelValues(path, r.Method, status).Inc()
		m.httpDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
	})
}

func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
