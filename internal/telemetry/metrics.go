package telemetry

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/TimurManjosov/gopolicy/internal/engine"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	httpDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	evaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_evaluations_total",
			Help: "Rule evaluations by policy type and outcome",
		},
		[]string{"policy_type", "outcome"},
	)
	evalDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policy_evaluation_duration_seconds",
			Help:    "Rule evaluation duration in seconds, compile time included",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"policy_type"},
	)

	// ActiveRules is the number of active rules, refreshed on every rule change.
	ActiveRules = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "policy_active_rules",
		Help: "Number of active rules across all policy types",
	})
)

var initOnce sync.Once

// Init registers the package metrics and any extra collectors with the
// default registry. Only the first call registers the package metrics.
func Init(extra ...prometheus.Collector) {
	initOnce.Do(func() {
		prometheus.MustRegister(httpReqs, httpDur, evaluations, evalDur, ActiveRules)
	})
	prometheus.MustRegister(extra...)
}

// ObserveEvaluation records one evaluation. Its signature matches the
// executor's observer hook.
func ObserveEvaluation(policyType, outcome string, elapsed time.Duration) {
	evaluations.WithLabelValues(policyType, outcome).Inc()
	evalDur.WithLabelValues(policyType).Observe(elapsed.Seconds())
}

func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		// the pattern is only complete once routing has finished
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}

		httpReqs.WithLabelValues(route, r.Method, strconv.Itoa(ww.status)).Inc()
		httpDur.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// CacheCollector exports knowledge base cache counters at scrape time.
type CacheCollector struct {
	stats func() engine.CacheStats

	hits, misses, compiles, failures, evictions, entries *prometheus.Desc
}

// NewCacheCollector reads counters from stats on every scrape.
func NewCacheCollector(stats func() engine.CacheStats) *CacheCollector {
	return &CacheCollector{
		stats:     stats,
		hits:      prometheus.NewDesc("policy_kb_cache_hits_total", "Knowledge base cache hits", nil, nil),
		misses:    prometheus.NewDesc("policy_kb_cache_misses_total", "Knowledge base cache misses", nil, nil),
		compiles:  prometheus.NewDesc("policy_kb_compiles_total", "Successful rule compilations", nil, nil),
		failures:  prometheus.NewDesc("policy_kb_compile_failures_total", "Failed rule compilations", nil, nil),
		evictions: prometheus.NewDesc("policy_kb_cache_evictions_total", "Knowledge base cache evictions", nil, nil),
		entries:   prometheus.NewDesc("policy_kb_cache_entries", "Compiled rule versions currently cached", nil, nil),
	}
}

func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.compiles
	ch <- c.failures
	ch <- c.evictions
	ch <- c.entries
}

func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.compiles, prometheus.CounterValue, float64(s.Compiles))
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(s.Failures))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries))
}

// NewAuditCollector exports the audit pipeline counters.
func NewAuditCollector(stats func() (written, failed, dropped uint64)) prometheus.Collector {
	desc := prometheus.NewDesc("policy_audit_entries_total", "Audit entries by delivery state", []string{"state"}, nil)
	return &auditCollector{desc: desc, stats: stats}
}

type auditCollector struct {
	desc  *prometheus.Desc
	stats func() (written, failed, dropped uint64)
}

func (a *auditCollector) Describe(ch chan<- *prometheus.Desc) { ch <- a.desc }

func (a *auditCollector) Collect(ch chan<- prometheus.Metric) {
	written, failed, dropped := a.stats()
	ch <- prometheus.MustNewConstMetric(a.desc, prometheus.CounterValue, float64(written), "written")
	ch <- prometheus.MustNewConstMetric(a.desc, prometheus.CounterValue, float64(failed), "failed")
	ch <- prometheus.MustNewConstMetric(a.desc, prometheus.CounterValue, float64(dropped), "dropped")
}
