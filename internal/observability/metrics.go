// v1
// internal/observability/metrics.go
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every Prometheus collector the control plane exports.
type Metrics struct {
	ticksTotal     prometheus.Counter
	tickDuration   prometheus.Histogram
	jobsTotal      *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	queueDepth     *prometheus.GaugeVec
	upstreamTotal  *prometheus.CounterVec
	upstreamErrors *prometheus.CounterVec
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	breakerState   *prometheus.GaugeVec
	leadChanges    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "control_ticks_total",
			Help: "Total orchestrator ticks executed.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "control_tick_duration_seconds",
			Help:    "Histogram of full tick durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "control_jobs_total",
			Help: "Control jobs processed by location and status.",
		}, []string{"location", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "control_job_duration_seconds",
			Help:    "Histogram of per-equipment job durations by location.",
			Buckets: prometheus.DefBuckets,
		}, []string{"location"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "control_queue_depth",
			Help: "Jobs queued per location at the last tick.",
		}, []string{"location"}),
		upstreamTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Requests to upstream stores by target.",
		}, []string{"target"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_errors_total",
			Help: "Failed upstream requests by target.",
		}, []string{"target"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits observed.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses observed.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cb_state",
			Help: "Circuit breaker state gauge (0 closed, 1 half, 2 open).",
		}, []string{"target"}),
		leadChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadlag_changes_total",
			Help: "Lead changes by group and reason (rotation|failover).",
		}, []string{"group", "event"}),
	}

	prometheus.MustRegister(
		m.ticksTotal,
		m.tickDuration,
		m.jobsTotal,
		m.jobDuration,
		m.queueDepth,
		m.upstreamTotal,
		m.upstreamErrors,
		m.cacheHits,
		m.cacheMisses,
		m.breakerState,
		m.leadChanges,
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler { return promhttp.Handler() }

func (m *Metrics) ObserveTick(seconds float64) {
	if m == nil {
		return
	}
	m.ticksTotal.Inc()
	m.tickDuration.Observe(seconds)
}

func (m *Metrics) ObserveJob(location, status string, seconds float64) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(location, status).Inc()
	m.jobDuration.WithLabelValues(location).Observe(seconds)
}

func (m *Metrics) SetQueueDepth(location string, depth float64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(location).Set(depth)
}

func (m *Metrics) UpstreamRequest(target string, failed bool) {
	if m == nil {
		return
	}
	m.upstreamTotal.WithLabelValues(target).Inc()
	if failed {
		m.upstreamErrors.WithLabelValues(target).Inc()
	}
}

// CacheHit / CacheMiss satisfy the docstore cache Observer.
func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) SetBreakerState(target string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(target).Set(state)
}

func (m *Metrics) LeadChange(group, event string) {
	if m == nil {
		return
	}
	m.leadChanges.WithLabelValues(group, event).Inc()
}
