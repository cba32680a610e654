// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xchain_radar"

// Recorder records pipeline and API metrics. A nil Recorder discards everything.
type Recorder struct {
	registry *prometheus.Registry

	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	hasAnomaly     *prometheus.GaugeVec
	commitsTotal   *prometheus.CounterVec
	fallbacksTotal prometheus.Counter
	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
}

// New creates a Recorder backed by its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by chain and outcome",
		}, []string{"chain", "outcome"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Duration of pipeline runs",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain"}),
		hasAnomaly: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "has_anomaly",
			Help:      "1 when the latest computed briefing for the chain flagged an anomaly",
		}, []string{"chain"}),
		commitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "commitments_total",
			Help:      "Commitment publish outcomes",
		}, []string{"status"}),
		fallbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "narrative",
			Name:      "fallbacks_total",
			Help:      "Narratives produced by the fallback summarizer",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// RecordRun records one pipeline run.
func (r *Recorder) RecordRun(chain, outcome string, seconds float64) {
	if r == nil {
		return
	}
	r.runsTotal.WithLabelValues(chain, outcome).Inc()
	r.runDuration.WithLabelValues(chain).Observe(seconds)
}

// RecordVerdict sets the anomaly gauge for chain.
func (r *Recorder) RecordVerdict(chain string, anomaly bool) {
	if r == nil {
		return
	}
	v := 0.0
	if anomaly {
		v = 1
	}
	r.hasAnomaly.WithLabelValues(chain).Set(v)
}

// RecordCommitment counts a publish outcome.
func (r *Recorder) RecordCommitment(status string) {
	if r == nil {
		return
	}
	r.commitsTotal.WithLabelValues(status).Inc()
}

// RecordFallback counts a degraded narrative.
func (r *Recorder) RecordFallback() {
	if r == nil {
		return
	}
	r.fallbacksTotal.Inc()
}

// RecordHTTP records one served request.
func (r *Recorder) RecordHTTP(route string, code int, seconds float64) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	r.httpLatency.WithLabelValues(route).Observe(seconds)
}
