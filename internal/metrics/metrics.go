// Package metrics exposes Prometheus collectors for sync runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "icssync"

// Metrics reports sync activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	runs             *prometheus.CounterVec
	runDuration      prometheus.Histogram
	intents          *prometheus.CounterVec
	dispatchFailures *prometheus.CounterVec
	sourceEvents     prometheus.Gauge
	targetEvents     prometheus.Gauge
	collisions       *prometheus.GaugeVec
	lastSuccess      prometheus.Gauge
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Sync runs by final status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a sync run.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_total",
			Help:      "Planned intents by kind.",
		}, []string{"kind"}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Failed intents by kind and error class.",
		}, []string{"kind", "class"}),
		sourceEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_events",
			Help:      "Feed events after validation and exclusion in the last run.",
		}),
		targetEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_events",
			Help:      "Store events listed in the last run.",
		}),
		collisions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "key_collisions",
			Help:      "Match key collisions in the last run, by side.",
		}, []string{"side"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run without failures.",
		}),
	}

	m.registry.MustRegister(
		m.runs, m.runDuration, m.intents, m.dispatchFailures,
		m.sourceEvents, m.targetEvents, m.collisions, m.lastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(status string, d time.Duration, finished time.Time, failed int) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
	if failed == 0 && status != "failed" {
		m.lastSuccess.Set(float64(finished.Unix()))
	}
}

// ObservePlan records the sizes and intents of a plan.
func (m *Metrics) ObservePlan(sources, targets, creates, updates, deletes, sourceCollisions, targetCollisions int) {
	if m == nil {
		return
	}
	m.sourceEvents.Set(float64(sources))
	m.targetEvents.Set(float64(targets))
	m.intents.WithLabelValues("create").Add(float64(creates))
	m.intents.WithLabelValues("update").Add(float64(updates))
	m.intents.WithLabelValues("delete").Add(float64(deletes))
	m.collisions.WithLabelValues("source").Set(float64(sourceCollisions))
	m.collisions.WithLabelValues("target").Set(float64(targetCollisions))
}

// IncDispatchFailure counts one failed intent.
func (m *Metrics) IncDispatchFailure(kind, class string) {
	if m == nil {
		return
	}
	m.dispatchFailures.WithLabelValues(kind, class).Inc()
}
