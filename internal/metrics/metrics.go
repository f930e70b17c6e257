// Package metrics exposes Prometheus metrics for the collection pipeline and
// its coordination layer (cache, lock, idempotency).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "worklog"

// Trigger labels.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerCLI       = "cli"
)

// Collector is safe for concurrent use. A nil *Collector records nothing.
type Collector struct {
	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	platformResults *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	idempotency     *prometheus.CounterVec
	jobsPublished   *prometheus.CounterVec
	jobsConsumed    *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector registers every metric with reg. When reg is also a Gatherer
// (e.g. *prometheus.Registry) Handler serves it.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	c := &Collector{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_runs_total",
			Help:      "Collection runs by trigger and outcome (started, skipped, completed, failed).",
		}, []string{"trigger", "outcome"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collection_run_duration_seconds",
			Help:      "Duration of one user's collection run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"trigger"}),
		platformResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "platform_results_total",
			Help:      "Per-platform outcomes (summarized, empty_activity, failed).",
		}, []string{"platform", "status"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache-aside lookups by result (hit, miss).",
		}, []string{"result"}),
		idempotency: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_decisions_total",
			Help:      "Idempotency guard decisions.",
		}, []string{"state"}),
		jobsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_published_total",
			Help:      "Collection jobs published to the queue.",
		}, []string{"result"}),
		jobsConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_consumed_total",
			Help:      "Collection jobs consumed from the queue by ack decision.",
		}, []string{"result"}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

func (c *Collector) RunStarted(trigger string) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(trigger, "started").Inc()
}

func (c *Collector) RunSkipped(trigger string) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(trigger, "skipped").Inc()
}

func (c *Collector) RunFinished(trigger string, d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	c.runs.WithLabelValues(trigger, outcome).Inc()
	c.runDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

func (c *Collector) PlatformResult(platform, status string) {
	if c == nil {
		return
	}
	c.platformResults.WithLabelValues(platform, status).Inc()
}

func (c *Collector) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

func (c *Collector) IdempotencyDecision(state string) {
	if c == nil {
		return
	}
	c.idempotency.WithLabelValues(state).Inc()
}

func (c *Collector) JobPublished(err error) {
	if c == nil {
		return
	}
	c.jobsPublished.WithLabelValues(resultLabel(err)).Inc()
}

// JobConsumed records an ack decision: "ack", "requeue" or "dead_letter".
func (c *Collector) JobConsumed(decision string) {
	if c == nil {
		return
	}
	c.jobsConsumed.WithLabelValues(decision).Inc()
}

// Handler serves the registry the collector was built with, or the default one.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
