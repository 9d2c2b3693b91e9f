// Package metrics holds the Prometheus collectors of the sync engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors is safe to use as a nil pointer; every method is then a no-op.
type Collectors struct {
	cycles         *prometheus.CounterVec
	merged         *prometheus.CounterVec
	entries        *prometheus.CounterVec
	reconcileFails *prometheus.CounterVec
	violations     prometheus.Counter
	commitSeconds  *prometheus.HistogramVec
	fetchSeconds   *prometheus.HistogramVec
	frontiers      *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg *prometheus.Registry) *Collectors {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collectors{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timelinesync_cycles_total",
			Help: "Sync cycles by backend, operation and outcome.",
		}, []string{"backend", "op", "outcome"}),
		merged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timelinesync_statuses_merged_total",
			Help: "Statuses written by the merge engine.",
		}, []string{"backend", "result"}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timelinesync_feed_entries_created_total",
			Help: "Feed entries created.",
		}, []string{"kind"}),
		reconcileFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timelinesync_reconcile_failures_total",
			Help: "Lookup passes that failed and were dropped.",
		}, []string{"backend"}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timelinesync_merge_violations_total",
			Help: "Records skipped because a reference could not be resolved.",
		}),
		commitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "timelinesync_commit_seconds",
			Help:    "Duration of the graph unit of work of one cycle.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		fetchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "timelinesync_fetch_seconds",
			Help:    "Duration of the network legs of one cycle.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend", "op"}),
		frontiers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timelinesync_frontier_changes_total",
			Help: "Frontier flags set or cleared.",
		}, []string{"change"}),
		gatherer: reg,
	}
	reg.MustRegister(c.cycles, c.merged, c.entries, c.reconcileFails, c.violations, c.commitSeconds, c.fetchSeconds, c.frontiers)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collectors) Cycle(backend, op, outcome string) {
	if c == nil {
		return
	}
	c.cycles.WithLabelValues(backend, op, outcome).Inc()
}

func (c *Collectors) Merged(backend string, inserted, updated int) {
	if c == nil {
		return
	}
	c.merged.WithLabelValues(backend, "inserted").Add(float64(inserted))
	c.merged.WithLabelValues(backend, "updated").Add(float64(updated))
}

func (c *Collectors) EntriesCreated(kind string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.entries.WithLabelValues(kind).Add(float64(n))
}

func (c *Collectors) ReconcileFailed(backend string) {
	if c == nil {
		return
	}
	c.reconcileFails.WithLabelValues(backend).Inc()
}

func (c *Collectors) Violation() {
	if c == nil {
		return
	}
	c.violations.Inc()
}

func (c *Collectors) Frontier(change string) {
	if c == nil {
		return
	}
	c.frontiers.WithLabelValues(change).Inc()
}

func (c *Collectors) ObserveCommit(op string, d time.Duration) {
	if c == nil {
		return
	}
	c.commitSeconds.WithLabelValues(op).Observe(d.Seconds())
}

func (c *Collectors) ObserveFetch(backend, op string, d time.Duration) {
	if c == nil {
		return
	}
	c.fetchSeconds.WithLabelValues(backend, op).Observe(d.Seconds())
}
