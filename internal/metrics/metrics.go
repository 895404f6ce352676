// Package metrics holds the worker's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	reg *prometheus.Registry

	RunsDispatched      prometheus.Counter
	RunsCompleted       *prometheus.CounterVec
	RunsRetried         prometheus.Counter
	BroadcastEvents     *prometheus.CounterVec
	BroadcastDups       prometheus.Counter
	OwnedBuckets        prometheus.Gauge
	PendingRuns         prometheus.Gauge
	InflightRuns        prometheus.Gauge
	DispatchLatency     prometheus.Histogram
	LeaseRenewFailures  prometheus.Counter
	SplitClaimConflicts prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{reg: reg}
	m.RunsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "sched",
		Name:      "runs_dispatched_total",
		Help:      "Number of runs handed to the executor pool",
	})
	reg.MustRegister(m.RunsDispatched)
	m.RunsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "sched",
		Name:      "runs_completed_total",
		Help:      "Number of runs reaching a terminal status",
	}, []string{"status"})
	reg.MustRegister(m.RunsCompleted)
	m.RunsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "sched",
		Name:      "runs_retried_total",
		Help:      "Number of failed attempts rescheduled for retry",
	})
	reg.MustRegister(m.RunsRetried)
	m.BroadcastEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "broadcast",
		Name:      "events_total",
		Help:      "Number of broadcast envelopes handled",
	}, []string{"op"})
	reg.MustRegister(m.BroadcastEvents)
	m.BroadcastDups = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "broadcast",
		Name:      "duplicates_total",
		Help:      "Number of broadcast envelopes dropped as duplicates",
	})
	reg.MustRegister(m.BroadcastDups)
	m.OwnedBuckets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobmesh",
		Subsystem: "ownership",
		Name:      "owned_buckets",
		Help:      "Number of buckets this worker currently owns",
	})
	reg.MustRegister(m.OwnedBuckets)
	m.PendingRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobmesh",
		Subsystem: "sched",
		Name:      "pending_runs",
		Help:      "Number of runs tracked by the scheduling engine",
	})
	reg.MustRegister(m.PendingRuns)
	m.InflightRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobmesh",
		Subsystem: "executor",
		Name:      "inflight_runs",
		Help:      "Number of runs queued or executing in the pool",
	})
	reg.MustRegister(m.InflightRuns)
	m.DispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "jobmesh",
		Subsystem: "sched",
		Name:      "dispatch_latency_seconds",
		Help:      "Delay between a run's fire time and its dispatch",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})
	reg.MustRegister(m.DispatchLatency)
	m.LeaseRenewFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "ownership",
		Name:      "lease_renew_failures_total",
		Help:      "Number of failed lease persistence attempts",
	})
	reg.MustRegister(m.LeaseRenewFailures)
	m.SplitClaimConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "shard",
		Name:      "split_claim_conflicts_total",
		Help:      "Number of split claims lost to another worker",
	})
	reg.MustRegister(m.SplitClaimConflicts)
	return m
}

// Registry exposes the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
