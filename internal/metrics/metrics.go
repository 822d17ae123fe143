// ============================================================================
// fleetwork Metrics - Prometheus node metrics
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose node state for Prometheus scraping.
//
// Metric groups:
//
//   1. Leadership (Gauge / Counter):
//      - fleetwork_leader: 1 while this node holds the lock
//      - fleetwork_elections_total{result}: won | lost | error
//      - fleetwork_split_brain_total: conflicting leadership broadcasts seen
//
//   2. Reconciliation (Counter):
//      - fleetwork_reconciliations_total{outcome}: no-op | steady | unstable | synchronized | error
//      - fleetwork_jobs_enqueued_total: jobs added by synchronization
//
//   3. Processes (Gauge / Counter):
//      - fleetwork_processes: live worker processes on this node
//      - fleetwork_process_closes_total{reason}: exited | removed | timeout
//      - fleetwork_jobs_rescheduled_total: deliveries declined by the instance ceiling
//
//   4. RPC and bus (Counter / Histogram):
//      - fleetwork_task_rpcs_total{route,result}: route local | remote, result ok | error | timeout
//      - fleetwork_task_rpc_duration_seconds{route}
//      - fleetwork_bus_events_total{kind}: events received by this node
//
// Alerting examples:
//   sum(fleetwork_leader) != 1                      → no leader, or worse
//   rate(fleetwork_split_brain_total[5m]) > 0       → lock service misbehaving
//   rate(fleetwork_process_closes_total{reason="exited"}[5m]) → crashing workers
//
// Every method is safe on a nil *Collector so components can run without
// metrics wired.
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetwork"

// Collector holds the node metrics.
type Collector struct {
	leader      prometheus.Gauge
	elections   *prometheus.CounterVec
	splitBrains prometheus.Counter

	reconciliations *prometheus.CounterVec
	jobsEnqueued    prometheus.Counter

	processes       prometheus.Gauge
	processCloses   *prometheus.CounterVec
	jobsRescheduled prometheus.Counter

	taskRPCs        *prometheus.CounterVec
	taskRPCDuration *prometheus.HistogramVec
	busEvents       *prometheus.CounterVec
}

// NewCollector creates a collector and registers it with reg, or with the
// default registerer when reg is nil. Registering twice on the same
// registerer panics.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leader",
			Help:      "1 while this node is the cluster leader",
		}),
		elections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elections_total",
			Help:      "Leadership lock attempts by result",
		}, []string{"result"}),
		splitBrains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "split_brain_total",
			Help:      "Leadership announcements from another node received while leading",
		}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Reconciliation passes by outcome",
		}, []string{"outcome"}),
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs added to the queue by reconciliation",
		}),
		processes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processes",
			Help:      "Live worker processes on this node",
		}),
		processCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_closes_total",
			Help:      "Worker process closes by reason",
		}, []string{"reason"}),
		jobsRescheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rescheduled_total",
			Help:      "Job deliveries declined because the per-node instance ceiling was reached",
		}),
		taskRPCs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_rpcs_total",
			Help:      "Task executions by route and result",
		}, []string{"route", "result"}),
		taskRPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_rpc_duration_seconds",
			Help:      "Task execution latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		busEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_total",
			Help:      "Coordination bus events received by kind",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.leader, c.elections, c.splitBrains,
		c.reconciliations, c.jobsEnqueued,
		c.processes, c.processCloses, c.jobsRescheduled,
		c.taskRPCs, c.taskRPCDuration, c.busEvents,
	)
	return c
}

// SetLeader records the leadership flag.
func (c *Collector) SetLeader(leading bool) {
	if c == nil {
		return
	}
	if leading {
		c.leader.Set(1)
	} else {
		c.leader.Set(0)
	}
}

// RecordElection counts one lock attempt.
func (c *Collector) RecordElection(result string) {
	if c == nil {
		return
	}
	c.elections.WithLabelValues(result).Inc()
}

// RecordSplitBrain counts a conflicting leadership announcement.
func (c *Collector) RecordSplitBrain() {
	if c == nil {
		return
	}
	c.splitBrains.Inc()
}

// RecordReconcile counts one reconciliation pass and the jobs it added.
func (c *Collector) RecordReconcile(outcome string, added int) {
	if c == nil {
		return
	}
	c.reconciliations.WithLabelValues(outcome).Inc()
	if added > 0 {
		c.jobsEnqueued.Add(float64(added))
	}
}

// SetProcesses records the number of live worker processes.
func (c *Collector) SetProcesses(n int) {
	if c == nil {
		return
	}
	c.processes.Set(float64(n))
}

// RecordProcessClose counts a worker process close.
func (c *Collector) RecordProcessClose(reason string) {
	if c == nil {
		return
	}
	c.processCloses.WithLabelValues(reason).Inc()
}

// RecordRescheduled counts a delivery declined by the instance ceiling.
func (c *Collector) RecordRescheduled() {
	if c == nil {
		return
	}
	c.jobsRescheduled.Inc()
}

// RecordTaskRPC counts a task execution and observes its latency.
func (c *Collector) RecordTaskRPC(route, result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.taskRPCs.WithLabelValues(route, result).Inc()
	c.taskRPCDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// RecordBusEvent counts a received bus event.
func (c *Collector) RecordBusEvent(kind string) {
	if c == nil {
		return
	}
	c.busEvents.WithLabelValues(kind).Inc()
}

// Handler serves the metrics of g, or of the default gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
