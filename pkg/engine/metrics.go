package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskgrid/taskgrid/pkg/models"
)

// Metrics holds the engine's Prometheus collectors. Each engine owns
// its collectors against the registry it was given, so tests can run
// independent engines without registration collisions.
type Metrics struct {
	nodesDispatched *prometheus.CounterVec
	nodesFinished   *prometheus.CounterVec
	retriesTotal    prometheus.Counter
	conflictsTotal  prometheus.Counter
	stepsRunning    prometheus.Gauge
	cpuInUse        prometheus.Gauge
	memInUse        prometheus.Gauge
	nodeDuration    *prometheus.HistogramVec
}

// NewMetrics creates and registers the engine metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		nodesDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskgrid_nodes_dispatched_total",
				Help: "Total number of nodes dispatched to workers",
			},
			[]string{"step_type"},
		),
		nodesFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskgrid_nodes_finished_total",
				Help: "Total number of nodes reaching a terminal state",
			},
			[]string{"status"},
		),
		retriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "taskgrid_node_retries_total",
				Help: "Total number of scheduled node retries",
			},
		),
		conflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "taskgrid_transition_conflicts_total",
				Help: "Total number of state transitions lost to a concurrent writer",
			},
		),
		stepsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskgrid_steps_running",
				Help: "Number of steps currently running",
			},
		),
		cpuInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskgrid_resource_cpu_cores_in_use",
				Help: "CPU cores currently reserved by admitted nodes",
			},
		),
		memInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskgrid_resource_memory_mb_in_use",
				Help: "Memory (MB) currently reserved by admitted nodes",
			},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskgrid_node_duration_seconds",
				Help:    "Wall time from first RUNNING to terminal state",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"step_type"},
		),
	}
	reg.MustRegister(
		m.nodesDispatched, m.nodesFinished, m.retriesTotal, m.conflictsTotal,
		m.stepsRunning, m.cpuInUse, m.memInUse, m.nodeDuration,
	)
	return m
}

// ObserveTransition records the metric side of a committed transition.
func (m *Metrics) ObserveTransition(from, to models.TaskStatus) {
	switch {
	case to == models.RunningTaskStatus:
		m.stepsRunning.Inc()
	case from == models.RunningTaskStatus:
		m.stepsRunning.Dec()
	}
	if to.Terminal() {
		m.nodesFinished.WithLabelValues(string(to)).Inc()
	}
	if to == models.RetryingTaskStatus {
		m.retriesTotal.Inc()
	}
}
