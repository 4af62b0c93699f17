package phasync

import "github.com/prometheus/client_golang/prometheus"

// MetricsRegisterer is anything that can register Prometheus collectors
// (prometheus.Registerer satisfies it directly). Grounded on the
// teacher/pack's own Prometheus usage, e.g. the raft-recovery repo's
// internal/metrics.Collector, generalized here to accept a caller-owned
// registry instead of registering into prometheus's global default.
type MetricsRegisterer = prometheus.Registerer

// driverMetrics holds the Prometheus collectors a Driver reports to, when
// WithMetrics supplies a registerer. Every method is a no-op on a Driver
// created without one.
type driverMetrics struct {
	enabled bool

	ticks            prometheus.Counter
	readyQueueLength prometheus.Gauge
	liveTasks        prometheus.Gauge
	tasksTerminated  prometheus.Counter
}

func newDriverMetrics(reg MetricsRegisterer) *driverMetrics {
	if reg == nil {
		return &driverMetrics{}
	}
	m := &driverMetrics{
		enabled: true,
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phasync_driver_ticks_total",
			Help: "Total number of driver tick iterations executed.",
		}),
		readyQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phasync_ready_queue_length",
			Help: "Number of tasks in the ready queue at the end of the last tick.",
		}),
		liveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phasync_live_tasks",
			Help: "Number of tasks currently tracked by the driver.",
		}),
		tasksTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phasync_tasks_terminated_total",
			Help: "Total number of tasks that have terminated.",
		}),
	}
	reg.MustRegister(m.ticks, m.readyQueueLength, m.liveTasks, m.tasksTerminated)
	return m
}

func (m *driverMetrics) tick(readyLen, taskCount int) {
	if !m.enabled {
		return
	}
	m.ticks.Inc()
	m.readyQueueLength.Set(float64(readyLen))
	m.liveTasks.Set(float64(taskCount))
}

func (m *driverMetrics) taskTerminated() {
	if !m.enabled {
		return
	}
	m.tasksTerminated.Inc()
}
