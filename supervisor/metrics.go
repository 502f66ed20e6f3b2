package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gazehub/gazehub/metric"
)

// supervisorMetrics holds Prometheus metrics for the control loop.
type supervisorMetrics struct {
	spawned   prometheus.Counter
	rejected  prometheus.Counter
	reaped    prometheus.Counter
	running   prometheus.Gauge
	handled   prometheus.Counter
}

// newSupervisorMetrics creates and registers control-loop metrics with the
// provided registry. A nil registry disables metrics.
func newSupervisorMetrics(registry *metric.Registry) (*supervisorMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &supervisorMetrics{
		spawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gazehub",
			Subsystem: "supervisor",
			Name:      "workers_spawned_total",
			Help:      "Total worker processes spawned",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gazehub",
			Subsystem: "supervisor",
			Name:      "duplicate_starts_rejected_total",
			Help:      "Total start requests rejected because the identity was already live",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gazehub",
			Subsystem: "supervisor",
			Name:      "workers_reaped_total",
			Help:      "Total worker processes reaped after exit",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gazehub",
			Subsystem: "supervisor",
			Name:      "workers_running",
			Help:      "Worker processes currently managed",
		}),
		handled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gazehub",
			Subsystem: "supervisor",
			Name:      "notifications_handled_total",
			Help:      "Total control notifications handled",
		}),
	}

	if err := registry.RegisterCounter("supervisor", "spawned", m.spawned); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("supervisor", "rejected", m.rejected); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("supervisor", "reaped", m.reaped); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("supervisor", "running", m.running); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("supervisor", "handled", m.handled); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *supervisorMetrics) recordSpawn(running int) {
	if m == nil {
		return
	}
	m.spawned.Inc()
	m.running.Set(float64(running))
}

func (m *supervisorMetrics) recordRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *supervisorMetrics) recordReaped(running int) {
	if m == nil {
		return
	}
	m.reaped.Inc()
	m.running.Set(float64(running))
}

func (m *supervisorMetrics) recordHandled() {
	if m == nil {
		return
	}
	m.handled.Inc()
}
