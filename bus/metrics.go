package bus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gazehub/gazehub/metric"
)

// bridgeMetrics holds Prometheus metrics for the ingress bridge.
type bridgeMetrics struct {
	accepted   prometheus.Counter
	relayed    prometheus.Counter
	dropped    prometheus.Counter
	queueDepth prometheus.Gauge
}

// newBridgeMetrics creates and registers bridge metrics with the provided
// registry. A nil registry disables metrics.
func newBridgeMetrics(registry *metric.Registry) (*bridgeMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &bridgeMetrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gazehub",
			Subsystem: "bridge",
			Name:      "accepted_total",
			Help:      "Total messages accepted into the ingress queue",
		}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gazehub",
			Subsystem: "bridge",
			Name:      "relayed_total",
			Help:      "Total messages relayed onto the broadcast relay",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gazehub",
			Subsystem: "bridge",
			Name:      "dropped_total",
			Help:      "Total messages dropped because the broadcast publish failed",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gazehub",
			Subsystem: "bridge",
			Name:      "queue_depth",
			Help:      "Current ingress queue depth",
		}),
	}

	if err := registry.RegisterCounter("bridge", "accepted", m.accepted); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("bridge", "relayed", m.relayed); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("bridge", "dropped", m.dropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("bridge", "queue_depth", m.queueDepth); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *bridgeMetrics) recordAccepted(depth int) {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *bridgeMetrics) recordRelayed() {
	if m == nil {
		return
	}
	m.relayed.Inc()
	m.queueDepth.Dec()
}

func (m *bridgeMetrics) recordDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
	m.queueDepth.Dec()
}
