package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/hypernote/metric"
)

type bufferMetrics struct {
	writes prometheus.Counter
	drops  prometheus.Counter
	size   prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, owner string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"owner": owner}
	m := &bufferMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hypernote",
			Subsystem:   "buffer",
			Name:        "writes_total",
			ConstLabels: labels,
			Help:        "Total number of buffer writes",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hypernote",
			Subsystem:   "buffer",
			Name:        "drops_total",
			ConstLabels: labels,
			Help:        "Total number of items dropped on overflow",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hypernote",
			Subsystem:   "buffer",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Current number of buffered items",
		}),
	}

	if err := registry.RegisterCounter(owner, "buffer_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(owner, "buffer_drops", m.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(owner, "buffer_size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}
