package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sdss/cerebro/metric"
)

// hubMetrics holds Prometheus metrics for the hub fan-out.
type hubMetrics struct {
	batchesRouted prometheus.Counter
	pointsRouted  prometheus.Counter
	sources       prometheus.Gauge
	sinks         prometheus.Gauge
}

// newHubMetrics creates and registers hub metrics. Returns nil metrics
// when no registry is provided.
func newHubMetrics(registry *metric.Registry) (*hubMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &hubMetrics{
		batchesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "hub",
			Name:      "batches_routed_total",
			Help:      "Total batches fanned out to sinks",
		}),
		pointsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "hub",
			Name:      "points_routed_total",
			Help:      "Total points fanned out to sinks",
		}),
		sources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "hub",
			Name:      "sources",
			Help:      "Registered sources",
		}),
		sinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "hub",
			Name:      "sinks",
			Help:      "Registered sinks",
		}),
	}

	registrations := []struct {
		name      string
		collector prometheus.Collector
	}{
		{"batches_routed", m.batchesRouted},
		{"points_routed", m.pointsRouted},
		{"sources", m.sources},
		{"sinks", m.sinks},
	}
	for _, reg := range registrations {
		if err := registry.Register("hub", reg.name, reg.collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}
