package source

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sdss/cerebro/metric"
)

// sourceMetrics holds Prometheus metrics for one source task.
type sourceMetrics struct {
	batchesEmitted  prometheus.Counter
	pointsEmitted   prometheus.Counter
	readFailures    prometheus.Counter
	connectFailures prometheus.Counter
	reconnects      prometheus.Counter
	state           prometheus.Gauge
	lastEmission    prometheus.Gauge
}

// newSourceMetrics creates and registers per-source metrics. Returns nil
// metrics when no registry is provided.
func newSourceMetrics(registry *metric.Registry, name string) (*sourceMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"source": name}
	m := &sourceMetrics{
		batchesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "source",
			Name:        "batches_emitted_total",
			Help:        "Total batches handed to the hub",
			ConstLabels: labels,
		}),
		pointsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "source",
			Name:        "points_emitted_total",
			Help:        "Total points handed to the hub",
			ConstLabels: labels,
		}),
		readFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "source",
			Name:        "read_failures_total",
			Help:        "Reads that failed or timed out",
			ConstLabels: labels,
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "source",
			Name:        "connect_failures_total",
			Help:        "Connect attempts that failed",
			ConstLabels: labels,
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "source",
			Name:        "reconnects_total",
			Help:        "Sessions torn down and re-established",
			ConstLabels: labels,
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "source",
			Name:        "state",
			Help:        "Resilience state (0=stopped, 1=connecting, 2=running)",
			ConstLabels: labels,
		}),
		lastEmission: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "source",
			Name:        "last_emission_timestamp",
			Help:        "Unix timestamp of the last emitted batch",
			ConstLabels: labels,
		}),
	}

	component := "source_" + name
	registrations := []struct {
		name      string
		collector prometheus.Collector
	}{
		{"batches_emitted", m.batchesEmitted},
		{"points_emitted", m.pointsEmitted},
		{"read_failures", m.readFailures},
		{"connect_failures", m.connectFailures},
		{"reconnects", m.reconnects},
		{"state", m.state},
		{"last_emission", m.lastEmission},
	}
	for _, reg := range registrations {
		if err := registry.Register(component, reg.name, reg.collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}
