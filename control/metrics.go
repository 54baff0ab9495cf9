package control

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sdss/cerebro/metric"
)

// controlMetrics holds Prometheus metrics for the control socket.
type controlMetrics struct {
	connections prometheus.Counter
	throttled   prometheus.Counter
	commands    *prometheus.CounterVec
}

// newControlMetrics creates and registers control metrics. Returns nil
// metrics when no registry is provided.
func newControlMetrics(registry *metric.Registry) (*controlMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &controlMetrics{
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "control",
			Name:      "connections_total",
			Help:      "Connections handled on the control socket",
		}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "control",
			Name:      "throttled_total",
			Help:      "Connections closed by the accept rate limit",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "control",
			Name:      "commands_total",
			Help:      "Requests by command word",
		}, []string{"command"}),
	}

	registrations := []struct {
		name      string
		collector prometheus.Collector
	}{
		{"connections", m.connections},
		{"throttled", m.throttled},
		{"commands", m.commands},
	}
	for _, reg := range registrations {
		if err := registry.Register("control", reg.name, reg.collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}
