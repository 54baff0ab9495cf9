package sink

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sdss/cerebro/metric"
)

// sinkMetrics holds Prometheus metrics for one sink.
type sinkMetrics struct {
	pointsAccepted prometheus.Counter
	pointsWritten  prometheus.Counter
	writeFailures  prometheus.Counter
	flushes        prometheus.Counter
	droppedPoints  *prometheus.CounterVec
	buffered       *prometheus.GaugeVec
	lastFlush      prometheus.Gauge
}

// newSinkMetrics creates and registers per-sink metrics. Returns nil
// metrics when no registry is provided.
func newSinkMetrics(registry *metric.Registry, name string) (*sinkMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"sink": name}
	m := &sinkMetrics{
		pointsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "sink",
			Name:        "points_accepted_total",
			Help:        "Total points accepted into the staging buffers",
			ConstLabels: labels,
		}),
		pointsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "sink",
			Name:        "points_written_total",
			Help:        "Total points successfully written to the backend",
			ConstLabels: labels,
		}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "sink",
			Name:        "write_failures_total",
			Help:        "Backend writes that failed",
			ConstLabels: labels,
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "sink",
			Name:        "flushes_total",
			Help:        "Successful backend writes",
			ConstLabels: labels,
		}),
		droppedPoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "sink",
			Name:        "dropped_points_total",
			Help:        "Points dropped by the overflow policy",
			ConstLabels: labels,
		}, []string{"bucket"}),
		buffered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "sink",
			Name:        "buffered_points",
			Help:        "Points currently staged per bucket",
			ConstLabels: labels,
		}, []string{"bucket"}),
		lastFlush: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "sink",
			Name:        "last_flush_timestamp",
			Help:        "Unix timestamp of the last successful flush",
			ConstLabels: labels,
		}),
	}

	component := "sink_" + name
	registrations := []struct {
		name      string
		collector prometheus.Collector
	}{
		{"points_accepted", m.pointsAccepted},
		{"points_written", m.pointsWritten},
		{"write_failures", m.writeFailures},
		{"flushes", m.flushes},
		{"dropped_points", m.droppedPoints},
		{"buffered_points", m.buffered},
		{"last_flush", m.lastFlush},
	}
	for _, reg := range registrations {
		if err := registry.Register(component, reg.name, reg.collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}
