package config

import (
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/metric"
	"github.com/sdss/cerebro/pkg/buffer"
	"github.com/sdss/cerebro/pkg/clock"
	"github.com/sdss/cerebro/pkg/retry"
	"github.com/sdss/cerebro/pkg/timeutil"
	"github.com/sdss/cerebro/point"
	"github.com/sdss/cerebro/sink"
	"github.com/sdss/cerebro/source"
)

// Deps supplies the runtime dependencies shared by every built component.
type Deps struct {
	Logger  *slog.Logger
	Clock   clock.Clock
	Metrics *metric.Registry
}

// Built holds one profile's constructed, unstarted sources and sinks in
// start order.
type Built struct {
	Sources []*source.Source
	Sinks   []*sink.Sink
}

// sourceSpec carries the common keys of a source descriptor. The node also
// holds driver keys, which the factory decodes from the same node.
type sourceSpec struct {
	Kind           string            `yaml:"kind"`
	Bucket         string            `yaml:"bucket"`
	Tags           point.Tags        `yaml:"tags"`
	Interval       timeutil.Duration `yaml:"interval"`
	ReadTimeout    timeutil.Duration `yaml:"read_timeout"`
	ConnectTimeout timeutil.Duration `yaml:"connect_timeout"`
	MaxFailures    int               `yaml:"max_failures"`
	Backoff        backoffSpec       `yaml:"backoff"`
}

// sinkSpec carries the common keys of a sink descriptor.
type sinkSpec struct {
	Kind           string            `yaml:"kind"`
	BufferSize     int               `yaml:"buffer_size"`
	FlushInterval  timeutil.Duration `yaml:"flush_interval"`
	FlushThreshold int               `yaml:"flush_threshold"`
	MaxBatchSize   int               `yaml:"max_batch_size"`
	WriteTimeout   timeutil.Duration `yaml:"write_timeout"`
	Backoff        backoffSpec       `yaml:"backoff"`
	Policy         string            `yaml:"policy"`
}

type backoffSpec struct {
	Initial    timeutil.Duration `yaml:"initial"`
	Max        timeutil.Duration `yaml:"max"`
	Multiplier float64           `yaml:"multiplier"`
	Jitter     *bool             `yaml:"jitter"`
}

// toRetry maps the descriptor section onto retry's config. An absent
// backoff section yields the package defaults, jitter included.
func (b backoffSpec) toRetry() retry.BackoffConfig {
	if b == (backoffSpec{}) {
		return retry.DefaultBackoffConfig()
	}
	jitter := true
	if b.Jitter != nil {
		jitter = *b.Jitter
	}
	return retry.BackoffConfig{
		Initial:    b.Initial.Std(),
		Max:        b.Max.Std(),
		Multiplier: b.Multiplier,
		AddJitter:  jitter,
	}
}

func parsePolicy(s string) (buffer.OverflowPolicy, error) {
	switch s {
	case "", "drop_oldest":
		return buffer.DropOldest, nil
	case "drop_newest":
		return buffer.DropNewest, nil
	default:
		return 0, errors.WrapFatal(errors.ErrInvalidConfig, "config", "parsePolicy",
			"overflow policy "+s)
	}
}

// Build resolves a profile into constructed sources and sinks. Nothing is
// started and nothing dials: a build error is always a configuration
// problem, fatal before the daemon touches the network.
func (f *File) Build(profile string, reg *Registry, deps Deps) (*Built, error) {
	if reg == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "config", "Build", "registry")
	}

	sourceNames, sinkNames, err := f.resolve(profile)
	if err != nil {
		return nil, err
	}

	built := &Built{
		Sources: make([]*source.Source, 0, len(sourceNames)),
		Sinks:   make([]*sink.Sink, 0, len(sinkNames)),
	}

	for _, name := range sourceNames {
		node, ok := f.Sources[name]
		if !ok {
			return nil, errors.NotFound("config", "source", name)
		}
		src, err := buildSource(name, &node, reg, deps)
		if err != nil {
			return nil, err
		}
		built.Sources = append(built.Sources, src)
	}

	for _, name := range sinkNames {
		node, ok := f.Sinks[name]
		if !ok {
			return nil, errors.NotFound("config", "sink", name)
		}
		snk, err := buildSink(name, &node, reg, deps)
		if err != nil {
			return nil, err
		}
		built.Sinks = append(built.Sinks, snk)
	}

	return built, nil
}

func buildSource(name string, node *yaml.Node, reg *Registry, deps Deps) (*source.Source, error) {
	var spec sourceSpec
	if err := node.Decode(&spec); err != nil {
		return nil, errors.WrapFatal(err, "config", "Build", "decode source "+name)
	}

	factory, err := reg.driver(spec.Kind)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Build", "source "+name)
	}
	driver, err := factory(node, deps.Logger)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Build", "source "+name)
	}

	cfg := source.Config{
		Name:                   name,
		Kind:                   spec.Kind,
		Bucket:                 spec.Bucket,
		Tags:                   spec.Tags,
		Interval:               spec.Interval.Std(),
		ReadTimeout:            spec.ReadTimeout.Std(),
		ConnectTimeout:         spec.ConnectTimeout.Std(),
		MaxConsecutiveFailures: spec.MaxFailures,
		Backoff:                spec.Backoff.toRetry(),
	}
	return source.New(cfg, source.Deps{
		Driver:  driver,
		Logger:  deps.Logger,
		Clock:   deps.Clock,
		Metrics: deps.Metrics,
	})
}

func buildSink(name string, node *yaml.Node, reg *Registry, deps Deps) (*sink.Sink, error) {
	var spec sinkSpec
	if err := node.Decode(&spec); err != nil {
		return nil, errors.WrapFatal(err, "config", "Build", "decode sink "+name)
	}

	factory, err := reg.backend(spec.Kind)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Build", "sink "+name)
	}
	backend, err := factory(node, deps.Logger)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Build", "sink "+name)
	}

	policy, err := parsePolicy(spec.Policy)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Build", "sink "+name)
	}

	cfg := sink.Config{
		Name:           name,
		Kind:           spec.Kind,
		BufferSize:     spec.BufferSize,
		FlushInterval:  spec.FlushInterval.Std(),
		FlushThreshold: spec.FlushThreshold,
		MaxBatchSize:   spec.MaxBatchSize,
		WriteTimeout:   spec.WriteTimeout.Std(),
		Backoff:        spec.Backoff.toRetry(),
		Policy:         policy,
	}
	return sink.New(cfg, sink.Deps{
		Backend: backend,
		Logger:  deps.Logger,
		Clock:   deps.Clock,
		Metrics: deps.Metrics,
	})
}
