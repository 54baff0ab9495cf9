package config

import (
	"log/slog"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/sink"
	"github.com/sdss/cerebro/source"
)

// DriverFactory builds a protocol driver from its descriptor node. The node
// is the whole descriptor; factories decode the keys they know and ignore
// the common ones.
type DriverFactory func(node *yaml.Node, logger *slog.Logger) (source.Driver, error)

// BackendFactory builds a sink backend from its descriptor node.
type BackendFactory func(node *yaml.Node, logger *slog.Logger) (sink.Backend, error)

// Registry maps kind names to factories. The set is closed before any Build
// call: catalog fills it at startup and nothing registers afterwards.
type Registry struct {
	drivers  map[string]DriverFactory
	backends map[string]BackendFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		drivers:  make(map[string]DriverFactory),
		backends: make(map[string]BackendFactory),
	}
}

// RegisterDriver adds a source driver kind. A duplicate kind is a
// programming error.
func (r *Registry) RegisterDriver(kind string, factory DriverFactory) error {
	if kind == "" || factory == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "config", "RegisterDriver", "kind and factory")
	}
	if _, ok := r.drivers[kind]; ok {
		return errors.WrapFatal(errors.ErrDuplicateName, "config", "RegisterDriver", "driver kind "+kind)
	}
	r.drivers[kind] = factory
	return nil
}

// RegisterBackend adds a sink backend kind. A duplicate kind is a
// programming error.
func (r *Registry) RegisterBackend(kind string, factory BackendFactory) error {
	if kind == "" || factory == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "config", "RegisterBackend", "kind and factory")
	}
	if _, ok := r.backends[kind]; ok {
		return errors.WrapFatal(errors.ErrDuplicateName, "config", "RegisterBackend", "backend kind "+kind)
	}
	r.backends[kind] = factory
	return nil
}

// DriverKinds returns the registered driver kinds, sorted.
func (r *Registry) DriverKinds() []string {
	kinds := make([]string, 0, len(r.drivers))
	for k := range r.drivers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// BackendKinds returns the registered backend kinds, sorted.
func (r *Registry) BackendKinds() []string {
	kinds := make([]string, 0, len(r.backends))
	for k := range r.backends {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Registry) driver(kind string) (DriverFactory, error) {
	if kind == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "config", "driver", "kind")
	}
	factory, ok := r.drivers[kind]
	if !ok {
		return nil, errors.WrapFatal(errors.ErrUnknownKind, "config", "driver", "source kind "+kind)
	}
	return factory, nil
}

func (r *Registry) backend(kind string) (BackendFactory, error) {
	if kind == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "config", "backend", "kind")
	}
	factory, ok := r.backends[kind]
	if !ok {
		return nil, errors.WrapFatal(errors.ErrUnknownKind, "config", "backend", "sink kind "+kind)
	}
	return factory, nil
}
