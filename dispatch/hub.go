// Package dispatch provides the Hub, the central fan-out between sources
// and sinks.
//
// The Hub owns the live component tables: it is the only place source and
// sink tasks are started, stopped or restarted. Data flows one way through
// Emit: a source hands over a batch and the Hub delivers it to every
// registered sink in registration order. Emit never waits on backend I/O
// (sinks stage into their own buffers), so one slow destination cannot
// stall a producer or the other destinations.
package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/metric"
	"github.com/sdss/cerebro/pkg/clock"
	"github.com/sdss/cerebro/point"
	"github.com/sdss/cerebro/sink"
	"github.com/sdss/cerebro/source"
)

// Config holds hub-level settings.
type Config struct {
	// Tags are stamped onto every routed point. They override point tags
	// because they carry deployment identity (site, actor version) that
	// individual readings must not spoof.
	Tags point.Tags
	// StopTimeout bounds each component stop during removal, restart and
	// shutdown.
	StopTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	return c
}

// Status is a consistent point-in-time snapshot of every component.
// Sources are sorted by name; sinks appear in registration order.
type Status struct {
	Sources []source.Status `json:"sources"`
	Sinks   []sink.Status   `json:"sinks"`
}

// Deps holds runtime dependencies for a Hub.
type Deps struct {
	Logger  *slog.Logger
	Clock   clock.Clock
	Metrics *metric.Registry
}

// Hub multiplexes many sources to many sinks.
type Hub struct {
	cfg     Config
	logger  *slog.Logger
	clock   clock.Clock
	metrics *hubMetrics

	// mu guards the tables and lifecycle fields. The sink slice is
	// replaced wholesale on mutation so Emit can fan out from a snapshot
	// without holding the lock across Accept calls.
	mu      sync.RWMutex
	sources map[string]*source.Source
	sinks   []*sink.Sink
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
}

// New creates an empty Hub.
func New(cfg Config, deps Deps) (*Hub, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.System{}
	}
	metrics, err := newHubMetrics(deps.Metrics)
	if err != nil {
		return nil, err
	}

	return &Hub{
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "hub"),
		clock:   clk,
		metrics: metrics,
		sources: make(map[string]*source.Source),
	}, nil
}

// AddSource registers a source. Reports false when the name is already
// taken. When the hub is running the source task starts immediately.
func (h *Hub) AddSource(s *source.Source) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.sources[s.Name()]; exists {
		return false, nil
	}
	h.sources[s.Name()] = s
	if h.started {
		if err := s.Start(h.runCtx, h.Emit); err != nil {
			delete(h.sources, s.Name())
			return false, errors.Wrap(err, "hub", "AddSource", "start source task")
		}
	}

	if h.metrics != nil {
		h.metrics.sources.Set(float64(len(h.sources)))
	}
	h.logger.Info("Source added", "source", s.Name(), "kind", s.Kind())
	return true, nil
}

// RemoveSource stops a source's task and unregisters it. Reports false
// when the name is unknown. When the task cannot be stopped within the
// hub's stop timeout the source stays registered, so its name cannot be
// reused while the old task may still hold the device connection.
func (h *Hub) RemoveSource(name string) (bool, error) {
	h.mu.RLock()
	s, ok := h.sources[name]
	h.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if err := s.Stop(h.cfg.StopTimeout); err != nil {
		return false, errors.Wrap(err, "hub", "RemoveSource", "stop source task")
	}

	h.mu.Lock()
	if h.sources[name] == s {
		delete(h.sources, name)
	}
	if h.metrics != nil {
		h.metrics.sources.Set(float64(len(h.sources)))
	}
	h.mu.Unlock()

	h.logger.Info("Source removed", "source", name)
	return true, nil
}

// RestartSource cancels a source's task, waits for it to terminate and
// starts a replacement with fresh backoff state. It returns once the new
// task is connecting. Unknown names fail with a not-found error.
// Concurrent restarts of different sources proceed in parallel; restarts
// of the same source serialize on the source itself.
func (h *Hub) RestartSource(name string) error {
	h.mu.RLock()
	s, ok := h.sources[name]
	runCtx := h.runCtx
	started := h.started
	h.mu.RUnlock()

	if !ok {
		return errors.NotFound("hub", "source", name)
	}
	if !started {
		return errors.Wrap(errors.ErrNotStarted, "hub", "RestartSource", "hub not running")
	}

	h.logger.Info("Restarting source", "source", name)
	if err := s.Restart(runCtx, h.cfg.StopTimeout); err != nil {
		return errors.Wrap(err, "hub", "RestartSource", "restart source task")
	}

	// The source may have been removed while the restart was in flight;
	// a task that is no longer in the table must not keep running.
	h.mu.RLock()
	_, still := h.sources[name]
	h.mu.RUnlock()
	if !still {
		_ = s.Stop(h.cfg.StopTimeout)
		return errors.NotFound("hub", "source", name)
	}
	return nil
}

// AddSink registers a sink at the end of the fan-out order. Reports false
// when the name is already taken. When the hub is running the flush task
// starts immediately.
func (h *Hub) AddSink(s *sink.Sink) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, existing := range h.sinks {
		if existing.Name() == s.Name() {
			return false, nil
		}
	}
	next := make([]*sink.Sink, len(h.sinks)+1)
	copy(next, h.sinks)
	next[len(h.sinks)] = s
	h.sinks = next

	if h.started {
		if err := s.Start(h.runCtx); err != nil {
			h.sinks = h.sinks[:len(h.sinks)-1]
			return false, errors.Wrap(err, "hub", "AddSink", "start flush task")
		}
	}

	if h.metrics != nil {
		h.metrics.sinks.Set(float64(len(h.sinks)))
	}
	h.logger.Info("Sink added", "sink", s.Name(), "kind", s.Kind())
	return true, nil
}

// RemoveSink takes a sink out of the fan-out, then stops it so its final
// flush runs with no more batches arriving. Reports false when the name is
// unknown.
func (h *Hub) RemoveSink(name string) (bool, error) {
	h.mu.Lock()
	var removed *sink.Sink
	next := make([]*sink.Sink, 0, len(h.sinks))
	for _, s := range h.sinks {
		if s.Name() == name && removed == nil {
			removed = s
			continue
		}
		next = append(next, s)
	}
	if removed == nil {
		h.mu.Unlock()
		return false, nil
	}
	h.sinks = next
	if h.metrics != nil {
		h.metrics.sinks.Set(float64(len(h.sinks)))
	}
	h.mu.Unlock()

	if err := removed.Stop(h.cfg.StopTimeout); err != nil {
		return true, errors.Wrap(err, "hub", "RemoveSink", "stop flush task")
	}
	h.logger.Info("Sink removed", "sink", name)
	return true, nil
}

// Emit routes one batch to every registered sink in registration order.
// It is handed to every source as its emit callback. Points with no
// timestamp are stamped and hub tags are applied before fan-out; after
// hand-off the batch is shared between sinks and must not be mutated.
func (h *Hub) Emit(batch *point.Batch) {
	if batch == nil || batch.Len() == 0 {
		return
	}

	now := h.clock.Now()
	for i := range batch.Points {
		p := &batch.Points[i]
		if p.Timestamp.IsZero() {
			p.Timestamp = now
		}
		if len(h.cfg.Tags) > 0 {
			p.Tags = p.Tags.Merge(h.cfg.Tags)
		}
	}

	h.mu.RLock()
	sinks := h.sinks
	h.mu.RUnlock()

	for _, s := range sinks {
		s.Accept(batch)
	}

	if h.metrics != nil {
		h.metrics.batchesRouted.Inc()
		h.metrics.pointsRouted.Add(float64(batch.Len()))
	}
}

// Status returns a snapshot of every component, collected under one lock
// hold so the view is consistent.
func (h *Hub) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := Status{
		Sources: make([]source.Status, 0, len(h.sources)),
		Sinks:   make([]sink.Status, 0, len(h.sinks)),
	}

	names := make([]string, 0, len(h.sources))
	for name := range h.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st.Sources = append(st.Sources, h.sources[name].Status())
	}
	for _, s := range h.sinks {
		st.Sinks = append(st.Sinks, s.Status())
	}
	return st
}

// Start launches every registered sink, then every registered source.
// Sinks start first so the earliest emission already has somewhere to go.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "hub", "Start", "check state")
	}
	h.runCtx, h.cancel = context.WithCancel(ctx)
	h.started = true

	for _, s := range h.sinks {
		if err := s.Start(h.runCtx); err != nil {
			return errors.Wrap(err, "hub", "Start", "start sink "+s.Name())
		}
	}

	names := make([]string, 0, len(h.sources))
	for name := range h.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.sources[name].Start(h.runCtx, h.Emit); err != nil {
			return errors.Wrap(err, "hub", "Start", "start source "+name)
		}
	}

	h.logger.Info("Hub started",
		"sources", len(h.sources),
		"sinks", len(h.sinks))
	return nil
}

// Stop cancels every task, waits out the sources, then stops the sinks so
// their final best-effort flush sees everything the sources emitted.
// Each component gets up to timeout.
func (h *Hub) Stop(timeout time.Duration) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = false
	cancel := h.cancel
	h.runCtx, h.cancel = nil, nil

	sources := make([]*source.Source, 0, len(h.sources))
	for _, s := range h.sources {
		sources = append(sources, s)
	}
	sinks := h.sinks
	h.mu.Unlock()

	cancel()

	var srcGroup errgroup.Group
	for _, s := range sources {
		srcGroup.Go(func() error { return s.Stop(timeout) })
	}
	srcErr := srcGroup.Wait()

	var sinkGroup errgroup.Group
	for _, s := range sinks {
		sinkGroup.Go(func() error { return s.Stop(timeout) })
	}
	sinkErr := sinkGroup.Wait()

	h.logger.Info("Hub stopped")
	if srcErr != nil {
		return srcErr
	}
	return sinkErr
}
