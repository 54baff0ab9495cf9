// Package source provides the producer runtime: the Driver contract that
// protocol drivers implement and the Source wrapper that runs one driver as
// a long-lived task with connection resilience.
//
// A Source owns exactly one driver session at a time. Its task cycles
// through a small state machine: it connects with capped exponential
// backoff, reads batches while the session holds, and reconnects when the
// session drops. Connect failures never terminate the task; a source that
// cannot reach its device keeps trying until it is stopped, reporting the
// failure through Status.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/metric"
	"github.com/sdss/cerebro/pkg/clock"
	"github.com/sdss/cerebro/pkg/retry"
	"github.com/sdss/cerebro/point"
)

// Driver is the protocol-specific half of a producer. Implementations own
// the wire details (dialing, parsing, translating readings into batches);
// the Source owns scheduling, timeouts and reconnection.
//
// Connect establishes a session. On error the Source backs off and calls
// Connect again, so Connect must clean up after itself on failure. Close is
// called exactly once after each successful Connect, when the session ends.
//
// ReadOrWait produces the next batch. Polled drivers perform one read and
// return; the Source calls them on the configured interval with a read
// deadline on ctx. Push drivers block until the subscription delivers an
// event or ctx is done. Errors classified as connection errors (errors
// package) end the session and trigger a reconnect; anything else counts as
// a transient failure. A nil batch with a nil error is a valid "nothing to
// report" result.
type Driver interface {
	Connect(ctx context.Context) error
	ReadOrWait(ctx context.Context) (*point.Batch, error)
	Close() error
}

// EmitFunc receives finished batches from a Source. It must not block: the
// hub's implementation enqueues to sink buffers and returns.
type EmitFunc func(batch *point.Batch)

// State is the resilience state of a source task.
type State int32

const (
	// StateStopped means no task is running. Re-enterable via restart.
	StateStopped State = iota
	// StateConnecting means the task is establishing (or re-establishing)
	// its driver session, possibly in a backoff wait.
	StateConnecting
	// StateRunning means the session is live and batches are flowing.
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds the protocol-independent settings of a source.
type Config struct {
	// Name uniquely identifies the source within one hub.
	Name string
	// Kind names the driver kind ("tcp-text", "nats-bus", ...).
	Kind string
	// Bucket is the default destination bucket for batches whose driver
	// did not set one.
	Bucket string
	// Tags are applied to every point as defaults; tags already present
	// on a point win.
	Tags point.Tags
	// Interval selects the polled discipline when positive: the driver is
	// read once per interval. Zero means push: the driver blocks until
	// its subscription delivers.
	Interval time.Duration
	// ReadTimeout bounds each polled read. Ignored for push sources,
	// where an idle subscription is not a failure.
	ReadTimeout time.Duration
	// ConnectTimeout bounds each connect attempt.
	ConnectTimeout time.Duration
	// MaxConsecutiveFailures is the number of back-to-back read failures
	// after which the session is torn down and reconnected.
	MaxConsecutiveFailures int
	// Backoff shapes the reconnect delays.
	Backoff retry.BackoffConfig
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "source", "Validate", "name")
	}
	if c.Kind == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "source", "Validate", "kind")
	}
	if c.Bucket == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "source", "Validate", "bucket")
	}
	if c.Interval < 0 {
		return errors.WrapFatal(fmt.Errorf("negative interval %v", c.Interval),
			"source", "Validate", "interval")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	return c
}

// Status is a point-in-time snapshot of one source for status reporting.
type Status struct {
	Name         string    `json:"name"`
	Kind         string    `json:"kind"`
	State        string    `json:"state"`
	LastEmission time.Time `json:"last_emission,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
}

// Deps holds runtime dependencies for a Source.
type Deps struct {
	Driver  Driver
	Logger  *slog.Logger
	Clock   clock.Clock
	Metrics *metric.Registry
}

// Source runs one Driver as a resilient task.
type Source struct {
	cfg     Config
	driver  Driver
	logger  *slog.Logger
	clock   clock.Clock
	metrics *sourceMetrics

	// Lifecycle. mu serializes Start/Stop/Restart, which also serializes
	// concurrent restarts of the same source.
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	emit   EmitFunc

	state        atomic.Int32
	lastEmission atomic.Value // time.Time
	lastError    atomic.Value // string
}

// New creates a Source around a driver. It does not start the task.
func New(cfg Config, deps Deps) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Driver == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "source", "New", "driver")
	}
	cfg = cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.System{}
	}
	metrics, err := newSourceMetrics(deps.Metrics, cfg.Name)
	if err != nil {
		return nil, err
	}

	s := &Source{
		cfg:     cfg,
		driver:  deps.Driver,
		logger:  logger.With("component", "source", "source", cfg.Name, "kind", cfg.Kind),
		clock:   clk,
		metrics: metrics,
	}
	s.lastEmission.Store(time.Time{})
	s.lastError.Store("")
	return s, nil
}

// Name returns the source's unique name.
func (s *Source) Name() string { return s.cfg.Name }

// Kind returns the driver kind.
func (s *Source) Kind() string { return s.cfg.Kind }

// State returns the current resilience state.
func (s *Source) State() State { return State(s.state.Load()) }

// Status returns a snapshot for status reporting. It never blocks on the
// lifecycle mutex, so a restart in progress does not stall status reads.
func (s *Source) Status() Status {
	st := Status{
		Name:  s.cfg.Name,
		Kind:  s.cfg.Kind,
		State: s.State().String(),
	}
	if t, ok := s.lastEmission.Load().(time.Time); ok {
		st.LastEmission = t
	}
	if msg, ok := s.lastError.Load().(string); ok {
		st.LastError = msg
	}
	return st
}

// Start launches the source task. The task enters the connecting state
// before Start returns. Starting an already-started source is a no-op.
func (s *Source) Start(ctx context.Context, emit EmitFunc) error {
	if emit == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "source", "Start", "emit callback")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit = emit
	return s.startLocked(ctx)
}

func (s *Source) startLocked(ctx context.Context) error {
	if s.done != nil {
		return nil
	}
	if s.emit == nil {
		return errors.Wrap(errors.ErrNotStarted, "source", "Start", "no emit callback")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.setState(StateConnecting)

	go s.run(runCtx, s.done, s.emit)
	return nil
}

// Stop cancels the task and waits up to timeout for it to acknowledge. On
// timeout the task keeps its slot, so a later Stop or Restart waits for the
// same task instead of racing a second one.
func (s *Source) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(timeout)
}

func (s *Source) stopLocked(timeout time.Duration) error {
	if s.done == nil {
		return nil
	}
	s.cancel()

	select {
	case <-s.done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"source", "Stop", "await task exit")
	}
	s.cancel, s.done = nil, nil
	return nil
}

// Restart stops the running task, waits for it to terminate, and starts a
// replacement with fresh resilience state. It returns once the new task has
// entered the connecting state. Concurrent restarts of the same source
// serialize on the lifecycle mutex.
func (s *Source) Restart(ctx context.Context, stopTimeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopLocked(stopTimeout); err != nil {
		return errors.Wrap(err, "source", "Restart", "stop previous task")
	}
	return s.startLocked(ctx)
}

// run is the task body. One invocation per Start/Restart; the done channel
// closes when the task has fully terminated, acknowledging cancellation.
func (s *Source) run(ctx context.Context, done chan struct{}, emit EmitFunc) {
	defer close(done)
	defer s.setState(StateStopped)

	logger := s.logger.With("task", uuid.NewString())
	logger.Info("Source task started",
		"bucket", s.cfg.Bucket,
		"interval", s.cfg.Interval)

	backoff := retry.NewBackoff(s.cfg.Backoff)
	for {
		s.setState(StateConnecting)
		if !s.connect(ctx, logger, backoff) {
			logger.Info("Source task stopped")
			return
		}
		backoff.Reset()
		s.setState(StateRunning)
		logger.Info("Source connected")

		if s.cfg.Interval > 0 {
			s.pollLoop(ctx, logger, emit)
		} else {
			s.pushLoop(ctx, logger, emit)
		}

		if err := s.driver.Close(); err != nil {
			logger.Warn("Driver close failed", "error", err)
		}
		if ctx.Err() != nil {
			logger.Info("Source task stopped")
			return
		}
		if s.metrics != nil {
			s.metrics.reconnects.Inc()
		}
		logger.Warn("Session ended, reconnecting")
	}
}

// connect tries the driver until a session is established or ctx is done.
// Reports whether a session was established.
func (s *Source) connect(ctx context.Context, logger *slog.Logger, backoff *retry.Backoff) bool {
	for {
		if ctx.Err() != nil {
			return false
		}

		connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		err := s.driver.Connect(connectCtx)
		cancel()
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		s.recordError(err)
		if s.metrics != nil {
			s.metrics.connectFailures.Inc()
		}
		delay := backoff.Next()
		logger.Warn("Connect failed, backing off",
			"error", err,
			"attempt", backoff.Attempts(),
			"retry_in", delay)
		if !retry.Sleep(ctx, delay) {
			return false
		}
	}
}

// pollLoop reads the driver once per interval, starting immediately.
func (s *Source) pollLoop(ctx context.Context, logger *slog.Logger, emit EmitFunc) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		readCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
		batch, err := s.driver.ReadOrWait(readCtx)
		cancel()
		if !s.handleRead(ctx, batch, err, logger, emit, &failures) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pushLoop blocks on the driver's subscription and emits whatever arrives.
func (s *Source) pushLoop(ctx context.Context, logger *slog.Logger, emit EmitFunc) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := s.driver.ReadOrWait(ctx)
		if !s.handleRead(ctx, batch, err, logger, emit, &failures) {
			return
		}
	}
}

// handleRead applies the failure accounting shared by both disciplines.
// Reports whether the session should continue.
func (s *Source) handleRead(ctx context.Context, batch *point.Batch, err error,
	logger *slog.Logger, emit EmitFunc, failures *int) bool {

	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		s.recordError(err)
		if s.metrics != nil {
			s.metrics.readFailures.Inc()
		}
		if errors.IsConnection(err) {
			logger.Warn("Connection lost during read", "error", err)
			return false
		}
		*failures++
		if *failures >= s.cfg.MaxConsecutiveFailures {
			logger.Warn("Consecutive read failures force reconnect",
				"failures", *failures,
				"error", err)
			return false
		}
		logger.Debug("Read failed",
			"consecutive", *failures,
			"error", err)
		return true
	}

	*failures = 0
	if batch == nil || batch.Len() == 0 {
		return true
	}
	s.publish(batch, emit)
	return true
}

// publish finalizes a batch and hands it off: provenance, default bucket,
// default tags, timestamps for points the driver left unstamped.
func (s *Source) publish(batch *point.Batch, emit EmitFunc) {
	batch.Source = s.cfg.Name
	if batch.Bucket == "" {
		batch.Bucket = s.cfg.Bucket
	}

	now := s.clock.Now()
	for i := range batch.Points {
		p := &batch.Points[i]
		if p.Timestamp.IsZero() {
			p.Timestamp = now
		}
		if len(s.cfg.Tags) > 0 {
			p.Tags = s.cfg.Tags.Merge(p.Tags)
		}
	}

	s.lastEmission.Store(now)
	if s.metrics != nil {
		s.metrics.batchesEmitted.Inc()
		s.metrics.pointsEmitted.Add(float64(batch.Len()))
		s.metrics.lastEmission.Set(float64(now.Unix()))
	}
	emit(batch)
}

func (s *Source) setState(st State) {
	s.state.Store(int32(st))
	if s.metrics != nil {
		s.metrics.state.Set(float64(st))
	}
}

func (s *Source) recordError(err error) {
	s.lastError.Store(err.Error())
}
