// Package sink provides the observer runtime: the Backend contract that
// wire clients implement and the Sink wrapper that buffers accepted points
// and flushes them to the backend in the background.
//
// Accept never blocks on network I/O. Points are staged in one bounded ring
// per bucket; a flush task drains the rings on an interval, or earlier when
// a buffer crosses the flush threshold. A failed write puts the drained
// points back at the front of their ring and backs off that bucket alone,
// so one unreachable destination does not stall the others. When a ring is
// full the overflow policy drops points, and every drop is counted.
package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/metric"
	"github.com/sdss/cerebro/pkg/buffer"
	"github.com/sdss/cerebro/pkg/clock"
	"github.com/sdss/cerebro/pkg/retry"
	"github.com/sdss/cerebro/point"
)

// Backend is the wire half of a sink. Write persists points into one bucket
// and must honor ctx's deadline. Implementations are called from a single
// flush goroutine per sink. A backend that holds a connection may implement
// io.Closer; Stop closes it after the final flush.
type Backend interface {
	Write(ctx context.Context, bucket string, points []point.Point) error
}

// Config holds the backend-independent settings of a sink.
type Config struct {
	// Name uniquely identifies the sink within one hub.
	Name string
	// Kind names the backend kind ("influxdb", "file", ...).
	Kind string
	// BufferSize caps each bucket's staging ring, in points.
	BufferSize int
	// FlushInterval is the cadence of the background flush.
	FlushInterval time.Duration
	// FlushThreshold triggers an early flush once a bucket stages this
	// many points. Zero keeps flushing purely interval-driven.
	FlushThreshold int
	// MaxBatchSize caps the points sent in one backend write.
	MaxBatchSize int
	// WriteTimeout bounds each backend write.
	WriteTimeout time.Duration
	// Backoff shapes the per-bucket retry delays after failed writes.
	Backoff retry.BackoffConfig
	// Policy selects which points to drop when a ring is full.
	Policy buffer.OverflowPolicy
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "sink", "Validate", "name")
	}
	if c.Kind == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "sink", "Validate", "kind")
	}
	if c.BufferSize < 0 {
		return errors.WrapFatal(fmt.Errorf("negative buffer size %d", c.BufferSize),
			"sink", "Validate", "buffer size")
	}
	if c.FlushInterval < 0 {
		return errors.WrapFatal(fmt.Errorf("negative flush interval %v", c.FlushInterval),
			"sink", "Validate", "flush interval")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 500
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Status is a point-in-time snapshot of one sink for status reporting.
type Status struct {
	Name          string    `json:"name"`
	Kind          string    `json:"kind"`
	BufferedCount int       `json:"buffered_count"`
	LastFlush     time.Time `json:"last_flush,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	Dropped       uint64    `json:"dropped"`
}

// Deps holds runtime dependencies for a Sink.
type Deps struct {
	Backend Backend
	Logger  *slog.Logger
	Clock   clock.Clock
	Metrics *metric.Registry
}

// Sink buffers accepted points per bucket and flushes them to a Backend.
type Sink struct {
	cfg     Config
	backend Backend
	logger  *slog.Logger
	clock   clock.Clock
	metrics *sinkMetrics

	// bucketsMu guards the map only; each ring has its own lock and the
	// flush bookkeeping inside bucketBuffer belongs to the flush task.
	bucketsMu sync.RWMutex
	buckets   map[string]*bucketBuffer

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}

	wake chan struct{}

	lastFlush atomic.Value // time.Time
	lastError atomic.Value // string
	dropped   atomic.Uint64
}

// bucketBuffer stages one bucket's points. nextAttempt and backoff are
// touched only by the flush task.
type bucketBuffer struct {
	ring        *buffer.Ring[point.Point]
	backoff     *retry.Backoff
	nextAttempt time.Time
}

// New creates a Sink around a backend. It does not start the flush task.
func New(cfg Config, deps Deps) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Backend == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "sink", "New", "backend")
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
	metrics, err := newSinkMetrics(deps.Metrics, cfg.Name)
	if err != nil {
		return nil, err
	}

	s := &Sink{
		cfg:     cfg,
		backend: deps.Backend,
		logger:  logger.With("component", "sink", "sink", cfg.Name, "kind", cfg.Kind),
		clock:   clk,
		metrics: metrics,
		buckets: make(map[string]*bucketBuffer),
		wake:    make(chan struct{}, 1),
	}
	s.lastFlush.Store(time.Time{})
	s.lastError.Store("")
	return s, nil
}

// Name returns the sink's unique name.
func (s *Sink) Name() string { return s.cfg.Name }

// Kind returns the backend kind.
func (s *Sink) Kind() string { return s.cfg.Kind }

// Status returns a snapshot for status reporting.
func (s *Sink) Status() Status {
	st := Status{
		Name:          s.cfg.Name,
		Kind:          s.cfg.Kind,
		BufferedCount: s.Buffered(),
		Dropped:       s.dropped.Load(),
	}
	if t, ok := s.lastFlush.Load().(time.Time); ok {
		st.LastFlush = t
	}
	if msg, ok := s.lastError.Load().(string); ok {
		st.LastError = msg
	}
	return st
}

// Buffered returns the total points staged across all buckets.
func (s *Sink) Buffered() int {
	s.bucketsMu.RLock()
	defer s.bucketsMu.RUnlock()
	total := 0
	for _, bb := range s.buckets {
		total += bb.ring.Size()
	}
	return total
}

// Accept stages a batch's points for its bucket. It never blocks on the
// backend: when the bucket's ring is full the overflow policy applies and
// dropped points are counted. Safe for concurrent callers.
func (s *Sink) Accept(batch *point.Batch) {
	if batch == nil || batch.Len() == 0 {
		return
	}
	bb := s.bucket(batch.Bucket)
	for _, p := range batch.Points {
		bb.ring.Write(p)
	}

	if s.metrics != nil {
		s.metrics.pointsAccepted.Add(float64(batch.Len()))
		s.metrics.buffered.WithLabelValues(batch.Bucket).Set(float64(bb.ring.Size()))
	}

	if s.cfg.FlushThreshold > 0 && bb.ring.Size() >= s.cfg.FlushThreshold {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// bucket returns the staging buffer for a bucket, creating it on first use.
func (s *Sink) bucket(name string) *bucketBuffer {
	s.bucketsMu.RLock()
	bb, ok := s.buckets[name]
	s.bucketsMu.RUnlock()
	if ok {
		return bb
	}

	s.bucketsMu.Lock()
	defer s.bucketsMu.Unlock()
	if bb, ok = s.buckets[name]; ok {
		return bb
	}

	bucketName := name
	bb = &bucketBuffer{
		ring: buffer.New[point.Point](s.cfg.BufferSize,
			buffer.WithPolicy[point.Point](s.cfg.Policy),
			buffer.WithDropCallback[point.Point](func(point.Point) {
				s.dropped.Add(1)
				if s.metrics != nil {
					s.metrics.droppedPoints.WithLabelValues(bucketName).Inc()
				}
			})),
		backoff: retry.NewBackoff(s.cfg.Backoff),
	}
	s.buckets[name] = bb
	return bb
}

// Start launches the flush task. Starting an already-started sink is a
// no-op.
func (s *Sink) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.done != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)

	s.logger.Info("Sink started",
		"buffer_size", s.cfg.BufferSize,
		"flush_interval", s.cfg.FlushInterval,
		"policy", s.cfg.Policy)
	return nil
}

// Stop cancels the flush task, waits for it to exit, then attempts one
// final best-effort flush of everything still buffered. The whole sequence
// is bounded by timeout.
func (s *Sink) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.done == nil {
		return nil
	}

	deadline := time.Now().Add(timeout)
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(time.Until(deadline)):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"sink", "Stop", "await flush task")
	}
	s.cancel, s.done = nil, nil

	flushCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	s.finalFlush(flushCtx)

	if closer, ok := s.backend.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.logger.Warn("Backend close failed", "error", err)
		}
	}
	return nil
}

// run is the flush task body.
func (s *Sink) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.flushAll(ctx, false)
	}
}

// flushAll flushes every bucket that has work and is not in a backoff wait.
// Buckets are visited in name order; each failure gates only its own
// bucket.
func (s *Sink) flushAll(ctx context.Context, force bool) {
	s.bucketsMu.RLock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	s.bucketsMu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		s.bucketsMu.RLock()
		bb := s.buckets[name]
		s.bucketsMu.RUnlock()
		s.flushBucket(ctx, name, bb, force)
	}
}

// flushBucket drains one bucket in MaxBatchSize chunks until it is empty or
// a write fails. force skips the backoff gate for the final flush.
func (s *Sink) flushBucket(ctx context.Context, bucket string, bb *bucketBuffer, force bool) {
	if !force && time.Now().Before(bb.nextAttempt) {
		return
	}

	for !bb.ring.IsEmpty() {
		if ctx.Err() != nil {
			return
		}
		points := bb.ring.ReadBatch(s.cfg.MaxBatchSize)
		if len(points) == 0 {
			return
		}

		writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		err := s.backend.Write(writeCtx, bucket, points)
		cancel()

		if err != nil {
			s.lastError.Store(err.Error())
			if s.metrics != nil {
				s.metrics.writeFailures.Inc()
			}
			bb.ring.Requeue(points)

			delay := bb.backoff.Next()
			bb.nextAttempt = time.Now().Add(delay)
			s.logger.Warn("Backend write failed, points requeued",
				"bucket", bucket,
				"points", len(points),
				"retry_in", delay,
				"error", err)
			return
		}

		bb.backoff.Reset()
		bb.nextAttempt = time.Time{}
		s.lastError.Store("")

		now := s.clock.Now()
		s.lastFlush.Store(now)
		if s.metrics != nil {
			s.metrics.pointsWritten.Add(float64(len(points)))
			s.metrics.flushes.Inc()
			s.metrics.lastFlush.Set(float64(now.Unix()))
			s.metrics.buffered.WithLabelValues(bucket).Set(float64(bb.ring.Size()))
		}
	}
}

// finalFlush tries to empty every bucket once, ignoring backoff gates.
func (s *Sink) finalFlush(ctx context.Context) {
	s.flushAll(ctx, true)
	if remaining := s.Buffered(); remaining > 0 {
		s.logger.Warn("Final flush left points behind", "points", remaining)
	} else {
		s.logger.Info("Final flush completed")
	}
}
