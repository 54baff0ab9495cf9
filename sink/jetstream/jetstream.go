// Package jetstream publishes points to a NATS JetStream stream, one
// message per bucket flush with a line-protocol payload. Downstream
// consumers replay the stream into whatever store they like.
package jetstream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	natsjs "github.com/nats-io/nats.go/jetstream"
	"gopkg.in/yaml.v3"

	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/point"
	"github.com/sdss/cerebro/sink"
)

// Kind is the catalog name of this backend.
const Kind = "jetstream"

// Config holds backend settings.
type Config struct {
	// URL is the NATS server, e.g. "nats://localhost:4222".
	URL string `yaml:"url"`
	// Stream is the JetStream stream to publish into.
	Stream string `yaml:"stream"`
	// SubjectPrefix forms publish subjects as {prefix}.{bucket}. The
	// stream is created with {prefix}.> so every bucket lands in it.
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "jetstream", "Validate", "url")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = "CEREBRO"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "cerebro"
	}
	return c
}

// Backend publishes each flush as one JetStream message and awaits the ack.
// The connection is dialed lazily on the first write and redialed after a
// failure, so a cold NATS server only delays delivery.
type Backend struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *nats.Conn
	js   natsjs.JetStream
}

// New creates a backend. No connection is made until the first write.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "jetstream"),
	}, nil
}

// Create builds a backend from its yaml config node.
func Create(node *yaml.Node, logger *slog.Logger) (sink.Backend, error) {
	var cfg Config
	if node != nil {
		if err := node.Decode(&cfg); err != nil {
			return nil, errors.WrapFatal(err, "jetstream", "Create", "decode config")
		}
	}
	return New(cfg, logger)
}

// Write publishes the points to {prefix}.{bucket} and waits for the ack.
func (b *Backend) Write(ctx context.Context, bucket string, points []point.Point) error {
	body, skipped := point.EncodeLinesLenient(points)
	if skipped > 0 {
		b.logger.Warn("Skipped unencodable points", "bucket", bucket, "skipped", skipped)
	}
	if len(body) == 0 {
		return nil
	}

	js, err := b.ensure(ctx)
	if err != nil {
		return err
	}

	subject := b.cfg.SubjectPrefix + "." + bucket
	if _, err := js.Publish(ctx, subject, body); err != nil {
		b.reset()
		return errors.WrapWrite(err, "jetstream", "Write", "publish to "+subject)
	}
	return nil
}

// Close drops the connection. Implements io.Closer for sink shutdown.
func (b *Backend) Close() error {
	b.reset()
	return nil
}

// ensure returns a live JetStream handle, dialing and preparing the stream
// when there is none.
func (b *Backend) ensure(ctx context.Context) (natsjs.JetStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil && b.conn.IsConnected() {
		return b.js, nil
	}
	b.closeLocked()

	conn, err := nats.Connect(b.cfg.URL,
		nats.Name("cerebro-jetstream"),
		nats.MaxReconnects(0),
	)
	if err != nil {
		return nil, errors.WrapWrite(err, "jetstream", "ensure", "dial "+b.cfg.URL)
	}

	js, err := natsjs.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.WrapWrite(err, "jetstream", "ensure", "jetstream context")
	}

	if _, err := js.CreateOrUpdateStream(ctx, natsjs.StreamConfig{
		Name:     b.cfg.Stream,
		Subjects: []string{b.cfg.SubjectPrefix + ".>"},
	}); err != nil {
		conn.Close()
		return nil, errors.WrapWrite(err, "jetstream", "ensure", "ensure stream "+b.cfg.Stream)
	}

	b.conn, b.js = conn, js
	b.logger.Info("JetStream ready", "url", b.cfg.URL, "stream", b.cfg.Stream)
	return js, nil
}

func (b *Backend) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

func (b *Backend) closeLocked() {
	if b.conn != nil {
		b.conn.Close()
		b.conn, b.js = nil, nil
	}
}
