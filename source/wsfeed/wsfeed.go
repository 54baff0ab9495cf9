// Package wsfeed subscribes to a websocket event feed.
//
// The remote pushes JSON events as they happen; the driver holds one
// long-lived connection, keeps it alive with pings and hands every event
// to the producer as a batch. A missed pong or any read error ends the
// session and the producer reconnects with backoff.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/pkg/timeutil"
	"github.com/sdss/cerebro/point"
	"github.com/sdss/cerebro/source"
)

// Kind is the catalog name of this driver.
const Kind = "ws-feed"

// writeWait bounds control frame writes.
const writeWait = 5 * time.Second

// Config holds driver settings.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string `yaml:"url"`
	// Headers are sent with the handshake request.
	Headers map[string]string `yaml:"headers"`
	// HandshakeTimeout bounds the dial.
	HandshakeTimeout timeutil.Duration `yaml:"handshake_timeout"`
	// PingInterval is the keepalive cadence. Zero disables pings and the
	// read deadline, leaving dead-link detection to TCP.
	PingInterval timeutil.Duration `yaml:"ping_interval"`
	// PongTimeout is the grace after a ping before the link counts as
	// dead.
	PongTimeout timeutil.Duration `yaml:"pong_timeout"`
	// ReadLimit caps one message in bytes.
	ReadLimit int64 `yaml:"read_limit"`
	// Measurement is used when an event does not carry its own.
	Measurement string `yaml:"measurement"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "wsfeed", "Validate", "url")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = timeutil.Duration(10 * time.Second)
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = timeutil.Duration(10 * time.Second)
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.Measurement == "" {
		c.Measurement = "event"
	}
	return c
}

// event is the structured message form.
type event struct {
	Measurement string            `json:"measurement"`
	Fields      map[string]any    `json:"fields"`
	Tags        map[string]string `json:"tags"`
	Timestamp   any               `json:"timestamp"`
}

// Driver holds one feed connection per session.
type Driver struct {
	cfg    Config
	logger *slog.Logger
	dialer *websocket.Dialer

	conn     *websocket.Conn
	pingStop chan struct{}
	pingDone chan struct{}
}

// New prepares a driver.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &Driver{
		cfg:    cfg,
		logger: logger.With("component", "wsfeed"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout.Std(),
		},
	}, nil
}

// Create builds a driver from its yaml config node.
func Create(node *yaml.Node, logger *slog.Logger) (source.Driver, error) {
	var cfg Config
	if node != nil {
		if err := node.Decode(&cfg); err != nil {
			return nil, errors.WrapFatal(err, "wsfeed", "Create", "decode config")
		}
	}
	return New(cfg, logger)
}

// Connect dials the feed and starts the keepalive loop.
func (d *Driver) Connect(ctx context.Context) error {
	header := http.Header{}
	for key, value := range d.cfg.Headers {
		header.Set(key, value)
	}

	conn, _, err := d.dialer.DialContext(ctx, d.cfg.URL, header)
	if err != nil {
		return errors.WrapConnection(err, "wsfeed", "Connect", "dial "+d.cfg.URL)
	}
	conn.SetReadLimit(d.cfg.ReadLimit)

	if d.cfg.PingInterval > 0 {
		wait := d.cfg.PingInterval.Std() + d.cfg.PongTimeout.Std()
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
		d.pingStop = make(chan struct{})
		d.pingDone = make(chan struct{})
		go d.pingLoop(conn, d.pingStop, d.pingDone)
	}

	d.conn = conn
	d.logger.Debug("Feed connected", "url", d.cfg.URL)
	return nil
}

// ReadOrWait blocks until the feed delivers an event or ctx is done.
func (d *Driver) ReadOrWait(ctx context.Context) (*point.Batch, error) {
	conn := d.conn
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			// Unblock the pending read.
			_ = conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	_, data, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.WrapConnection(err, "wsfeed", "ReadOrWait", "read event")
	}
	return d.decode(data)
}

// Close stops the keepalive, says goodbye and drops the connection.
func (d *Driver) Close() error {
	if d.pingStop != nil {
		close(d.pingStop)
		<-d.pingDone
		d.pingStop, d.pingDone = nil, nil
	}
	if d.conn == nil {
		return nil
	}
	_ = d.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	err := d.conn.Close()
	d.conn = nil
	return err
}

func (d *Driver) pingLoop(conn *websocket.Conn, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.cfg.PingInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (d *Driver) decode(data []byte) (*point.Batch, error) {
	var raws []json.RawMessage
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, errors.WrapProtocol(err, "wsfeed", "decode", "unmarshal array")
		}
	} else {
		raws = []json.RawMessage{data}
	}

	points := make([]point.Point, 0, len(raws))
	for _, raw := range raws {
		p, err := d.decodeEvent(raw)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if len(points) == 0 {
		return nil, nil
	}
	return point.NewBatch("", points...), nil
}

func (d *Driver) decodeEvent(raw json.RawMessage) (point.Point, error) {
	var e event
	if err := json.Unmarshal(raw, &e); err == nil && len(e.Fields) > 0 {
		measurement := e.Measurement
		if measurement == "" {
			measurement = d.cfg.Measurement
		}
		p := point.New(measurement, e.Fields, point.Tags(e.Tags))
		if ts, ok := timeutil.ParseTime(e.Timestamp); ok {
			p.Timestamp = ts
		}
		return p, nil
	}

	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		return point.Point{}, errors.WrapProtocol(err, "wsfeed", "decode", "unmarshal event")
	}
	fields := point.Fields{}
	for key, value := range flat {
		switch value.(type) {
		case map[string]any, []any, nil:
			continue
		}
		fields[key] = value
	}
	if len(fields) == 0 {
		return point.Point{}, errors.WrapProtocol(fmt.Errorf("event carries no fields"),
			"wsfeed", "decode", "extract fields")
	}
	return point.New(d.cfg.Measurement, fields, nil), nil
}
