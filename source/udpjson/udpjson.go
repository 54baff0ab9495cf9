// Package udpjson ingests JSON datagrams pushed by instruments on the
// local network.
//
// Each datagram is either a structured reading ({"measurement": ...,
// "fields": {...}, "tags": {...}, "timestamp": ...}), a bare object whose
// scalar keys become fields, or a JSON array of either. Senders fire and
// forget; a datagram that does not parse is dropped with an error and the
// socket keeps listening.
package udpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/pkg/timeutil"
	"github.com/sdss/cerebro/point"
	"github.com/sdss/cerebro/source"
)

// Kind is the catalog name of this driver.
const Kind = "udp-json"

// pollDeadline is how often a blocked read checks for cancellation.
const pollDeadline = 100 * time.Millisecond

// Config holds driver settings.
type Config struct {
	// Listen is the UDP address to bind, e.g. ":8094".
	Listen string `yaml:"listen"`
	// MaxPacketSize caps one datagram in bytes.
	MaxPacketSize int `yaml:"max_packet_size"`
	// Measurement is used when a datagram does not carry its own.
	Measurement string `yaml:"measurement"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "udpjson", "Validate", "listen")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = 65536
	}
	if c.Measurement == "" {
		c.Measurement = "udp"
	}
	return c
}

// entry is the structured datagram form.
type entry struct {
	Measurement string            `json:"measurement"`
	Fields      map[string]any    `json:"fields"`
	Tags        map[string]string `json:"tags"`
	Timestamp   any               `json:"timestamp"`
}

// Driver listens for datagrams. One session is one bound socket.
type Driver struct {
	cfg    Config
	logger *slog.Logger
	conn   net.PacketConn
	buf    []byte
}

// New prepares a driver.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "udpjson"),
	}, nil
}

// Create builds a driver from its yaml config node.
func Create(node *yaml.Node, logger *slog.Logger) (source.Driver, error) {
	var cfg Config
	if node != nil {
		if err := node.Decode(&cfg); err != nil {
			return nil, errors.WrapFatal(err, "udpjson", "Create", "decode config")
		}
	}
	return New(cfg, logger)
}

// Connect binds the listening socket.
func (d *Driver) Connect(ctx context.Context) error {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", d.cfg.Listen)
	if err != nil {
		return errors.WrapConnection(err, "udpjson", "Connect", "bind "+d.cfg.Listen)
	}
	d.conn = conn
	d.buf = make([]byte, d.cfg.MaxPacketSize)
	d.logger.Debug("Listening", "address", conn.LocalAddr())
	return nil
}

// Addr reports the bound address, useful when listening on port 0.
func (d *Driver) Addr() net.Addr {
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// ReadOrWait blocks until a datagram arrives or ctx is done. Short read
// deadlines keep the blocked read responsive to cancellation.
func (d *Driver) ReadOrWait(ctx context.Context) (*point.Batch, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_ = d.conn.SetReadDeadline(time.Now().Add(pollDeadline))
		n, _, err := d.conn.ReadFrom(d.buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return nil, errors.WrapConnection(err, "udpjson", "ReadOrWait", "read datagram")
		}
		return d.decode(d.buf[:n])
	}
}

// Close releases the socket.
func (d *Driver) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

func (d *Driver) decode(data []byte) (*point.Batch, error) {
	data = bytes.TrimSpace(data)
	var raws []json.RawMessage
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, errors.WrapProtocol(err, "udpjson", "decode", "unmarshal array")
		}
	} else {
		raws = []json.RawMessage{data}
	}

	points := make([]point.Point, 0, len(raws))
	for _, raw := range raws {
		p, err := d.decodeOne(raw)
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

func (d *Driver) decodeOne(raw json.RawMessage) (point.Point, error) {
	var e entry
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

	// Flat form: scalar keys become fields, well-known keys are lifted.
	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		return point.Point{}, errors.WrapProtocol(err, "udpjson", "decode", "unmarshal datagram")
	}

	measurement := d.cfg.Measurement
	var ts time.Time
	fields := point.Fields{}
	for k, v := range flat {
		switch k {
		case "measurement", "name":
			if s, ok := v.(string); ok {
				measurement = s
				continue
			}
		case "timestamp", "time":
			if parsed, ok := timeutil.ParseTime(v); ok {
				ts = parsed
				continue
			}
		}
		switch v.(type) {
		case map[string]any, []any:
			continue
		}
		fields[k] = v
	}
	if len(fields) == 0 {
		return point.Point{}, errors.WrapProtocol(fmt.Errorf("datagram carries no fields"),
			"udpjson", "decode", "extract fields")
	}

	p := point.New(measurement, fields, nil)
	p.Timestamp = ts
	return p, nil
}
