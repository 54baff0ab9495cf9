// Package natsbus consumes readings other daemons publish on a NATS bus.
//
// Payloads are JSON objects. Nested maps are flattened with "_" so a
// reading like {"motor": {"temp": 40}} becomes the field motor_temp; keys
// listed as groupers become tags instead. The measurement comes from a
// configured key or, failing that, the last token of the subject the
// message arrived on.
//
// Some producers on the bus only report when asked. The driver can
// publish commands on intervals to prompt them, which keeps the polling
// contract on the far side of the bus.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"gopkg.in/yaml.v3"

	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/pkg/timeutil"
	"github.com/sdss/cerebro/point"
	"github.com/sdss/cerebro/source"
)

// Kind is the catalog name of this driver.
const Kind = "nats-bus"

// Command prompts a producer that only reports on request: Payload is
// published on Subject every Interval while the session is up.
type Command struct {
	Subject  string            `yaml:"subject"`
	Payload  string            `yaml:"payload"`
	Interval timeutil.Duration `yaml:"interval"`
}

// Config holds driver settings.
type Config struct {
	// URL is the NATS server, e.g. "nats://localhost:4222".
	URL string `yaml:"url"`
	// Subjects to subscribe to. Wildcards are fine.
	Subjects []string `yaml:"subjects"`
	// QueueGroup, when set, load-balances across daemon replicas.
	QueueGroup string `yaml:"queue_group"`
	// MeasurementKey names the flattened payload key that carries the
	// measurement. Empty falls back to the subject's last token.
	MeasurementKey string `yaml:"measurement_key"`
	// Groupers lists flattened keys emitted as tags instead of fields.
	Groupers []string `yaml:"groupers"`
	// TimestampKey lifts a flattened key into the point timestamp.
	TimestampKey string `yaml:"timestamp_key"`
	// Commands are published on their intervals while the session is up.
	Commands []Command `yaml:"commands"`
	// PendingLimit caps locally queued messages per session.
	PendingLimit int `yaml:"pending_limit"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "natsbus", "Validate", "url")
	}
	if len(c.Subjects) == 0 {
		return errors.WrapFatal(errors.ErrMissingConfig, "natsbus", "Validate", "subjects")
	}
	for _, cmd := range c.Commands {
		if cmd.Subject == "" {
			return errors.WrapFatal(fmt.Errorf("command without a subject"),
				"natsbus", "Validate", "command settings")
		}
		if cmd.Interval <= 0 {
			return errors.WrapFatal(fmt.Errorf("command %s needs a positive interval", cmd.Subject),
				"natsbus", "Validate", "command settings")
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.PendingLimit <= 0 {
		c.PendingLimit = 256
	}
	return c
}

// Driver holds one bus connection per session.
type Driver struct {
	cfg        Config
	logger     *slog.Logger
	grouperSet map[string]bool

	conn    *nats.Conn
	subs    []*nats.Subscription
	msgs    chan *nats.Msg
	closed  chan struct{}
	cmdStop chan struct{}
	cmdWG   sync.WaitGroup
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

	grouperSet := make(map[string]bool, len(cfg.Groupers))
	for _, g := range cfg.Groupers {
		grouperSet[g] = true
	}

	return &Driver{
		cfg:        cfg,
		logger:     logger.With("component", "natsbus"),
		grouperSet: grouperSet,
	}, nil
}

// Create builds a driver from its yaml config node.
func Create(node *yaml.Node, logger *slog.Logger) (source.Driver, error) {
	var cfg Config
	if node != nil {
		if err := node.Decode(&cfg); err != nil {
			return nil, errors.WrapFatal(err, "natsbus", "Create", "decode config")
		}
	}
	return New(cfg, logger)
}

// Connect dials the server and subscribes. Internal reconnection is
// disabled: when the connection closes the session ends and the producer
// drives recovery, so the state machine reflects reality.
func (d *Driver) Connect(ctx context.Context) error {
	dialTimeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		dialTimeout = time.Until(deadline)
	}

	closed := make(chan struct{})
	opts := []nats.Option{
		nats.Name("cerebro-natsbus"),
		nats.Timeout(dialTimeout),
		nats.MaxReconnects(0),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	}

	conn, err := nats.Connect(d.cfg.URL, opts...)
	if err != nil {
		return errors.WrapConnection(err, "natsbus", "Connect", "dial "+d.cfg.URL)
	}

	msgs := make(chan *nats.Msg, d.cfg.PendingLimit)
	subs := make([]*nats.Subscription, 0, len(d.cfg.Subjects))
	for _, subject := range d.cfg.Subjects {
		var sub *nats.Subscription
		if d.cfg.QueueGroup != "" {
			sub, err = conn.ChanQueueSubscribe(subject, d.cfg.QueueGroup, msgs)
		} else {
			sub, err = conn.ChanSubscribe(subject, msgs)
		}
		if err != nil {
			conn.Close()
			return errors.WrapConnection(err, "natsbus", "Connect", "subscribe "+subject)
		}
		subs = append(subs, sub)
	}

	d.conn = conn
	d.subs = subs
	d.msgs = msgs
	d.closed = closed

	if len(d.cfg.Commands) > 0 {
		d.cmdStop = make(chan struct{})
		for _, cmd := range d.cfg.Commands {
			d.cmdWG.Add(1)
			go d.commandLoop(conn, cmd, d.cmdStop)
		}
	}

	d.logger.Debug("Subscribed", "url", d.cfg.URL, "subjects", d.cfg.Subjects)
	return nil
}

// ReadOrWait blocks until a message arrives, the connection dies or ctx
// is done.
func (d *Driver) ReadOrWait(ctx context.Context) (*point.Batch, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.closed:
		return nil, errors.WrapConnection(errors.ErrConnectionLost, "natsbus", "ReadOrWait", "server connection closed")
	case msg := <-d.msgs:
		return d.decode(msg)
	}
}

// Close unsubscribes and drops the connection.
func (d *Driver) Close() error {
	if d.cmdStop != nil {
		close(d.cmdStop)
		d.cmdWG.Wait()
		d.cmdStop = nil
	}
	for _, sub := range d.subs {
		_ = sub.Unsubscribe()
	}
	d.subs = nil
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	return nil
}

// commandLoop prompts producers that only report on request.
func (d *Driver) commandLoop(conn *nats.Conn, cmd Command, stop chan struct{}) {
	defer d.cmdWG.Done()
	ticker := time.NewTicker(cmd.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.Publish(cmd.Subject, []byte(cmd.Payload)); err != nil {
				d.logger.Debug("Command publish failed", "subject", cmd.Subject, "error", err)
				return
			}
		}
	}
}

func (d *Driver) decode(msg *nats.Msg) (*point.Batch, error) {
	var payload map[string]any
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return nil, errors.WrapProtocol(err, "natsbus", "decode", "unmarshal payload")
	}

	flat := flatten(payload)

	measurement := ""
	if d.cfg.MeasurementKey != "" {
		if v, ok := flat[d.cfg.MeasurementKey].(string); ok {
			measurement = v
		}
		delete(flat, d.cfg.MeasurementKey)
	}
	if measurement == "" {
		measurement = subjectTail(msg.Subject)
	}

	var ts time.Time
	if d.cfg.TimestampKey != "" {
		if v, ok := flat[d.cfg.TimestampKey]; ok {
			if parsed, ok := timeutil.ParseTime(v); ok {
				ts = parsed
			}
			delete(flat, d.cfg.TimestampKey)
		}
	}

	var tags point.Tags
	fields := point.Fields{}
	for key, value := range flat {
		if d.grouperSet[key] {
			if tags == nil {
				tags = point.Tags{}
			}
			tags[key] = tagValue(value)
			continue
		}
		fields[key] = value
	}
	if len(fields) == 0 {
		return nil, errors.WrapProtocol(fmt.Errorf("payload on %s carries no fields", msg.Subject),
			"natsbus", "decode", "extract fields")
	}

	p := point.New(measurement, fields, tags)
	p.Timestamp = ts
	return point.NewBatch("", p), nil
}

// flatten joins nested object keys with "_". Arrays and nulls are
// dropped; telemetry values are scalars.
func flatten(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	flattenInto(out, "", src)
	return out
}

func flattenInto(out map[string]any, prefix string, src map[string]any) {
	for key, value := range src {
		name := key
		if prefix != "" {
			name = prefix + "_" + key
		}
		switch tv := value.(type) {
		case map[string]any:
			flattenInto(out, name, tv)
		case []any, nil:
		default:
			out[name] = value
		}
	}
}

func subjectTail(subject string) string {
	if i := strings.LastIndex(subject, "."); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

func tagValue(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case float64:
		return strconv.FormatFloat(tv, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(tv)
	default:
		return fmt.Sprint(tv)
	}
}
