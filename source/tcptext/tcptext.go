// Package tcptext reads line-oriented ASCII devices over TCP.
//
// Most observatory hardware fronted by a terminal server speaks this shape
// of protocol: the client sends a short query, the device answers with one
// formatted line. The driver sends the configured query each poll, matches
// the reply against a regular expression and turns the named capture groups
// into point fields.
package tcptext

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/point"
	"github.com/sdss/cerebro/source"
)

// Kind is the catalog name of this driver.
const Kind = "tcp-text"

// Config holds driver settings.
type Config struct {
	// Address is the host:port of the device's terminal server.
	Address string `yaml:"address"`
	// Query is sent before each read. Empty means the device volunteers
	// lines on its own.
	Query string `yaml:"query"`
	// Pattern parses the reply line. Named capture groups become fields,
	// or tags when listed in tag_groups.
	Pattern string `yaml:"pattern"`
	// Measurement names the emitted measurement.
	Measurement string `yaml:"measurement"`
	// Types coerces capture groups: "float", "int", "bool" or "string".
	// Unlisted groups are tried as int, float, bool, then string.
	Types map[string]string `yaml:"types"`
	// TagGroups lists capture groups emitted as tags instead of fields.
	TagGroups []string `yaml:"tag_groups"`
	// SkipUnchanged drops a reading identical to the previous one, for
	// devices that keep repeating a stale report.
	SkipUnchanged bool `yaml:"skip_unchanged"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Address == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "tcptext", "Validate", "address")
	}
	if c.Pattern == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "tcptext", "Validate", "pattern")
	}
	if c.Measurement == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "tcptext", "Validate", "measurement")
	}
	for group, typ := range c.Types {
		switch typ {
		case "float", "int", "bool", "string":
		default:
			return errors.WrapFatal(fmt.Errorf("group %q has unknown type %q", group, typ),
				"tcptext", "Validate", "types")
		}
	}
	return nil
}

// Driver speaks the query/response protocol. One session is one TCP
// connection.
type Driver struct {
	cfg    Config
	logger *slog.Logger
	re     *regexp.Regexp
	tagSet map[string]bool

	conn   net.Conn
	reader *bufio.Reader
	last   point.Fields
}

// New compiles the reply pattern and prepares a driver.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(cfg.Pattern)
	if err != nil {
		return nil, errors.WrapFatal(err, "tcptext", "New", "compile pattern")
	}

	tagSet := make(map[string]bool, len(cfg.TagGroups))
	for _, group := range cfg.TagGroups {
		tagSet[group] = true
	}
	fieldGroups := 0
	for _, name := range re.SubexpNames() {
		if name != "" && !tagSet[name] {
			fieldGroups++
		}
	}
	if fieldGroups == 0 {
		return nil, errors.WrapFatal(fmt.Errorf("pattern %q has no named field groups", cfg.Pattern),
			"tcptext", "New", "check pattern")
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:    cfg,
		logger: logger.With("component", "tcptext"),
		re:     re,
		tagSet: tagSet,
	}, nil
}

// Create builds a driver from its yaml config node.
func Create(node *yaml.Node, logger *slog.Logger) (source.Driver, error) {
	var cfg Config
	if node != nil {
		if err := node.Decode(&cfg); err != nil {
			return nil, errors.WrapFatal(err, "tcptext", "Create", "decode config")
		}
	}
	return New(cfg, logger)
}

// Connect dials the device.
func (d *Driver) Connect(ctx context.Context) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.cfg.Address)
	if err != nil {
		return errors.WrapConnection(err, "tcptext", "Connect", "dial "+d.cfg.Address)
	}
	d.conn = conn
	d.reader = bufio.NewReader(conn)
	d.logger.Debug("Connected", "address", d.cfg.Address)
	return nil
}

// ReadOrWait sends the query, reads one reply line and parses it. The read
// deadline comes from ctx.
func (d *Driver) ReadOrWait(ctx context.Context) (*point.Batch, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = d.conn.SetDeadline(deadline)
	}

	if d.cfg.Query != "" {
		// A reply that arrived after a previous read timed out would be
		// matched against the wrong query; throw stale bytes away first.
		if n := d.reader.Buffered(); n > 0 {
			_, _ = d.reader.Discard(n)
		}
		if _, err := d.conn.Write([]byte(d.cfg.Query + "\r\n")); err != nil {
			return nil, errors.WrapConnection(err, "tcptext", "ReadOrWait", "send query")
		}
	}

	line, err := d.reader.ReadString('\n')
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, errors.WrapTransient(errors.ErrConnectionTimeout, "tcptext", "ReadOrWait", "read reply")
		}
		return nil, errors.WrapConnection(err, "tcptext", "ReadOrWait", "read reply")
	}
	return d.parse(strings.TrimRight(line, "\r\n"))
}

// Close tears the connection down. The next Connect starts fresh.
func (d *Driver) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	d.reader = nil
	return err
}

func (d *Driver) parse(line string) (*point.Batch, error) {
	match := d.re.FindStringSubmatch(line)
	if match == nil {
		return nil, errors.WrapProtocol(fmt.Errorf("reply %q does not match pattern", line),
			"tcptext", "parse", "match reply")
	}

	fields := point.Fields{}
	var tags point.Tags
	for i, name := range d.re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		if d.tagSet[name] {
			if tags == nil {
				tags = point.Tags{}
			}
			tags[name] = match[i]
			continue
		}
		value, err := coerce(match[i], d.cfg.Types[name])
		if err != nil {
			return nil, errors.WrapProtocol(fmt.Errorf("group %q: %w", name, err),
				"tcptext", "parse", "coerce value")
		}
		fields[name] = value
	}

	if d.cfg.SkipUnchanged && fieldsEqual(fields, d.last) {
		return nil, nil
	}
	d.last = fields

	return point.NewBatch("", point.New(d.cfg.Measurement, fields, tags)), nil
}

func coerce(raw, typ string) (any, error) {
	switch typ {
	case "int":
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		return v, nil
	case "float":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, err
		}
		return v, nil
	case "bool":
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, err
		}
		return v, nil
	case "string":
		return raw, nil
	default:
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v, nil
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v, nil
		}
		if v, err := strconv.ParseBool(raw); err == nil {
			return v, nil
		}
		return raw, nil
	}
}

func fieldsEqual(a, b point.Fields) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
