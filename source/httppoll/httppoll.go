// Package httppoll polls JSON HTTP endpoints on an interval.
//
// Suits services that already expose a status document: a weather API, a
// UPS web card, another daemon's health endpoint. Each poll issues one
// request and turns the response's scalar keys into point fields, with
// optional key selection, renaming and tag lifting.
package httppoll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/pkg/timeutil"
	"github.com/sdss/cerebro/point"
	"github.com/sdss/cerebro/source"
)

// Kind is the catalog name of this driver.
const Kind = "http-poll"

// Config holds driver settings.
type Config struct {
	// URL is the endpoint to poll.
	URL string `yaml:"url"`
	// Method defaults to GET.
	Method string `yaml:"method"`
	// Headers are set on every request.
	Headers map[string]string `yaml:"headers"`
	// Measurement names the emitted measurement.
	Measurement string `yaml:"measurement"`
	// Select keeps only the listed response keys. Empty keeps everything.
	Select []string `yaml:"select"`
	// Rename maps response keys to field names.
	Rename map[string]string `yaml:"rename"`
	// TagKeys lifts response keys into tags.
	TagKeys []string `yaml:"tag_keys"`
	// TimestampKey lifts a response key into the point timestamp. The
	// value may be RFC3339 or a unix epoch in s/ms/us/ns.
	TimestampKey string `yaml:"timestamp_key"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "httppoll", "Validate", "url")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return errors.WrapFatal(err, "httppoll", "Validate", "parse url")
	}
	if c.Measurement == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "httppoll", "Validate", "measurement")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Method == "" {
		c.Method = http.MethodGet
	}
	return c
}

// Driver polls one endpoint. Sessions are notional for HTTP; Connect
// probes the endpoint so an unreachable service surfaces as connecting.
type Driver struct {
	cfg       Config
	logger    *slog.Logger
	client    *http.Client
	selectSet map[string]bool
	tagSet    map[string]bool
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

	selectSet := make(map[string]bool, len(cfg.Select))
	for _, key := range cfg.Select {
		selectSet[key] = true
	}
	tagSet := make(map[string]bool, len(cfg.TagKeys))
	for _, key := range cfg.TagKeys {
		tagSet[key] = true
	}

	return &Driver{
		cfg:       cfg,
		logger:    logger.With("component", "httppoll"),
		client:    &http.Client{},
		selectSet: selectSet,
		tagSet:    tagSet,
	}, nil
}

// Create builds a driver from its yaml config node.
func Create(node *yaml.Node, logger *slog.Logger) (source.Driver, error) {
	var cfg Config
	if node != nil {
		if err := node.Decode(&cfg); err != nil {
			return nil, errors.WrapFatal(err, "httppoll", "Create", "decode config")
		}
	}
	return New(cfg, logger)
}

// Connect probes the endpoint once and discards the response.
func (d *Driver) Connect(ctx context.Context) error {
	resp, err := d.request(ctx)
	if err != nil {
		return errors.WrapConnection(err, "httppoll", "Connect", "probe "+d.cfg.URL)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.WrapConnection(fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status),
			"httppoll", "Connect", "probe "+d.cfg.URL)
	}
	return nil
}

// ReadOrWait performs one poll. The deadline comes from ctx.
func (d *Driver) ReadOrWait(ctx context.Context) (*point.Batch, error) {
	resp, err := d.request(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.WrapTransient(err, "httppoll", "ReadOrWait", "poll timed out")
		}
		return nil, errors.WrapConnection(err, "httppoll", "ReadOrWait", "poll "+d.cfg.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, errors.WrapTransient(fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status),
			"httppoll", "ReadOrWait", "poll "+d.cfg.URL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.WrapTransient(err, "httppoll", "ReadOrWait", "read response")
	}
	return d.decode(body)
}

// Close drops pooled connections.
func (d *Driver) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

func (d *Driver) request(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, d.cfg.Method, d.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	for key, value := range d.cfg.Headers {
		req.Header.Set(key, value)
	}
	return d.client.Do(req)
}

func (d *Driver) decode(body []byte) (*point.Batch, error) {
	var raws []json.RawMessage
	trimmed := firstByte(body)
	switch trimmed {
	case '[':
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, errors.WrapProtocol(err, "httppoll", "decode", "unmarshal array")
		}
	case '{':
		raws = []json.RawMessage{body}
	default:
		return nil, errors.WrapProtocol(fmt.Errorf("response is not a JSON object or array"),
			"httppoll", "decode", "inspect response")
	}

	points := make([]point.Point, 0, len(raws))
	for _, raw := range raws {
		p, err := d.decodeObject(raw)
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

func (d *Driver) decodeObject(raw json.RawMessage) (point.Point, error) {
	var object map[string]any
	if err := json.Unmarshal(raw, &object); err != nil {
		return point.Point{}, errors.WrapProtocol(err, "httppoll", "decode", "unmarshal object")
	}

	fields := point.Fields{}
	var tags point.Tags
	var ts time.Time
	for key, value := range object {
		if key == d.cfg.TimestampKey && d.cfg.TimestampKey != "" {
			if parsed, ok := timeutil.ParseTime(value); ok {
				ts = parsed
			}
			continue
		}
		if d.tagSet[key] {
			if tags == nil {
				tags = point.Tags{}
			}
			tags[key] = tagValue(value)
			continue
		}
		if len(d.selectSet) > 0 && !d.selectSet[key] {
			continue
		}
		switch value.(type) {
		case map[string]any, []any, nil:
			continue
		}
		name := key
		if renamed, ok := d.cfg.Rename[key]; ok {
			name = renamed
		}
		fields[name] = value
	}
	if len(fields) == 0 {
		return point.Point{}, errors.WrapProtocol(fmt.Errorf("response carries no usable fields"),
			"httppoll", "decode", "extract fields")
	}

	p := point.New(d.cfg.Measurement, fields, tags)
	p.Timestamp = ts
	return p, nil
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

func firstByte(body []byte) byte {
	for _, b := range body {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b
	}
	return 0
}
