// Package influx writes points to the InfluxDB v2 HTTP write API as line
// protocol.
package influx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/point"
	"github.com/sdss/cerebro/sink"
)

// Kind is the catalog name of this backend.
const Kind = "influxdb"

// DefaultTokenEnv is the environment variable consulted when no token is
// configured, matching the influx CLI convention.
const DefaultTokenEnv = "INFLUXDB_V2_TOKEN"

// Config holds backend settings.
type Config struct {
	// URL is the server base, e.g. "http://localhost:8086".
	URL string `yaml:"url"`
	// Org is the InfluxDB organization.
	Org string `yaml:"org"`
	// Token authenticates writes. Empty falls back to TokenEnv.
	Token string `yaml:"token"`
	// TokenEnv names the environment variable holding the token.
	TokenEnv string `yaml:"token_env"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "influx", "Validate", "url")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return errors.WrapFatal(err, "influx", "Validate", "url")
	}
	if c.Org == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "influx", "Validate", "org")
	}
	return nil
}

// Backend posts line protocol to one InfluxDB server. The bucket of each
// write selects the target bucket, so one backend serves every bucket the
// producers route to.
type Backend struct {
	logger    *slog.Logger
	client    *http.Client
	token     string
	writeBase string
}

// New creates a backend.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	token := cfg.Token
	if token == "" {
		env := cfg.TokenEnv
		if env == "" {
			env = DefaultTokenEnv
		}
		token = os.Getenv(env)
	}

	query := url.Values{}
	query.Set("org", cfg.Org)
	query.Set("precision", "ns")

	return &Backend{
		logger:    logger.With("component", "influx"),
		client:    &http.Client{},
		token:     token,
		writeBase: strings.TrimRight(cfg.URL, "/") + "/api/v2/write?" + query.Encode(),
	}, nil
}

// Create builds a backend from its yaml config node.
func Create(node *yaml.Node, logger *slog.Logger) (sink.Backend, error) {
	var cfg Config
	if node != nil {
		if err := node.Decode(&cfg); err != nil {
			return nil, errors.WrapFatal(err, "influx", "Create", "decode config")
		}
	}
	return New(cfg, logger)
}

// Write posts the points to the bucket. Any non-2xx reply or transport
// failure is a write error carrying the status and a body excerpt.
func (b *Backend) Write(ctx context.Context, bucket string, points []point.Point) error {
	body, skipped := point.EncodeLinesLenient(points)
	if skipped > 0 {
		b.logger.Warn("Skipped unencodable points", "bucket", bucket, "skipped", skipped)
	}
	if len(body) == 0 {
		return nil
	}

	target := b.writeBase + "&bucket=" + url.QueryEscape(bucket)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return errors.WrapWrite(err, "influx", "Write", "build request")
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if b.token != "" {
		req.Header.Set("Authorization", "Token "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return errors.WrapWrite(err, "influx", "Write", "post to bucket "+bucket)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return errors.WrapWrite(
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt))),
			"influx", "Write", "post to bucket "+bucket)
	}

	// Drain the body so the connection is reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
