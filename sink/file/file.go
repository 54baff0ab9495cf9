// Package file appends points to per-bucket line-protocol files. It serves
// as a local spool when no database is reachable and as a plain-text tap
// for debugging a deployment.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/point"
	"github.com/sdss/cerebro/sink"
)

// Kind is the catalog name of this backend.
const Kind = "file"

// Config holds backend settings.
type Config struct {
	// Dir receives one {bucket}.lp file per bucket.
	Dir string `yaml:"dir"`
	// Fsync forces a sync after every write. Slower, survives power loss.
	Fsync bool `yaml:"fsync"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Dir == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "file", "Validate", "dir")
	}
	return nil
}

// Backend appends line protocol to one file per bucket. Files are opened
// per write so a rotated or deleted file heals on the next flush.
type Backend struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a backend and its target directory.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "file", "New", "create "+cfg.Dir)
	}
	return &Backend{
		cfg:    cfg,
		logger: logger.With("component", "filesink"),
	}, nil
}

// Create builds a backend from its yaml config node.
func Create(node *yaml.Node, logger *slog.Logger) (sink.Backend, error) {
	var cfg Config
	if node != nil {
		if err := node.Decode(&cfg); err != nil {
			return nil, errors.WrapFatal(err, "file", "Create", "decode config")
		}
	}
	return New(cfg, logger)
}

// Write appends the points to {dir}/{bucket}.lp, creating it on first use.
func (b *Backend) Write(_ context.Context, bucket string, points []point.Point) error {
	if bucket == "" || bucket == ".." || strings.ContainsAny(bucket, `/\`) {
		return errors.WrapWrite(fmt.Errorf("bucket %q is not usable as a file name", bucket),
			"file", "Write", "resolve path")
	}

	body, skipped := point.EncodeLinesLenient(points)
	if skipped > 0 {
		b.logger.Warn("Skipped unencodable points", "bucket", bucket, "skipped", skipped)
	}
	if len(body) == 0 {
		return nil
	}

	path := filepath.Join(b.cfg.Dir, bucket+".lp")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.WrapWrite(err, "file", "Write", "open "+path)
	}

	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		return errors.WrapWrite(err, "file", "Write", "append to "+path)
	}
	if b.cfg.Fsync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return errors.WrapWrite(err, "file", "Write", "sync "+path)
		}
	}
	if err := f.Close(); err != nil {
		return errors.WrapWrite(err, "file", "Write", "close "+path)
	}
	return nil
}
