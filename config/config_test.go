package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sdss/cerebro/control"
	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/pkg/retry"
	"github.com/sdss/cerebro/pkg/timeutil"
	"github.com/sdss/cerebro/point"
	"github.com/sdss/cerebro/sink"
	"github.com/sdss/cerebro/source"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const sampleConfig = `
socket: /tmp/test-cerebro.sock
metrics_addr: localhost:9090
tags:
  observatory: apo
ntp:
  server: ntp.apo.nmsu.edu
  refresh: 10m
profiles:
  default:
    sources: [weather, enclosure]
    sinks: [store]
  minimal:
    sources: [weather]
    sinks: [store]
sources:
  weather:
    kind: fake-driver
    bucket: env
    interval: 15s
    read_timeout: 5s
    device: ws1
  enclosure:
    kind: fake-driver
    bucket: env
    interval: 30s
    device: encl
sinks:
  store:
    kind: fake-backend
    buffer_size: 5000
    flush_interval: 2s
    policy: drop_newest
    target: primary
`

func TestParse_FullFile(t *testing.T) {
	f, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test-cerebro.sock", f.Socket)
	assert.Equal(t, "localhost:9090", f.MetricsAddr)
	assert.Equal(t, point.Tags{"observatory": "apo"}, f.Tags)
	assert.Equal(t, "ntp.apo.nmsu.edu", f.NTP.Server)
	assert.Equal(t, 10*time.Minute, f.NTP.Refresh.Std())
	assert.Len(t, f.Profiles, 2)
	assert.Len(t, f.Sources, 2)
	assert.Len(t, f.Sinks, 1)
}

func TestParse_DefaultSocket(t *testing.T) {
	f, err := Parse([]byte("sources: {}\nsinks: {}\n"))
	require.NoError(t, err)
	assert.Equal(t, control.DefaultSocket, f.Socket)
}

func TestParse_ExpandsEnvironment(t *testing.T) {
	t.Setenv("CEREBRO_TEST_TOKEN", "s3cret")

	f, err := Parse([]byte(`
tags:
  token: ${CEREBRO_TEST_TOKEN}
  literal: cost$$evaluated
`))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", f.Tags["token"])
	assert.Equal(t, "cost$evaluated", f.Tags["literal"])
}

func TestParse_RejectsUnknownProfileReference(t *testing.T) {
	_, err := Parse([]byte(`
profiles:
  default:
    sources: [ghost]
sources: {}
`))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Contains(t, err.Error(), "ghost")
}

func TestParse_RejectsDuplicateProfileEntry(t *testing.T) {
	_, err := Parse([]byte(`
profiles:
  default:
    sources: [weather, weather]
sources:
  weather:
    kind: fake-driver
`))
	require.Error(t, err)
	require.ErrorIs(t, err, errors.ErrDuplicateName)
}

func TestParse_RejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("sources: [unclosed"))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestLoad_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cerebro.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test-cerebro.sock", f.Socket)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

// fakeDriver records the driver-specific key from its descriptor.
type fakeDriver struct {
	device string
}

func (d *fakeDriver) Connect(context.Context) error { return nil }

func (d *fakeDriver) ReadOrWait(context.Context) (*point.Batch, error) { return nil, nil }

func (d *fakeDriver) Close() error { return nil }

type fakeBackend struct {
	target string
}

func (b *fakeBackend) Write(context.Context, string, []point.Point) error { return nil }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.RegisterDriver("fake-driver", func(node *yaml.Node, _ *slog.Logger) (source.Driver, error) {
		var cfg struct {
			Device string `yaml:"device"`
		}
		if err := node.Decode(&cfg); err != nil {
			return nil, err
		}
		return &fakeDriver{device: cfg.Device}, nil
	}))
	require.NoError(t, reg.RegisterBackend("fake-backend", func(node *yaml.Node, _ *slog.Logger) (sink.Backend, error) {
		var cfg struct {
			Target string `yaml:"target"`
		}
		if err := node.Decode(&cfg); err != nil {
			return nil, err
		}
		return &fakeBackend{target: cfg.Target}, nil
	}))
	return reg
}

func TestRegistry_RejectsDuplicateKind(t *testing.T) {
	reg := newTestRegistry(t)

	err := reg.RegisterDriver("fake-driver", func(*yaml.Node, *slog.Logger) (source.Driver, error) {
		return nil, nil
	})
	require.Error(t, err)
	require.ErrorIs(t, err, errors.ErrDuplicateName)

	err = reg.RegisterBackend("fake-backend", func(*yaml.Node, *slog.Logger) (sink.Backend, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, errors.ErrDuplicateName)

	assert.Equal(t, []string{"fake-driver"}, reg.DriverKinds())
	assert.Equal(t, []string{"fake-backend"}, reg.BackendKinds())
}

func TestBuild_Profile(t *testing.T) {
	f, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	built, err := f.Build("default", newTestRegistry(t), Deps{Logger: testLogger()})
	require.NoError(t, err)

	require.Len(t, built.Sources, 2)
	assert.Equal(t, "weather", built.Sources[0].Name())
	assert.Equal(t, "enclosure", built.Sources[1].Name())
	assert.Equal(t, "fake-driver", built.Sources[0].Kind())

	require.Len(t, built.Sinks, 1)
	assert.Equal(t, "store", built.Sinks[0].Name())
	assert.Equal(t, "fake-backend", built.Sinks[0].Kind())
}

func TestBuild_SelectsNamedProfile(t *testing.T) {
	f, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	built, err := f.Build("minimal", newTestRegistry(t), Deps{Logger: testLogger()})
	require.NoError(t, err)
	require.Len(t, built.Sources, 1)
	assert.Equal(t, "weather", built.Sources[0].Name())
}

func TestBuild_NoProfilesRunsEverythingSorted(t *testing.T) {
	f, err := Parse([]byte(`
sources:
  zenith:
    kind: fake-driver
    bucket: b
  azimuth:
    kind: fake-driver
    bucket: b
sinks:
  store:
    kind: fake-backend
`))
	require.NoError(t, err)

	built, err := f.Build(DefaultProfile, newTestRegistry(t), Deps{Logger: testLogger()})
	require.NoError(t, err)
	require.Len(t, built.Sources, 2)
	assert.Equal(t, "azimuth", built.Sources[0].Name())
	assert.Equal(t, "zenith", built.Sources[1].Name())
}

func TestBuild_UnknownProfileIsNotFound(t *testing.T) {
	f, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	_, err = f.Build("ghost", newTestRegistry(t), Deps{Logger: testLogger()})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Contains(t, err.Error(), "ghost")
}

func TestBuild_UnknownKindIsFatal(t *testing.T) {
	f, err := Parse([]byte(`
sources:
  weather:
    kind: no-such-kind
    bucket: env
`))
	require.NoError(t, err)

	_, err = f.Build(DefaultProfile, newTestRegistry(t), Deps{Logger: testLogger()})
	require.Error(t, err)
	require.ErrorIs(t, err, errors.ErrUnknownKind)
	assert.Contains(t, err.Error(), "no-such-kind")
}

func TestBuild_DriverKeysReachFactory(t *testing.T) {
	reg := NewRegistry()
	var captured string
	require.NoError(t, reg.RegisterDriver("fake-driver", func(node *yaml.Node, _ *slog.Logger) (source.Driver, error) {
		var cfg struct {
			Device string `yaml:"device"`
		}
		if err := node.Decode(&cfg); err != nil {
			return nil, err
		}
		captured = cfg.Device
		return &fakeDriver{}, nil
	}))

	f, err := Parse([]byte(`
sources:
  weather:
    kind: fake-driver
    bucket: env
    device: davis-vantage
`))
	require.NoError(t, err)

	_, err = f.Build(DefaultProfile, reg, Deps{Logger: testLogger()})
	require.NoError(t, err)
	assert.Equal(t, "davis-vantage", captured)
}

func TestBackoffSpec_ToRetry(t *testing.T) {
	assert.Equal(t, retry.DefaultBackoffConfig(), backoffSpec{}.toRetry())

	off := false
	got := backoffSpec{
		Initial:    timeutil.Duration(2 * time.Second),
		Max:        timeutil.Duration(time.Minute),
		Multiplier: 3,
		Jitter:     &off,
	}.toRetry()
	assert.Equal(t, 2*time.Second, got.Initial)
	assert.Equal(t, time.Minute, got.Max)
	assert.Equal(t, 3.0, got.Multiplier)
	assert.False(t, got.AddJitter)
}

func TestParsePolicy(t *testing.T) {
	p, err := parsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, "drop_oldest", p.String())

	p, err = parsePolicy("drop_newest")
	require.NoError(t, err)
	assert.Equal(t, "drop_newest", p.String())

	_, err = parsePolicy("keep_all")
	require.Error(t, err)
	require.ErrorIs(t, err, errors.ErrInvalidConfig)
}
