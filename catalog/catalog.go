// Package catalog wires every built-in source driver and sink backend into
// a config registry. The daemon calls Register once at startup, before the
// configuration is built, so an unknown kind in a descriptor is always a
// typo and never a race with registration.
package catalog

import (
	stderrors "errors"

	"github.com/sdss/cerebro/config"
	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/sink/file"
	"github.com/sdss/cerebro/sink/influx"
	"github.com/sdss/cerebro/sink/jetstream"
	"github.com/sdss/cerebro/source/httppoll"
	"github.com/sdss/cerebro/source/natsbus"
	"github.com/sdss/cerebro/source/tcptext"
	"github.com/sdss/cerebro/source/udpjson"
	"github.com/sdss/cerebro/source/wsfeed"
)

// Register fills reg with every kind compiled into this build.
//
// Source drivers:
//   - tcp-text: line-oriented TCP instruments (pattern-matched replies)
//   - udp-json: JSON datagrams from broadcasting devices
//   - http-poll: periodic GET against a JSON endpoint
//   - ws-feed: WebSocket subscription feeds
//   - nats-bus: telemetry subjects on a NATS bus
//
// Sink backends:
//   - influxdb: InfluxDB v2 line protocol over HTTP
//   - file: line protocol appended to per-bucket files
//   - jetstream: batches published to a NATS JetStream stream
func Register(reg *config.Registry) error {
	if reg == nil {
		return errors.WrapFatal(stderrors.New("registry cannot be nil"),
			"catalog", "Register", "registry validation")
	}

	// Sources
	if err := reg.RegisterDriver(tcptext.Kind, tcptext.Create); err != nil {
		return errors.WrapFatal(err, "catalog", "Register", "tcp-text driver registration")
	}
	if err := reg.RegisterDriver(udpjson.Kind, udpjson.Create); err != nil {
		return errors.WrapFatal(err, "catalog", "Register", "udp-json driver registration")
	}
	if err := reg.RegisterDriver(httppoll.Kind, httppoll.Create); err != nil {
		return errors.WrapFatal(err, "catalog", "Register", "http-poll driver registration")
	}
	if err := reg.RegisterDriver(wsfeed.Kind, wsfeed.Create); err != nil {
		return errors.WrapFatal(err, "catalog", "Register", "ws-feed driver registration")
	}
	if err := reg.RegisterDriver(natsbus.Kind, natsbus.Create); err != nil {
		return errors.WrapFatal(err, "catalog", "Register", "nats-bus driver registration")
	}

	// Sinks
	if err := reg.RegisterBackend(influx.Kind, influx.Create); err != nil {
		return errors.WrapFatal(err, "catalog", "Register", "influxdb backend registration")
	}
	if err := reg.RegisterBackend(file.Kind, file.Create); err != nil {
		return errors.WrapFatal(err, "catalog", "Register", "file backend registration")
	}
	if err := reg.RegisterBackend(jetstream.Kind, jetstream.Create); err != nil {
		return errors.WrapFatal(err, "catalog", "Register", "jetstream backend registration")
	}

	return nil
}
