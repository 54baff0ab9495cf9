// Package cerebro is a telemetry collection and dispatch engine for
// observatory operations, moving readings from instruments, devices and
// services into time-series storage.
//
// # Philosophy
//
// Cerebro is deliberately small: it is a dispatcher, not a processing
// framework. Each source speaks one device protocol and produces batches of
// points; the hub fans every batch out to every sink; each sink buffers and
// flushes to one storage backend. There is no pipeline language, no
// transformation layer and no distributed coordination. A reading either
// reaches storage in its original shape or it is counted as dropped.
//
// The engine assumes unreliable peers everywhere. Devices power-cycle,
// networks flap and databases go down for maintenance; none of that may
// take the daemon down or wedge an unrelated component. Every source owns
// an independent reconnect loop and every sink owns an independent flush
// loop with bounded buffering, so failure stays where it happened.
//
// # Architecture
//
//	┌──────────┐  ┌──────────┐  ┌──────────┐
//	│  Source  │  │  Source  │  │  Source  │   one task per device,
//	│ tcp-text │  │ udp-json │  │ nats-bus │   reconnect forever
//	└────┬─────┘  └────┬─────┘  └────┬─────┘
//	     └─────────────┼─────────────┘
//	                   ↓ Emit (never blocks)
//	            ┌─────────────┐
//	            │     Hub     │   fan-out, hub tags,
//	            │  (dispatch) │   status snapshots
//	            └──────┬──────┘
//	         ┌─────────┼─────────┐
//	         ↓         ↓         ↓
//	    ┌────────┐ ┌────────┐ ┌─────────┐
//	    │  Sink  │ │  Sink  │ │  Sink   │   bounded per-bucket rings,
//	    │influxdb│ │  file  │ │jetstream│   interval/threshold flush
//	    └────────┘ └────────┘ └─────────┘
//
// Sources push into the hub; sinks pull from their own buffers. The only
// synchronous path is Emit staging points into sink rings, so one slow
// backend cannot stall a producer or another destination.
//
// # Data Model
//
// A point is a measurement name, a field map, a tag map and a timestamp; a
// batch is points bound for one bucket. Sinks group points by bucket and
// encode them as InfluxDB line protocol at flush time. Tags merge in layers
// (point, then source, then hub), with deployment identity winning over
// device claims.
//
// # Packages
//
// Core:
//   - point: Point, Batch, Tags, line-protocol encoding
//   - dispatch: the Hub (component tables, fan-out, snapshots)
//   - source: the producer state machine around a Driver
//   - sink: the buffered writer around a Backend
//
// Drivers and backends:
//   - source/tcptext, source/udpjson, source/natsbus, source/wsfeed,
//     source/httppoll: device protocols
//   - sink/influx, sink/file, sink/jetstream: storage backends
//   - catalog: registration of every built-in kind
//
// Infrastructure:
//   - config: YAML model, profiles, component construction
//   - control: unix-socket admin surface (status, restart, stop)
//   - health: health report derived from a hub snapshot
//   - metric: prometheus registration and the scrape listener
//   - errors: classified error taxonomy shared by every component
//   - pkg/retry, pkg/buffer, pkg/clock, pkg/timeutil: shared utilities
//
// # Usage
//
// Embedding the engine without the daemon:
//
//	hub, _ := dispatch.New(dispatch.Config{Tags: point.Tags{"site": "apo"}}, dispatch.Deps{Logger: logger})
//
//	driver, _ := udpjson.New(udpjson.Config{Listen: ":9000"}, logger)
//	src, _ := source.New(source.Config{Name: "weather", Kind: udpjson.Kind, Bucket: "env"},
//		source.Deps{Driver: driver, Logger: logger})
//	hub.AddSource(src)
//
//	backend, _ := influx.New(influx.Config{URL: "http://localhost:8086", Org: "sdss"}, logger)
//	snk, _ := sink.New(sink.Config{Name: "store", Kind: influx.Kind},
//		sink.Deps{Backend: backend, Logger: logger})
//	hub.AddSink(snk)
//
//	hub.Start(ctx)
//	defer hub.Stop(5 * time.Second)
//
// New device protocols implement source.Driver; new storage backends
// implement sink.Backend. Registering them with a config.Registry makes
// them available to YAML descriptors by kind.
//
// # Binary
//
// The cerebro binary runs the daemon and doubles as the control client:
//
//	# Run the daemon
//	cerebro --config /etc/cerebro/apo.yaml --profile default
//
//	# Inspect and poke a running daemon
//	cerebro status
//	cerebro restart weather
//	cerebro stop
//
// The control commands talk to the daemon over a local unix socket; the
// protocol is one line each way, so nc works when the binary is not at
// hand.
package cerebro
