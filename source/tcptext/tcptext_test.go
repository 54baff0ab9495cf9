package tcptext

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/pkg/retry"
	"github.com/sdss/cerebro/point"
	"github.com/sdss/cerebro/source"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startDevice runs a fake terminal server. The reply func maps each query
// line to a response; an empty response means stay silent, "CLOSE" drops
// the connection.
func startDevice(t *testing.T, reply func(query string) string) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				for {
					query, err := reader.ReadString('\n')
					if err != nil {
						return
					}
					resp := reply(strings.TrimSpace(query))
					if resp == "CLOSE" {
						return
					}
					if resp == "" {
						continue
					}
					fmt.Fprintf(conn, "%s\r\n", resp)
				}
			}(conn)
		}
	}()
	return listener.Addr().String()
}

func weatherConfig(address string) Config {
	return Config{
		Address:     address,
		Query:       "STATUS",
		Pattern:     `OUT:(?P<outdoor>[-\d.]+),IN:(?P<indoor>[-\d.]+),STATE:(?P<state>\w+)`,
		Measurement: "enclosure",
		Types:       map[string]string{"state": "string"},
	}
}

func readCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func TestDriver_QueryResponse(t *testing.T) {
	var mu sync.Mutex
	var queries []string
	addr := startDevice(t, func(query string) string {
		mu.Lock()
		queries = append(queries, query)
		mu.Unlock()
		return "OUT:-12.5,IN:8.25,STATE:OK"
	})

	d, err := New(weatherConfig(addr), testLogger())
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	defer d.Close()

	batch, err := d.ReadOrWait(readCtx(t))
	require.NoError(t, err)
	require.Equal(t, 1, batch.Len())

	p := batch.Points[0]
	assert.Equal(t, "enclosure", p.Measurement)
	assert.Equal(t, -12.5, p.Fields["outdoor"])
	assert.Equal(t, 8.25, p.Fields["indoor"])
	assert.Equal(t, "OK", p.Fields["state"])
	assert.True(t, p.Timestamp.IsZero(), "driver leaves stamping to the producer")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"STATUS"}, queries)
}

func TestDriver_TypedCoercion(t *testing.T) {
	addr := startDevice(t, func(string) string {
		return "N:42 ON:1 ID:abc"
	})

	cfg := Config{
		Address:     addr,
		Query:       "Q",
		Pattern:     `N:(?P<count>\d+) ON:(?P<enabled>\d) ID:(?P<id>\w+)`,
		Measurement: "m",
		Types: map[string]string{
			"count":   "int",
			"enabled": "bool",
			"id":      "string",
		},
	}
	d, err := New(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	defer d.Close()

	batch, err := d.ReadOrWait(readCtx(t))
	require.NoError(t, err)
	p := batch.Points[0]
	assert.Equal(t, int64(42), p.Fields["count"])
	assert.Equal(t, true, p.Fields["enabled"])
	assert.Equal(t, "abc", p.Fields["id"])
}

func TestDriver_TagGroups(t *testing.T) {
	addr := startDevice(t, func(string) string {
		return "axis=alt pos=54.2"
	})

	cfg := Config{
		Address:     addr,
		Query:       "POS",
		Pattern:     `axis=(?P<axis>\w+) pos=(?P<position>[-\d.]+)`,
		Measurement: "telescope",
		TagGroups:   []string{"axis"},
	}
	d, err := New(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	defer d.Close()

	batch, err := d.ReadOrWait(readCtx(t))
	require.NoError(t, err)
	p := batch.Points[0]
	assert.Equal(t, point.Tags{"axis": "alt"}, p.Tags)
	assert.Equal(t, 54.2, p.Fields["position"])
	assert.NotContains(t, p.Fields, "axis")
}

func TestDriver_SkipUnchanged(t *testing.T) {
	var mu sync.Mutex
	reply := "OUT:1.0,IN:2.0,STATE:OK"
	addr := startDevice(t, func(string) string {
		mu.Lock()
		defer mu.Unlock()
		return reply
	})

	cfg := weatherConfig(addr)
	cfg.SkipUnchanged = true
	d, err := New(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	defer d.Close()

	batch, err := d.ReadOrWait(readCtx(t))
	require.NoError(t, err)
	require.NotNil(t, batch)

	batch, err = d.ReadOrWait(readCtx(t))
	require.NoError(t, err)
	assert.Nil(t, batch, "repeated reading suppressed")

	mu.Lock()
	reply = "OUT:1.5,IN:2.0,STATE:OK"
	mu.Unlock()

	batch, err = d.ReadOrWait(readCtx(t))
	require.NoError(t, err)
	require.NotNil(t, batch, "changed reading emitted again")
	assert.Equal(t, 1.5, batch.Points[0].Fields["outdoor"])
}

func TestDriver_MalformedReply(t *testing.T) {
	addr := startDevice(t, func(string) string {
		return "ERR SENSOR FAULT"
	})

	d, err := New(weatherConfig(addr), testLogger())
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	defer d.Close()

	_, err = d.ReadOrWait(readCtx(t))
	require.Error(t, err)
	assert.True(t, errors.IsProtocol(err))
	assert.False(t, errors.IsConnection(err), "parse failures do not end the session")
}

func TestDriver_SilentDeviceTimesOut(t *testing.T) {
	addr := startDevice(t, func(string) string {
		return ""
	})

	d, err := New(weatherConfig(addr), testLogger())
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = d.ReadOrWait(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err), "timeout counts toward the failure streak")
	assert.False(t, errors.IsConnection(err))
}

func TestDriver_DroppedConnection(t *testing.T) {
	addr := startDevice(t, func(string) string {
		return "CLOSE"
	})

	d, err := New(weatherConfig(addr), testLogger())
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	defer d.Close()

	_, err = d.ReadOrWait(readCtx(t))
	require.Error(t, err)
	assert.True(t, errors.IsConnection(err), "EOF ends the session")
}

func TestDriver_ConnectRefused(t *testing.T) {
	d, err := New(weatherConfig("127.0.0.1:1"), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = d.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsConnection(err))
}

func TestNew_RejectsBadConfig(t *testing.T) {
	base := weatherConfig("127.0.0.1:7")

	cfg := base
	cfg.Pattern = `OUT:[\d.]+`
	_, err := New(cfg, testLogger())
	require.Error(t, err, "pattern without named groups")

	cfg = base
	cfg.Pattern = `(?P<only>\w+)`
	cfg.TagGroups = []string{"only"}
	_, err = New(cfg, testLogger())
	require.Error(t, err, "every group a tag leaves no fields")

	cfg = base
	cfg.Types = map[string]string{"outdoor": "complex"}
	_, err = New(cfg, testLogger())
	require.Error(t, err, "unknown coercion type")

	cfg = base
	cfg.Measurement = ""
	_, err = New(cfg, testLogger())
	require.Error(t, err)
}

func TestDriver_PolledThroughSource(t *testing.T) {
	addr := startDevice(t, func(string) string {
		return "OUT:3.0,IN:4.0,STATE:OK"
	})

	d, err := New(weatherConfig(addr), testLogger())
	require.NoError(t, err)

	src, err := source.New(source.Config{
		Name:                   "enclosure",
		Kind:                   Kind,
		Bucket:                 "env",
		Interval:               10 * time.Millisecond,
		ReadTimeout:            100 * time.Millisecond,
		ConnectTimeout:         200 * time.Millisecond,
		MaxConsecutiveFailures: 3,
		Backoff:                retry.BackoffConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
	}, source.Deps{Driver: d, Logger: testLogger()})
	require.NoError(t, err)

	var mu sync.Mutex
	var batches []*point.Batch
	require.NoError(t, src.Start(context.Background(), func(b *point.Batch) {
		mu.Lock()
		batches = append(batches, b)
		mu.Unlock()
	}))
	defer src.Stop(time.Second)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) >= 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "enclosure", batches[0].Source)
	assert.Equal(t, "env", batches[0].Bucket)
	assert.False(t, batches[0].Points[0].Timestamp.IsZero(), "producer stamps unset timestamps")
}
