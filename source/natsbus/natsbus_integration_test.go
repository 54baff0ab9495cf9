//go:build integration

package natsbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/pkg/timeutil"
)

func startNATSContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "nats:latest",
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
		Cmd:          []string{"-m", "8222"},
	}

	natsContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := natsContainer.Host(ctx)
	require.NoError(t, err)

	port, err := natsContainer.MappedPort(ctx, "4222")
	require.NoError(t, err)

	natsURL := fmt.Sprintf("nats://%s:%s", host, port.Port())

	// Wait for NATS to be fully ready
	time.Sleep(100 * time.Millisecond)

	return natsContainer, natsURL
}

func TestIntegration_ReceivesPublishedReadings(t *testing.T) {
	ctx := context.Background()

	container, natsURL := startNATSContainer(ctx, t)
	defer container.Terminate(ctx)

	d, err := New(Config{
		URL:      natsURL,
		Subjects: []string{"telemetry.>"},
		Groupers: []string{"unit"},
	}, testLogger())
	require.NoError(t, err)

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.Connect(connectCtx))
	defer d.Close()

	pub, err := nats.Connect(natsURL)
	require.NoError(t, err)
	defer pub.Close()

	err = pub.Publish("telemetry.hvac.chiller", []byte(`{"unit":"north","supply_temp":4.5}`))
	require.NoError(t, err)

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	batch, err := d.ReadOrWait(readCtx)
	require.NoError(t, err)
	require.Equal(t, 1, batch.Len())

	p := batch.Points[0]
	assert.Equal(t, "chiller", p.Measurement)
	assert.Equal(t, 4.5, p.Fields["supply_temp"])
	assert.Equal(t, "north", p.Tags["unit"])
}

func TestIntegration_CommandPromptsProducer(t *testing.T) {
	ctx := context.Background()

	container, natsURL := startNATSContainer(ctx, t)
	defer container.Terminate(ctx)

	// Fake producer that reports only when prompted.
	producer, err := nats.Connect(natsURL)
	require.NoError(t, err)
	defer producer.Close()

	sub, err := producer.Subscribe("devices.weather.cmd", func(msg *nats.Msg) {
		if string(msg.Data) == "REPORT" {
			_ = producer.Publish("telemetry.weather", []byte(`{"wind_speed":11.2}`))
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	d, err := New(Config{
		URL:      natsURL,
		Subjects: []string{"telemetry.weather"},
		Commands: []Command{{
			Subject:  "devices.weather.cmd",
			Payload:  "REPORT",
			Interval: timeutil.Duration(50 * time.Millisecond),
		}},
	}, testLogger())
	require.NoError(t, err)

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.Connect(connectCtx))
	defer d.Close()

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	batch, err := d.ReadOrWait(readCtx)
	require.NoError(t, err)
	assert.Equal(t, 11.2, batch.Points[0].Fields["wind_speed"])
}

func TestIntegration_ServerShutdownEndsSession(t *testing.T) {
	ctx := context.Background()

	container, natsURL := startNATSContainer(ctx, t)

	d, err := New(Config{URL: natsURL, Subjects: []string{"telemetry.>"}}, testLogger())
	require.NoError(t, err)

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.Connect(connectCtx))
	defer d.Close()

	require.NoError(t, container.Terminate(ctx))

	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = d.ReadOrWait(readCtx)
	require.Error(t, err)
	assert.True(t, errors.IsConnection(err))
}
