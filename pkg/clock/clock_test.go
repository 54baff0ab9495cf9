package clock

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdss/cerebro/errors"
)

func TestSystem_Now(t *testing.T) {
	assert.WithinDuration(t, time.Now(), System{}.Now(), 50*time.Millisecond)
}

func TestNTPConfig_Defaults(t *testing.T) {
	cfg := NTPConfig{Server: "pool.ntp.org"}.withDefaults()
	assert.Equal(t, "pool.ntp.org:123", cfg.Server)
	assert.Equal(t, time.Hour, cfg.Interval)
	assert.Equal(t, 5*time.Second, cfg.Timeout)

	cfg = NTPConfig{Server: "10.0.0.1:1123", Interval: time.Minute, Timeout: time.Second}.withDefaults()
	assert.Equal(t, "10.0.0.1:1123", cfg.Server)
	assert.Equal(t, time.Minute, cfg.Interval)
}

func TestNewNTP_RequiresServer(t *testing.T) {
	_, err := NewNTP(NTPConfig{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

// Seconds between the NTP epoch (1900) and the Unix epoch (1970).
const testNTPEpochOffset = 2208988800

func toNTPTime(t time.Time) (sec, frac uint32) {
	sec = uint32(t.Unix() + testNTPEpochOffset)
	frac = uint32(uint64(t.Nanosecond()) << 32 / 1e9)
	return sec, frac
}

func putNTPTime(pkt []byte, t time.Time) {
	sec, frac := toNTPTime(t)
	binary.BigEndian.PutUint32(pkt[0:], sec)
	binary.BigEndian.PutUint32(pkt[4:], frac)
}

// startFakeNTPServer answers SNTP queries on loopback with timestamps shifted
// by offset from the local clock. Responses carry stratum 2 and a current
// reference timestamp so clients that validate the reply accept it.
func startFakeNTPServer(t *testing.T, offset time.Duration) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 128)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			if n < 48 {
				continue
			}

			var resp [48]byte
			resp[0] = 0x1C // LI=0, VN=3, Mode=4 (server)
			resp[1] = 2    // stratum

			// Echo the client transmit timestamp into the originate field.
			copy(resp[24:32], buf[40:48])

			now := time.Now().Add(offset)
			putNTPTime(resp[16:24], now) // reference
			putNTPTime(resp[32:40], now) // receive
			putNTPTime(resp[40:48], now) // transmit

			if _, err := pc.WriteTo(resp[:], addr); err != nil {
				return
			}
		}
	}()

	return pc.LocalAddr().String()
}

func TestQueryOffset(t *testing.T) {
	addr := startFakeNTPServer(t, 1500*time.Millisecond)

	offset, err := QueryOffset(addr, time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, offset.Seconds(), 0.2)
}

func TestQueryOffset_NoServer(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	pc.Close()

	_, err = QueryOffset(addr, 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsConnection(err) || errors.IsTransient(err))
}

func TestNTP_SyncLoop(t *testing.T) {
	addr := startFakeNTPServer(t, 2*time.Second)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewNTP(NTPConfig{Server: addr, Interval: time.Hour, Timeout: time.Second}, logger)
	require.NoError(t, err)

	assert.False(t, c.Synced())
	assert.WithinDuration(t, time.Now(), c.Now(), 100*time.Millisecond)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, c.Synced, 2*time.Second, 10*time.Millisecond)

	assert.InDelta(t, 2.0, c.Offset().Seconds(), 0.2)
	assert.InDelta(t, 2.0, time.Until(c.Now()).Seconds(), 0.2)

	assert.ErrorIs(t, c.Start(context.Background()), errors.ErrAlreadyStarted)
	assert.NoError(t, c.Stop(time.Second))
	assert.NoError(t, c.Stop(time.Second))
}

func TestNTP_UnreachableServerKeepsOffset(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	pc.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewNTP(NTPConfig{Server: addr, Interval: time.Hour, Timeout: 50 * time.Millisecond}, logger)
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	time.Sleep(150 * time.Millisecond)
	assert.False(t, c.Synced())
	assert.Equal(t, time.Duration(0), c.Offset())
}
