package clock

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"

	"github.com/sdss/cerebro/errors"
)

// NTPConfig tunes the NTP-disciplined clock.
type NTPConfig struct {
	Server   string        `yaml:"server"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (c NTPConfig) withDefaults() NTPConfig {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if _, _, err := net.SplitHostPort(c.Server); err != nil {
		c.Server = net.JoinHostPort(c.Server, "123")
	}
	return c
}

// Validate checks the config.
func (c NTPConfig) Validate() error {
	if c.Server == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "ntp", "Validate", "server")
	}
	return nil
}

// NTP is a clock that reads the system time adjusted by an offset measured
// against an NTP server. The offset refreshes in the background; until the
// first successful sync (and whenever the server is unreachable) it stays at
// its last known value, so Now degrades to the system clock rather than
// failing.
type NTP struct {
	cfg    NTPConfig
	logger *slog.Logger

	offsetNanos atomic.Int64
	synced      atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewNTP creates an NTP clock. It does not touch the network until Start.
func NewNTP(cfg NTPConfig, logger *slog.Logger) (*NTP, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NTP{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "ntp"),
	}, nil
}

// Now returns the system time adjusted by the last measured offset.
func (c *NTP) Now() time.Time {
	return time.Now().Add(time.Duration(c.offsetNanos.Load()))
}

// Offset returns the last measured clock offset.
func (c *NTP) Offset() time.Duration {
	return time.Duration(c.offsetNanos.Load())
}

// Synced reports whether at least one sync has succeeded.
func (c *NTP) Synced() bool {
	return c.synced.Load()
}

// Start launches the background sync loop. The first sync is attempted
// immediately.
func (c *NTP) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		return errors.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(runCtx)
	return nil
}

// Stop cancels the sync loop and waits up to timeout for it to exit.
func (c *NTP) Stop(timeout time.Duration) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "ntp", "Stop", "await sync loop")
	}
}

func (c *NTP) run(ctx context.Context) {
	defer close(c.done)

	c.sync(ctx)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sync(ctx)
		}
	}
}

func (c *NTP) sync(ctx context.Context) {
	offset, err := QueryOffset(c.cfg.Server, c.cfg.Timeout)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("NTP sync failed, keeping previous offset",
				"server", c.cfg.Server,
				"error", err)
		}
		return
	}

	c.offsetNanos.Store(int64(offset))
	c.synced.Store(true)
	c.logger.Debug("NTP offset updated",
		"server", c.cfg.Server,
		"offset", offset)
}

// QueryOffset performs one SNTP exchange with the server and returns the
// local clock's offset from it.
func QueryOffset(server string, timeout time.Duration) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{
		Timeout: timeout,
		Version: 3,
	})
	if err != nil {
		return 0, errors.WrapConnection(err, "ntp", "QueryOffset", "query")
	}
	if err := resp.Validate(); err != nil {
		return 0, errors.WrapTransient(err, "ntp", "QueryOffset", "validate response")
	}
	return resp.ClockOffset, nil
}
