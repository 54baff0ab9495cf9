// Package control exposes the daemon's administrative surface on a local
// unix socket.
//
// The protocol is deliberately small: a client connects, sends one
// newline-terminated request, reads one newline-terminated response and the
// server closes the connection. "status" answers with a single JSON line,
// "restart <source>" answers "ok" or an "error: ..." line, and "stop" asks
// the daemon to shut down. Anything a human can type into nc works.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sdss/cerebro/dispatch"
	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/metric"
)

// DefaultSocket is where the daemon listens when no path is configured.
const DefaultSocket = "/tmp/cerebro.sock"

// maxRequestBytes caps one request line. Anything longer is malformed.
const maxRequestBytes = 4096

// Controller is the slice of the hub the control surface needs.
type Controller interface {
	Status() dispatch.Status
	RestartSource(name string) error
}

// Config holds control server settings.
type Config struct {
	// Socket is the unix socket path to listen on.
	Socket string `yaml:"socket"`
	// ReadTimeout bounds how long a client may take to send its request.
	ReadTimeout time.Duration `yaml:"-"`
	// WriteTimeout bounds the response write.
	WriteTimeout time.Duration `yaml:"-"`
	// AcceptRate caps handled connections per second; excess connections
	// are closed without a response.
	AcceptRate float64 `yaml:"-"`
	// AcceptBurst is the rate limiter burst.
	AcceptBurst int `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.Socket == "" {
		c.Socket = DefaultSocket
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.AcceptRate <= 0 {
		c.AcceptRate = 100
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = 100
	}
	return c
}

// Deps holds runtime dependencies for a Server.
type Deps struct {
	Controller Controller
	Logger     *slog.Logger
	Metrics    *metric.Registry
	// Shutdown, when set, is invoked after a stop command has been
	// acknowledged. It must not block.
	Shutdown func()
}

// Server answers status and restart requests on a local unix socket.
type Server struct {
	cfg      Config
	ctrl     Controller
	logger   *slog.Logger
	metrics  *controlMetrics
	shutdown func()
	limiter  *rate.Limiter

	lifecycleMu sync.Mutex
	listener    net.Listener
	cancel      context.CancelFunc
	done        chan struct{}
	conns       sync.WaitGroup
}

// NewServer creates a control server. It does not bind the socket.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Controller == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "control", "NewServer", "controller")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	metrics, err := newControlMetrics(deps.Metrics)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		ctrl:     deps.Controller,
		logger:   logger.With("component", "control"),
		metrics:  metrics,
		shutdown: deps.Shutdown,
		limiter:  rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst),
	}, nil
}

// Start binds the socket and launches the accept loop. A leftover socket
// file with no listener behind it is removed; a socket another process is
// still serving is a fatal error.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.listener != nil {
		return nil
	}

	if err := s.removeStaleSocket(); err != nil {
		return err
	}
	listener, err := net.Listen("unix", s.cfg.Socket)
	if err != nil {
		return errors.WrapFatal(err, "control", "Start", "bind "+s.cfg.Socket)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.listener = listener
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.acceptLoop(runCtx, listener, s.done)

	s.logger.Info("Control socket listening", "socket", s.cfg.Socket)
	return nil
}

// removeStaleSocket clears a socket path nobody is serving. A crashed
// daemon leaves the file behind because nothing unlinks it.
func (s *Server) removeStaleSocket() error {
	if _, err := os.Stat(s.cfg.Socket); err != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", s.cfg.Socket, 250*time.Millisecond)
	if err == nil {
		conn.Close()
		return errors.WrapFatal(errors.ErrAlreadyStarted, "control", "Start",
			"socket "+s.cfg.Socket+" is in use by another process")
	}
	if err := os.Remove(s.cfg.Socket); err != nil {
		return errors.WrapFatal(err, "control", "Start", "remove stale socket")
	}
	s.logger.Warn("Removed stale control socket", "socket", s.cfg.Socket)
	return nil
}

// Stop closes the listener, waits out in-flight connections and removes
// the socket file.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.listener == nil {
		return nil
	}
	s.cancel()
	_ = s.listener.Close()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-s.done:
	case <-deadline.C:
		return errors.Wrap(errors.ErrConnectionTimeout, "control", "Stop", "await accept loop")
	}

	idle := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-deadline.C:
		return errors.Wrap(errors.ErrConnectionTimeout, "control", "Stop", "await connections")
	}

	_ = os.Remove(s.cfg.Socket)
	s.listener = nil
	s.cancel = nil
	s.done = nil
	s.logger.Info("Control socket closed", "socket", s.cfg.Socket)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener, done chan struct{}) {
	defer close(done)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept failed", "error", err)
			continue
		}
		if !s.limiter.Allow() {
			conn.Close()
			if s.metrics != nil {
				s.metrics.throttled.Inc()
			}
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handle(conn)
		}()
	}
}

// handle runs the single request-response exchange for one connection.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	logger := s.logger.With("conn", uuid.NewString())
	if s.metrics != nil {
		s.metrics.connections.Inc()
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	line, err := bufio.NewReader(io.LimitReader(conn, maxRequestBytes)).ReadString('\n')
	if err != nil && line == "" {
		logger.Debug("Request read failed", "error", err)
		return
	}

	resp, after := s.dispatch(strings.TrimSpace(line), logger)

	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if _, err := conn.Write(append([]byte(resp), '\n')); err != nil {
		logger.Debug("Response write failed", "error", err)
		return
	}
	if after != nil {
		after()
	}
}

// dispatch maps one request line to its response. The returned after func,
// if any, runs once the response has been written.
func (s *Server) dispatch(line string, logger *slog.Logger) (string, func()) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "error: malformed request", nil
	}
	command := fields[0]
	if s.metrics != nil {
		s.metrics.commands.WithLabelValues(command).Inc()
	}

	switch command {
	case "status":
		if len(fields) != 1 {
			return "error: malformed request", nil
		}
		encoded, err := json.Marshal(s.ctrl.Status())
		if err != nil {
			logger.Error("Status encoding failed", "error", err)
			return "error: status unavailable", nil
		}
		return string(encoded), nil

	case "restart":
		if len(fields) != 2 {
			return "error: malformed request", nil
		}
		name := fields[1]
		if err := s.ctrl.RestartSource(name); err != nil {
			if errors.IsNotFound(err) {
				logger.Info("Restart refused, unknown source", "source", name)
				return "error: not found", nil
			}
			logger.Warn("Restart failed", "source", name, "error", err)
			return "error: " + err.Error(), nil
		}
		logger.Info("Source restarted", "source", name)
		return "ok", nil

	case "stop":
		if s.shutdown == nil {
			return "error: stop not supported", nil
		}
		logger.Info("Stop requested over control socket")
		return "ok", s.shutdown

	default:
		return "error: unknown command", nil
	}
}
