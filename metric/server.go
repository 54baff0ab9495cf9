package metric

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sdss/cerebro/errors"
)

// Server serves the prometheus scrape endpoint and, when provided, a health
// endpoint, on a dedicated listen address.
type Server struct {
	addr     string
	registry *Registry
	health   http.Handler

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a metrics server. The health handler is optional; when
// nil, /healthz responds 200 with no body.
func NewServer(addr string, registry *Registry, health http.Handler) *Server {
	return &Server{
		addr:     addr,
		registry: registry,
		health:   health,
	}
}

// Start begins serving in the background. It returns once the listener is
// requested; later listener failures surface on errc.
func (s *Server) Start(errc chan<- error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.ErrAlreadyStarted
	}
	if s.registry == nil {
		return errors.WrapFatal(
			fmt.Errorf("nil registry"),
			"Server", "Start", "metrics registry not provided")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		s.registry.Prometheus(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))

	if s.health != nil {
		mux.Handle("/healthz", s.health)
	} else {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed && errc != nil {
			errc <- errors.Wrap(err, "metric", "Start", "serve")
		}
	}()

	return nil
}

// Stop shuts the server down, waiting up to timeout for in-flight scrapes.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown")
	}
	return nil
}
