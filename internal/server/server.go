// Package server implements HTTP server for health checks and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker interface for checking component health.
type HealthChecker interface {
	Liveness() bool
	Readiness(ctx context.Context) bool
	IsHealthy() bool
	GetStatus() map[string]string
}

// Server represents the HTTP server for health and metrics.
//
// When both ports are equal a single listener serves every endpoint.
type Server struct {
	servers   []*http.Server
	listeners []net.Listener
	logger    *slog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(
	healthPort int,
	metricsPort int,
	healthChecker HealthChecker,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health/live", LivenessHandler(healthChecker, logger))
	healthMux.HandleFunc("/health/ready", ReadinessHandler(healthChecker, logger))

	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})

	if healthPort == metricsPort {
		healthMux.Handle("/metrics", metricsHandler)
		return &Server{
			servers: []*http.Server{newHTTPServer(healthPort, healthMux)},
			logger:  logger,
		}
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metricsHandler)

	return &Server{
		servers: []*http.Server{
			newHTTPServer(healthPort, healthMux),
			newHTTPServer(metricsPort, metricsMux),
		},
		logger: logger,
	}
}

func newHTTPServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Start binds every listener and serves in the background. Bind errors are
// returned; serve errors are logged.
func (s *Server) Start() error {
	for _, srv := range s.servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, opened := range s.listeners {
				_ = opened.Close()
			}
			s.listeners = nil
			return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
		}
		s.listeners = append(s.listeners, ln)
	}

	for i, srv := range s.servers {
		srv, ln := srv, s.listeners[i]
		go func() {
			s.logger.Info("starting http server", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http server failed", "addr", ln.Addr().String(), "error", err)
			}
		}()
	}

	return nil
}

// Addrs returns the bound listener addresses, health first.
func (s *Server) Addrs() []string {
	addrs := make([]string, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr().String())
	}
	return addrs
}

// Shutdown gracefully shuts down all servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP servers")

	errChan := make(chan error, len(s.servers))
	for _, srv := range s.servers {
		srv := srv
		go func() {
			errChan <- srv.Shutdown(ctx)
		}()
	}

	var errs []error
	for range s.servers {
		if err := <-errChan; err != nil {
			s.logger.Error("error shutting down server", "error", err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
