// Package server implements the single-route /metrics HTTP endpoint,
// including a dual-stack bind fallback.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/nbari/dbpulse/internal/metrics"
)

// Server serves GET /metrics from a metrics.Registry.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     log.Logger
}

// New binds a listener:
//   - if listenIP is non-empty, bind to listenIP:port and fail if
//     unavailable;
//   - otherwise try "[::]:port" first, falling back to "0.0.0.0:port".
func New(m *metrics.Registry, listenIP string, port uint16, logger log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler(errorLogAdapter{logger}))

	listener, err := bind(listenIP, port)
	if err != nil {
		return nil, err
	}

	return &Server{
		httpServer: &http.Server{Handler: mux},
		listener:   listener,
		logger:     logger,
	}, nil
}

// errorLogAdapter adapts a go-kit log.Logger to promhttp.Logger's
// Println(v ...interface{}) signature.
type errorLogAdapter struct {
	logger log.Logger
}

func (a errorLogAdapter) Println(v ...interface{}) {
	level.Error(a.logger).Log("msg", fmt.Sprint(v...))
}

func bind(listenIP string, port uint16) (net.Listener, error) {
	if listenIP != "" {
		addr := net.JoinHostPort(listenIP, fmt.Sprintf("%d", port))
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("server: bind %s: %w", addr, err)
		}
		return l, nil
	}

	v6 := fmt.Sprintf("[::]:%d", port)
	if l, err := net.Listen("tcp", v6); err == nil {
		return l, nil
	}

	v4 := fmt.Sprintf("0.0.0.0:%d", port)
	l, err := net.Listen("tcp", v4)
	if err != nil {
		return nil, fmt.Errorf("server: bind %s or %s: %w", v6, v4, err)
	}
	return l, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until the listener is closed or Shutdown is called.
func (s *Server) Serve() error {
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	level.Info(s.logger).Log("msg", "shutting down metrics server", "address", s.Addr())
	return s.httpServer.Shutdown(ctx)
}
