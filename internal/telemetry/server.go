package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deltamaker/internal/core"
)

// Server exposes the Prometheus /metrics endpoint.
type Server struct {
	port   int
	logger core.Logger
	srv    *http.Server
}

func NewServer(port int, logger core.Logger) *Server {
	return &Server{port: port, logger: logger.With("component", "metrics_server")}
}

func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{Addr: fmt.Sprintf(":%d", s.port), Handler: mux}

	go func() {
		s.logger.Info("starting metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("stopping metrics server")
	return s.srv.Shutdown(ctx)
}
