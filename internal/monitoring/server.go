package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	apperrors "qlab/internal/errors"
	"qlab/internal/logger"
)

// Server exposes the metrics endpoint over HTTP.
type Server struct {
	httpServer *http.Server
	log        logger.Logger
}

// NewServer mounts m.Handler() at path on addr.
func NewServer(addr, path string, m *Metrics, log logger.Logger) *Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: logger.OrDefault(log).WithField("component", "metrics_server"),
	}
}

// Start listens in the background. Bind errors are returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInternal, "failed to listen", s.httpServer.Addr, err)
	}
	s.log.Info("Metrics server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Metrics server stopped", "error", err)
		}
	}()
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeInternal, "metrics server shutdown failed", err)
	}
	s.log.Info("Metrics server stopped gracefully")
	return nil
}
