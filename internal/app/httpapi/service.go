package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/rutaops/dispatch/pkg/logger"
)

// Service owns the HTTP server lifecycle.
type Service struct {
	addr   string
	server *http.Server
	log    *logger.Logger
}

// NewService wraps handler in an http.Server bound to addr.
// ReadHeaderTimeout guards against slowloris; there is no WriteTimeout
// because SSE streams are intentionally long-lived.
func NewService(addr string, h http.Handler, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}
	return &Service{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Start serves until the listener closes. Blocking.
func (s *Service) Start() error {
	s.log.Infof("http api listening on %s", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests, including open SSE streams, within the
// context deadline.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
