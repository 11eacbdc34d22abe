// Package server owns the HTTP lifecycle and the JSON routes over the service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/socialpulse/internal/config"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Server binds the router to a TCP listener. It implements suture.Service;
// each Serve call opens a fresh listener so the supervisor can restart it.
type Server struct {
	addr    string
	handler http.Handler
	logger  *slog.Logger

	mu    sync.Mutex
	bound net.Addr
}

// New prepares a server for the configured listen address.
func New(cfg config.ListenConfig, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		handler: handler,
		logger:  logger.With(slog.String("agent", "lifecycle")),
	}, nil
}

// Addr reports the bound address while serving, nil otherwise.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Serve accepts connections until ctx is done, then drains in-flight
// requests for up to five seconds.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	s.setBound(ln.Addr())
	defer s.setBound(nil)

	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listener started", slog.String("address", ln.Addr().String()))
		errCh <- httpSrv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http listener shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	}
}

func (s *Server) setBound(addr net.Addr) {
	s.mu.Lock()
	s.bound = addr
	s.mu.Unlock()
}

func (s *Server) String() string { return "http-server" }
