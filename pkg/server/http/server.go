// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http runs the inbound HTTP listeners: the notification webhook
// and the operational endpoints.
package http

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	defaultReadHeaderTimeout = 10 * time.Second
)

// Config holds the HTTP server configuration.
type Config struct {
	// Name identifies the server in logs.
	Name            string
	Address         string
	TLSConfig       *tls.Config
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Server wraps an http.Server with context driven lifecycle.
type Server struct {
	server *http.Server
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	addr net.Addr
}

// New creates a server for h.
func New(cfg Config, h http.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "http"
	}

	return &Server{
		server: &http.Server{
			Addr:              cfg.Address,
			Handler:           h,
			TLSConfig:         cfg.TLSConfig,
			ReadHeaderTimeout: defaultReadHeaderTimeout,
		},
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("server", cfg.Name)),
	}
}

// Addr returns the bound address once the server listens, nil before.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Listen serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("HTTP server started",
		slog.String("address", ln.Addr().String()),
		slog.Bool("tls", s.server.TLSConfig != nil))

	errCh := make(chan error, 1)
	go func() {
		if s.server.TLSConfig != nil {
			errCh <- s.server.ServeTLS(ln, "", "")
			return
		}
		errCh <- s.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, closing HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error during shutdown", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("HTTP server shutdown complete")
		return nil

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
