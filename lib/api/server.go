// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server serves the control-plane API on a TCP listener. It owns the
// listener lifecycle and graceful shutdown; routing lives in the
// handler built by [NewHandler].
//
// Serve(ctx) blocks until the context is cancelled and in-flight
// requests drain.
type Server struct {
	address string
	handler http.Handler
	logger  *slog.Logger

	// shutdownTimeout is the maximum time to wait for in-flight
	// requests after the context is cancelled.
	shutdownTimeout time.Duration

	// ready is closed once the listener is bound.
	ready chan struct{}

	// addr is the resolved listen address, valid after ready closes.
	addr net.Addr
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address is the TCP listen address (e.g., ":8440",
	// "127.0.0.1:0"). Required.
	Address string

	// Handler serves requests. Required.
	Handler http.Handler

	// ShutdownTimeout defaults to 10 seconds.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// NewServer creates a server that will listen on the configured
// address. Call Serve to start accepting connections.
func NewServer(config ServerConfig) *Server {
	if config.Address == "" {
		panic("api.Server: Address is required")
	}
	if config.Handler == nil {
		panic("api.Server: Handler is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := config.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Server{
		address:         config.Address,
		handler:         config.Handler,
		logger:          logger,
		shutdownTimeout: timeout,
		ready:           make(chan struct{}),
	}
}

// Ready returns a channel that is closed once the server is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready()
// is closed; with port 0 it carries the assigned port.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Serve accepts connections until ctx is cancelled, then stops
// accepting and waits up to ShutdownTimeout for active requests.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler: s.handler,

		// Event waits are long polls bounded by the handler's
		// MaxWait, which stays below WriteTimeout.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      DefaultMaxWait + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("api server listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("api server shutdown error", "error", err)
		return fmt.Errorf("api server shutdown: %w", err)
	}

	s.logger.Info("api server stopped")
	return nil
}
