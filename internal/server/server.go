// Package server exposes the session registry over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sevir/kernelbridge/internal/registry"
)

// Server is the HTTP API server.
type Server struct {
	registry   *registry.Registry
	addr       string
	version    string
	commit     string
	logger     *zap.Logger
	httpServer *http.Server
}

// Config holds server configuration.
type Config struct {
	Addr     string
	Registry *registry.Registry
	Version  string
	Commit   string
	Logger   *zap.Logger
}

// New creates an HTTP server around a registry.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry: cfg.Registry,
		addr:     cfg.Addr,
		version:  cfg.Version,
		commit:   cfg.Commit,
		logger:   logger,
	}

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.newGinEngine(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: execute responses can stream for a long time.
		WriteTimeout: 0,
	}

	return s
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("api server starting", zap.String("addr", s.addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
