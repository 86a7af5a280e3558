// Package api serves the recorded run history over a read-only HTTP API.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mlOS-foundation/system-test/pkg/config"
	"github.com/mlOS-foundation/system-test/pkg/history"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Addr returns the bound listen address once started.
	Addr() string
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log         logrus.FieldLogger
	cfg         *config.APIConfig
	history     history.Store
	localServer *localFileServer
	users       map[string]string
	httpServer  *http.Server
	addr        string
	wg          sync.WaitGroup
}

// NewServer creates a new API server reading from a started history store.
// Run files are served from resultsDir.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	store history.Store,
	resultsDir string,
) Server {
	return &server{
		log:         log.WithField("component", "api"),
		cfg:         cfg,
		history:     store,
		localServer: newLocalFileServer(log, resultsDir),
	}
}

// Start hashes the configured users and starts the HTTP server.
func (s *server) Start(_ context.Context) error {
	if s.cfg.Auth.Enabled {
		users, err := hashUsers(s.cfg.Auth.Users)
		if err != nil {
			return fmt.Errorf("preparing users: %w", err)
		}

		s.users = users
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.addr = ln.Addr().String()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.addr).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the bound listen address.
func (s *server) Addr() string {
	return s.addr
}

// Stop gracefully shuts down the HTTP server. The history store is owned
// by the caller.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
