// Package app wires the replication engine, the table registry and the HTTP
// publisher into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoravur/expstream/internal/api"
	"github.com/zoravur/expstream/internal/config"
	"github.com/zoravur/expstream/internal/experiment"
	"github.com/zoravur/expstream/internal/sink"
	"github.com/zoravur/expstream/internal/source"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	httpServer *http.Server
	log        *zap.Logger
	Registry   *sink.Registry
	Engine     *experiment.Engine
}

func NewServer(cfg *config.Config, log *zap.Logger) (*Server, error) {
	dialer, err := source.NewDialer(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}

	reg := sink.NewRegistry()
	eng := experiment.NewEngine(reg, cfg, dialer, experiment.WithLogger(log))

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.SetupRoutes(reg, eng),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log:      log,
		Registry: reg,
		Engine:   eng,
	}, nil
}

// Watch starts replicating the given experiments.
func (s *Server) Watch(ids ...string) error {
	for _, id := range ids {
		if _, err := s.Engine.Start(id); err != nil {
			return fmt.Errorf("watching %s: %w", id, err)
		}
	}
	return nil
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully and
// stops every experiment.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutting down")
		defer s.Engine.Close()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(sctx)
	})

	return g.Wait()
}
