// Package server runs the gateway's HTTP server and tears down its
// dependencies in order when the process is asked to stop.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultShutdownTimeout bounds the whole shutdown sequence
const DefaultShutdownTimeout = 30 * time.Second

// Shutdownable represents a component that can be gracefully shut down
type Shutdownable interface {
	Shutdown(ctx context.Context) error
	Name() string
}

// ShutdownFunc wraps a function to implement Shutdownable
type ShutdownFunc struct {
	name string
	fn   func(context.Context) error
}

// NewShutdownFunc creates a Shutdownable from a function
func NewShutdownFunc(name string, fn func(context.Context) error) *ShutdownFunc {
	return &ShutdownFunc{name: name, fn: fn}
}

// Name returns the component name
func (s *ShutdownFunc) Name() string {
	return s.name
}

// Shutdown calls the wrapped function
func (s *ShutdownFunc) Shutdown(ctx context.Context) error {
	return s.fn(ctx)
}

// Config holds configuration for graceful shutdown
type Config struct {
	Server          *http.Server
	Logger          *zap.Logger
	Shutdownables   []Shutdownable
	ShutdownTimeout time.Duration
}

// GracefulShutdown drains the HTTP server, then shuts components down one at
// a time in registration order: background workers first, stores last.
type GracefulShutdown struct {
	server          *http.Server
	logger          *zap.Logger
	shutdownables   []Shutdownable
	shutdownTimeout time.Duration
	signalChan      chan os.Signal
	mu              sync.Mutex
	once            sync.Once
}

// New creates a new GracefulShutdown manager
func New(cfg Config) *GracefulShutdown {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &GracefulShutdown{
		server:          cfg.Server,
		logger:          cfg.Logger,
		shutdownables:   cfg.Shutdownables,
		shutdownTimeout: cfg.ShutdownTimeout,
		signalChan:      make(chan os.Signal, 1),
	}
}

// AddShutdownable adds a component to the end of the shutdown sequence
func (g *GracefulShutdown) AddShutdownable(s Shutdownable) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shutdownables = append(g.shutdownables, s)
}

// AddShutdownFunc adds a shutdown function to the end of the shutdown sequence
func (g *GracefulShutdown) AddShutdownFunc(name string, fn func(context.Context) error) {
	g.AddShutdownable(NewShutdownFunc(name, fn))
}

// Wait blocks until SIGINT, SIGTERM or SIGQUIT arrives, or ctx is done, and
// then runs the shutdown sequence
func (g *GracefulShutdown) Wait(ctx context.Context) {
	signal.Notify(g.signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(g.signalChan)

	select {
	case sig := <-g.signalChan:
		g.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		g.logger.Info("Context cancelled, initiating shutdown")
	}
	g.shutdown()
}

// Shutdown triggers the shutdown sequence from inside the process
func (g *GracefulShutdown) Shutdown() {
	select {
	case g.signalChan <- syscall.SIGTERM:
		g.logger.Info("Manual shutdown triggered")
	default:
		g.logger.Info("Shutdown already in progress")
	}
}

func (g *GracefulShutdown) shutdown() {
	g.once.Do(func() {
		g.logger.Info("Starting graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), g.shutdownTimeout)
		defer cancel()

		// stop accepting requests before anything they depend on goes away
		if g.server != nil {
			if err := g.server.Shutdown(ctx); err != nil {
				g.logger.Warn("Server shutdown did not finish, forcing close", zap.Error(err))
				_ = g.server.Close()
			} else {
				g.logger.Info("HTTP server shutdown complete")
			}
		}

		g.mu.Lock()
		components := append([]Shutdownable(nil), g.shutdownables...)
		g.mu.Unlock()

		for _, s := range components {
			if err := s.Shutdown(ctx); err != nil {
				g.logger.Error("Error shutting down component",
					zap.String("component", s.Name()),
					zap.Error(err))
				continue
			}
			g.logger.Info("Component shutdown complete", zap.String("component", s.Name()))
		}

		g.logger.Info("Graceful shutdown complete")
	})
}

// ListenAndServe starts the HTTP server and blocks until shutdown completes.
// A listener failure shuts the dependencies down and is returned.
func (g *GracefulShutdown) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("Server listening", zap.String("addr", g.server.Addr))
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	failed := make(chan error, 1)
	go func() {
		if err, ok := <-errCh; ok {
			g.logger.Error("Server error", zap.Error(err))
			failed <- err
			cancel()
		}
		close(failed)
	}()

	g.Wait(waitCtx)
	return <-failed
}

// CloseDB is a helper that returns a ShutdownFunc for closing a database connection
func CloseDB(db interface{ Close() error }) Shutdownable {
	return NewShutdownFunc("database", func(context.Context) error {
		return db.Close()
	})
}

// CloseRedis is a helper that returns a ShutdownFunc for closing a Redis connection
func CloseRedis(redis interface{ Close() error }) Shutdownable {
	return NewShutdownFunc("redis", func(context.Context) error {
		return redis.Close()
	})
}

// CloseTracer is a helper that returns a ShutdownFunc for flushing the tracer
func CloseTracer(shutdownFunc func(context.Context) error) Shutdownable {
	return NewShutdownFunc("tracer", shutdownFunc)
}
