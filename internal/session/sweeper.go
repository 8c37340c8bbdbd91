package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openidx/sessiongate/internal/metrics"
)

// DefaultSweepInterval is used when no interval is configured
const DefaultSweepInterval = 5 * time.Minute

// SweepHook runs after each sweep, e.g. to prune caches keyed by session
type SweepHook func(now time.Time)

// Sweeper periodically removes expired session records
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *zap.Logger
	hooks    []SweepHook

	mu       sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper over store
func NewSweeper(store Store, interval time.Duration, logger *zap.Logger, hooks ...SweepHook) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger.With(zap.String("component", "session-sweeper")),
		hooks:    hooks,
	}
}

// Start launches the background loop. It stops when ctx is cancelled or
// Stop is called. Calling Start twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopChan != nil {
		return
	}
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})

	s.logger.Info("Starting session sweeper", zap.Duration("interval", s.interval))

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Session sweeper stopped")
				return
			case <-stop:
				s.logger.Info("Session sweeper stopped")
				return
			case <-ticker.C:
				if _, err := s.SweepOnce(ctx); err != nil {
					s.logger.Error("Failed to sweep expired sessions", zap.Error(err))
				}
			}
		}
	}(s.stopChan, s.done)
}

// Stop halts the background loop and waits for it to exit
func (s *Sweeper) Stop() {
	s.mu.Lock()
	stop, done := s.stopChan, s.done
	s.stopChan, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// SweepOnce removes expired records and runs the hooks
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := time.Now()
	n, err := s.store.SweepExpired(ctx, now)
	if err != nil {
		return n, err
	}

	for _, hook := range s.hooks {
		hook(now)
	}

	metrics.RecordSessionsSwept(n)
	if n > 0 {
		s.logger.Info("Swept expired sessions", zap.Int("count", n))
	}
	return n, nil
}

// Name implements server.Shutdownable
func (s *Sweeper) Name() string { return "session-sweeper" }

// Shutdown implements server.Shutdownable
func (s *Sweeper) Shutdown(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		s.Stop()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
