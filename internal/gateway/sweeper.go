package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-acp/internal/shared"
)

const defaultSweepInterval = 5 * time.Minute

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// Interval between sweeps. Zero uses five minutes.
	Interval time.Duration
	// TTL is how long a session may sit disconnected or in error before it
	// is torn down.
	TTL time.Duration
	// Retention is how long session records are kept after their last update.
	Retention time.Duration
	Logger    *slog.Logger
}

// Sweeper tears down idle sessions and prunes old records.
type Sweeper struct {
	registry *Registry
	cfg      SweeperConfig
	logger   *slog.Logger
}

// NewSweeper returns a Sweeper over registry.
func NewSweeper(registry *Registry, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{registry: registry, cfg: cfg, logger: cfg.Logger}
}

// Start runs the sweeper in the background until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer ticker.Stop()
		s.logger.Info("session sweeper started", "interval", s.cfg.Interval, "ttl", s.cfg.TTL)

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				s.logger.Info("session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep runs one pass. It returns the number of sessions evicted and
// records deleted.
func (s *Sweeper) Sweep(ctx context.Context) (evicted int, deleted int64) {
	if s.cfg.TTL > 0 {
		cutoff := s.registry.cfg.Clock.Now().Add(-s.cfg.TTL)
		for _, id := range s.registry.idleEntries(cutoff) {
			if s.registry.evictIdle(id, cutoff) {
				evicted++
				s.logger.Info("evicted idle session", "session_id", id, "ttl", s.cfg.TTL)
			}
		}
	}

	if s.cfg.Retention > 0 {
		err := shared.RetryOnConflict(ctx, busyRetries, busyBaseDelay, func() error {
			n, err := s.registry.cfg.Repo.DeleteExpiredSessions(ctx, s.cfg.Retention)
			deleted = n
			return err
		})
		if err != nil {
			s.logger.Warn("failed to prune session records", "error", err)
		} else if deleted > 0 {
			s.logger.Info("pruned session records", "count", deleted)
		}
	}
	return evicted, deleted
}

const (
	busyRetries   = 3
	busyBaseDelay = 50 * time.Millisecond
)
