package registry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Sweeper periodically removes expired sessions so the registry does not
// accumulate dead entries between registrations. Correctness never depends
// on it running; lazy expiry on the read paths already excludes stale
// sessions.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	removals metric.Int64Counter
}

// NewSweeper creates a sweeper. The removals counter may be nil when
// metrics are disabled.
func NewSweeper(store Store, interval time.Duration, logger *slog.Logger, removals metric.Int64Counter) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		removals: removals,
	}
}

// Run sweeps on every tick until the context is cancelled. Blocking; callers
// run it in a goroutine.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "session sweeper started",
		slog.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "session sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			removed, err := s.store.Sweep(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "session sweep failed",
					slog.String("error", err.Error()))
				continue
			}
			if removed > 0 {
				s.logger.DebugContext(ctx, "session sweep removed expired sessions",
					slog.Int("removed", removed))
				if s.removals != nil {
					s.removals.Add(ctx, int64(removed))
				}
			}
		}
	}
}
