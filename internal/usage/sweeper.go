package usage

import (
	"context"
	"log/slog"
	"time"

	"serialhub/internal/infrastructure"
)

const DefaultSweepInterval = time.Hour

// Expirer is the part of the tracker the sweeper drives.
type Expirer interface {
	CleanupExpiredUsages(ctx context.Context, now time.Time) (int, error)
}

// Sweeper periodically expires lapsed seats.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	metrics  *infrastructure.BusinessMetrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewSweeper(expirer Expirer, interval time.Duration, metrics *infrastructure.BusinessMetrics, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		expirer:  expirer,
		interval: interval,
		metrics:  metrics,
		logger:   infrastructure.WithComponent(logger, "usage_sweeper"),
		now:      time.Now,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "usage sweeper started", slog.Duration("interval", s.interval))
	for {
		s.sweepOnce(ctx)

		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "usage sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	passCtx := infrastructure.EnsureTraceID(ctx)
	start := time.Now()

	n, err := s.expirer.CleanupExpiredUsages(passCtx, s.now())
	if err != nil {
		s.logger.ErrorContext(passCtx, "usage sweep failed",
			slog.String("operation", "cleanup_expired_usages"),
			slog.String("outcome", "failure"),
			slog.String("error", err.Error()),
		)
		return
	}
	if s.metrics != nil && n > 0 {
		s.metrics.UsageSweepPurged.Add(passCtx, int64(n))
	}
	s.logger.DebugContext(passCtx, "usage sweep finished",
		slog.Int("expired", n),
		slog.Duration("duration", time.Since(start)),
	)
}
