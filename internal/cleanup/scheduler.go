package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is how often expired stories are purged.
const DefaultInterval = time.Hour

type purgeRunner interface {
	PurgeExpired(ctx context.Context) int64
}

// Scheduler owns the purge loop of a process.
type Scheduler struct {
	purger   purgeRunner
	interval time.Duration
	logger   *slog.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewScheduler(purger purgeRunner, interval time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if purger == nil {
		return nil, errors.New("cleanup: purger must not be nil")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{purger: purger, interval: interval, logger: logger}, nil
}

// Run purges immediately, then once per interval until ctx is done. It waits
// for an in-flight purge before returning.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.wg.Wait()

	s.logger.Info("cleanup scheduler started", "interval", s.interval.String())
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cleanup scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts a purge unless the previous one has not finished. The purge
// runs on its own goroutine so a hung database call never delays the ticker.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous purge still running, skipping tick")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)

		runPurge(ctx, s.purger, s.logger)
	}()
}

// runPurge runs one purge and logs its outcome. A failed purge has already
// been logged by the Purger and also reports zero here.
func runPurge(ctx context.Context, purger purgeRunner, logger *slog.Logger) int64 {
	start := time.Now()
	n := purger.PurgeExpired(ctx)
	if n > 0 {
		logger.Info("purged expired stories", "count", n, "took", time.Since(start).String())
		return n
	}
	logger.Info("no stories purged", "took", time.Since(start).String())
	return 0
}
