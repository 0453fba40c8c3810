package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper purges from inside request handling, for processes that own a
// process-local store and cannot keep a background loop alive between
// requests. Sweep runs at most once per interval and never concurrently.
type Sweeper struct {
	purger   purgeRunner
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	running atomic.Bool
	last    time.Time // guarded by running
}

// NewSweeper wraps purger. A non-positive interval selects DefaultInterval.
func NewSweeper(purger purgeRunner, interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if purger == nil {
		return nil, errors.New("cleanup: purger must not be nil")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{purger: purger, interval: interval, logger: logger, now: time.Now}, nil
}

// Sweep purges synchronously when the interval has elapsed since the last
// sweep and no other sweep is running. It reports whether a purge ran.
func (s *Sweeper) Sweep(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		return false
	}
	defer s.running.Store(false)

	now := s.now()
	if !s.last.IsZero() && now.Sub(s.last) < s.interval {
		return false
	}
	s.last = now
	runPurge(ctx, s.purger, s.logger)
	return true
}
