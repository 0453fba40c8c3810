package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ExpiredStore is the store capability the Purger needs.
type ExpiredStore interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type Purger struct {
	store   ExpiredStore
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewPurger wraps store. A zero timeout leaves the purge unbounded.
func NewPurger(store ExpiredStore, timeout time.Duration, logger *slog.Logger) (*Purger, error) {
	if store == nil {
		return nil, errors.New("cleanup: store must not be nil")
	}
	if timeout < 0 {
		return nil, errors.New("cleanup: timeout must not be negative")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Purger{store: store, timeout: timeout, logger: logger, now: time.Now}, nil
}

// PurgeExpired deletes every story expired at call time and returns how many
// were removed. Errors are logged and reported as 0.
func (p *Purger) PurgeExpired(ctx context.Context) int64 {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	n, err := p.store.PurgeExpired(ctx, p.now().UTC())
	if err != nil {
		p.logger.Error("purge expired stories failed", "err", err)
		return 0
	}
	return n
}
