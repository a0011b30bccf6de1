package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Locker serializes the reset sweep across replicas. *cache.Redis satisfies it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

const sweepLockKey = "ledger:reset-sweep"

// Timer periodically resets accounts whose billing period has elapsed.
type Timer struct {
	ledger   *Ledger
	interval time.Duration
	batch    int
	locker   Locker
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewTimer creates a new billing period reset timer.
func NewTimer(ledger *Ledger, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Timer{
		ledger:   ledger,
		interval: interval,
		batch:    500,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithLocker makes the sweep take a distributed lock before running.
func (t *Timer) WithLocker(l Locker) *Timer {
	t.locker = l
	return t
}

// Start begins the reset loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop signals the timer to stop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) sweep(ctx context.Context) int {
	if t.locker != nil {
		token, ok, err := t.locker.TryLock(ctx, sweepLockKey, t.interval)
		if err != nil {
			t.logger.Warn("reset sweep lock failed", "error", err)
			return 0
		}
		if !ok {
			t.logger.Debug("reset sweep held by another replica")
			return 0
		}
		defer func() {
			if err := t.locker.Release(context.WithoutCancel(ctx), sweepLockKey, token); err != nil {
				t.logger.Warn("reset sweep unlock failed", "error", err)
			}
		}()
	}

	count, err := t.ledger.ResetDue(ctx, t.batch)
	if err != nil {
		t.logger.Warn("failed to reset billing periods", "error", err)
	}
	if count > 0 {
		t.logger.Info("billing periods reset", "count", count)
	}
	return count
}
