package uploads

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically refunds upload tickets that were never confirmed.
// Settle is atomic, so replicas sweeping at once refund each ticket once.
type Sweeper struct {
	gate     *Gate
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates a hold sweeper.
func NewSweeper(g *Gate, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		gate:     g,
		interval: interval,
		batch:    500,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sweeper) sweep(ctx context.Context) int {
	n, err := s.gate.ExpireStale(ctx, s.batch)
	if err != nil {
		s.logger.Warn("failed to expire upload tickets", "error", err)
	}
	if n > 0 {
		s.logger.Info("unconfirmed upload tickets refunded", "count", n)
	}
	return n
}
