package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically reclaims expired generation buckets.
type Sweeper struct {
	limiter  *WindowLimiter
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewSweeper(limiter *WindowLimiter, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		limiter:  limiter,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	slog.Info("bucket sweeper started", "interval", s.interval)
}

func (s *Sweeper) Stop() {
	close(s.stop)
	s.wg.Wait()
	slog.Info("bucket sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	removed, err := s.limiter.Sweep(ctx)
	if err != nil {
		slog.Warn("bucket sweep failed", "err", err)
		return
	}
	if removed > 0 {
		slog.Debug("reclaimed stale buckets", "count", removed)
	}
}
