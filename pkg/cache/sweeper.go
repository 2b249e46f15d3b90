package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type sweeper struct {
	cron *cron.Cron
}

// Start schedules the expiry sweeper. It is a no-op when SweepInterval is zero
// or the sweeper is already running.
func (s *Store) Start(ctx context.Context) error {
	if s.opts.SweepInterval <= 0 || s.sweeper != nil {
		return nil
	}
	spec := fmt.Sprintf("@every %s", s.opts.SweepInterval)
	c := cron.New()
	if _, err := c.AddFunc(spec, s.sweepJob(ctx, spec)); err != nil {
		return fmt.Errorf("schedule cache sweep: %w", err)
	}
	c.Start()
	s.sweeper = &sweeper{cron: c}
	s.log.Info("cache sweeper started", zap.String("spec", spec))
	return nil
}

// Stop halts the sweeper and waits for a running sweep to finish.
func (s *Store) Stop() {
	if s.sweeper == nil {
		return
	}
	<-s.sweeper.cron.Stop().Done()
	s.sweeper = nil
}

func (s *Store) sweepJob(ctx context.Context, spec string) func() {
	var running atomic.Bool
	return func() {
		if !running.CompareAndSwap(false, true) {
			s.log.Debug("cache sweep skipped: still running", zap.String("spec", spec))
			return
		}
		defer running.Store(false)

		start := time.Now()
		n := s.Sweep(ctx)
		if n > 0 {
			s.log.Info("cache sweep finished", zap.Int("expired", n), zap.Duration("duration", time.Since(start)))
		}
	}
}
