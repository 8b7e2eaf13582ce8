package session

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// pollFunc runs one poll cycle.
type pollFunc func(ctx context.Context)

// cadence is one independent poll loop. A nil ticks channel means the
// loop drives itself with a time.Ticker at interval; tests inject their
// own channel to step simulated time.
type cadence struct {
	name     string
	interval time.Duration
	ticks    <-chan time.Time
	poll     pollFunc
	busy     atomic.Bool
}

// scheduler runs the periodic poll cadences. Cycles never overlap
// themselves: a tick arriving while the previous cycle of the same
// cadence is still running is skipped with a diagnostic.
type scheduler struct {
	log      *zap.Logger
	cadences []*cadence
}

func newScheduler(log *zap.Logger) *scheduler {
	return &scheduler{log: log}
}

func (s *scheduler) add(name string, interval time.Duration, ticks <-chan time.Time, poll pollFunc) {
	s.cadences = append(s.cadences, &cadence{
		name:     name,
		interval: interval,
		ticks:    ticks,
		poll:     poll,
	})
}

// Run blocks until ctx is cancelled.
func (s *scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range s.cadences {
		c := c
		g.Go(func() error { return s.loop(ctx, c) })
	}
	return g.Wait()
}

func (s *scheduler) loop(ctx context.Context, c *cadence) error {
	ticks := c.ticks
	if ticks == nil {
		t := time.NewTicker(c.interval)
		defer t.Stop()
		ticks = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ticks:
			if !ok {
				return nil
			}
			if !c.busy.CompareAndSwap(false, true) {
				s.log.Warn("session: poll cycle still running, skipping tick",
					zap.String("poll", c.name),
					zap.Duration("interval", c.interval))
				continue
			}
			go func() {
				defer c.busy.Store(false)
				c.poll(ctx)
			}()
		}
	}
}
