package collab

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Clock supplies the current epoch. Epochs never go backwards.
type Clock interface {
	CurrentEpoch() uint64
}

// ManualClock is a Clock moved explicitly by its owner.
type ManualClock struct {
	epoch atomic.Uint64
}

func NewManualClock(start uint64) *ManualClock {
	c := &ManualClock{}
	c.epoch.Store(start)
	return c
}

func (c *ManualClock) CurrentEpoch() uint64 {
	return c.epoch.Load()
}

// Advance moves the clock forward by n epochs and returns the new epoch.
func (c *ManualClock) Advance(n uint64) uint64 {
	return c.epoch.Add(n)
}

// Set moves the clock to epoch. Moving backwards is refused.
func (c *ManualClock) Set(epoch uint64) error {
	for {
		cur := c.epoch.Load()
		if epoch < cur {
			return fmt.Errorf("clock cannot move backwards: %d < %d", epoch, cur)
		}
		if c.epoch.CompareAndSwap(cur, epoch) {
			return nil
		}
	}
}

// SweepFunc expires every lapsed record and returns how many it expired.
type SweepFunc func(ctx context.Context) (int, error)

// EpochTicker advances a ManualClock on a cron schedule and runs the lapse
// sweep after each tick.
type EpochTicker struct {
	cron   *cron.Cron
	clock  *ManualClock
	sweep  SweepFunc
	ctx    context.Context
	logger zerolog.Logger
}

// NewEpochTicker builds a ticker. schedule uses the six-field cron syntax
// (seconds first), e.g. "*/10 * * * * *".
func NewEpochTicker(ctx context.Context, schedule string, clock *ManualClock, sweep SweepFunc, logger zerolog.Logger) (*EpochTicker, error) {
	t := &EpochTicker{
		cron:   cron.New(cron.WithSeconds()),
		clock:  clock,
		sweep:  sweep,
		ctx:    ctx,
		logger: logger,
	}
	if _, err := t.cron.AddFunc(schedule, t.Tick); err != nil {
		return nil, fmt.Errorf("register epoch tick %q: %w", schedule, err)
	}
	return t, nil
}

// Tick advances one epoch and sweeps. Exported for manual triggering.
func (t *EpochTicker) Tick() {
	epoch := t.clock.Advance(1)
	if t.sweep == nil {
		return
	}
	n, err := t.sweep(t.ctx)
	if err != nil {
		t.logger.Error().Err(err).Uint64("epoch", epoch).Msg("lapse sweep failed")
		return
	}
	if n > 0 {
		t.logger.Info().Uint64("epoch", epoch).Int("expired", n).Msg("lapse sweep expired records")
	}
}

func (t *EpochTicker) Start() {
	t.cron.Start()
	t.logger.Info().Uint64("epoch", t.clock.CurrentEpoch()).Msg("epoch ticker started")
}

// Stop stops scheduling and waits for a running tick to finish.
func (t *EpochTicker) Stop() {
	<-t.cron.Stop().Done()
	t.logger.Info().Uint64("epoch", t.clock.CurrentEpoch()).Msg("epoch ticker stopped")
}
