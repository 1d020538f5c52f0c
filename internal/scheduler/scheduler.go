package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per cycle with the cycle start time.
type TickFunc func(ctx context.Context, started time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
}

// Scheduler runs a tick, then sleeps the interval minus the tick's duration.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
	}
}

// Run blocks, invoking tick immediately and then once per interval until ctx
// is cancelled. Cancellation is only observed between ticks; a running tick
// is left to finish on its own terms.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		started := s.now().UTC()
		s.logger.Info().Time("started", started).Msg("executing scheduled tick")
		if err := tick(ctx, started); err != nil {
			s.logger.Error().Err(err).Time("started", started).Msg("tick execution failed")
		}

		wait := NextDelay(s.opts.Interval, s.now().Sub(started))
		s.logger.Debug().Dur("wait", wait).Msg("waiting for next tick")
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// NextDelay is interval minus elapsed, floored at zero.
func NextDelay(interval, elapsed time.Duration) time.Duration {
	if d := interval - elapsed; d > 0 {
		return d
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
