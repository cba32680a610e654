package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every aligned interval with the scheduled tick time.
type TickFunc func(ctx context.Context, tick time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval time.Duration
	// Offset shifts aligned ticks past local midnight, e.g. 30m runs at 00:30.
	Offset       time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	RunOnStart   bool
	// Location anchors alignment. Nil means UTC.
	Location *time.Location
}

// Scheduler drives aligned execution of the daily pipeline.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the tick function at each aligned interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunOnStart {
		s.execute(ctx, tick, time.Now())
	}

	next := s.nextTick(time.Now())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		s.execute(ctx, tick, next)
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, tick TickFunc, at time.Time) {
	s.logger.Info().Time("tick", at).Msg("executing scheduled tick")
	if err := tick(ctx, at); err != nil {
		s.logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
	}
}

// nextTick returns the first tick strictly after now. Aligned ticks are anchored at
// local midnight plus Offset and repeat every Interval.
func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	local := now.In(s.opts.Location)
	y, m, d := local.Date()
	t := time.Date(y, m, d, 0, 0, 0, 0, s.opts.Location).Add(s.opts.Offset)
	for t.After(now) {
		t = t.Add(-s.opts.Interval)
	}
	for !t.After(now) {
		t = t.Add(s.opts.Interval)
	}
	return t
}
