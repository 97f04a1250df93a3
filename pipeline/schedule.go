package pipeline

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Start launches the delivery queue workers and the run scheduler, then
// returns. Both stop when ctx is cancelled; in-flight page loads,
// inference calls and sends run to their own deadlines.
func (s *Service) Start(ctx context.Context) {
	go s.queue.Run(ctx)
	go s.loop(ctx)
}

// loop fires runs on the day/night cadence. The first run starts
// immediately; after a failed run the schedule pauses briefly before
// the next slot is drawn.
func (s *Service) loop(ctx context.Context) {
	s.log.Info("pipeline: scheduler started",
		"timezone", s.loc.String(),
		"day_window", s.cfg.DayStart, "day_end", s.cfg.DayEnd,
		"day_interval", s.cfg.DayMin, "night_interval", s.cfg.NightMin)

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrBusy) {
			// A short pause and another try, not a full interval: a run
			// that failed outright usually hit something transient.
			s.log.Error("pipeline: scheduled run failed", "error", err)
			s.setNextRun(time.Now().Add(s.cfg.ErrorPause))
			if !sleepCtx(ctx, s.cfg.ErrorPause) {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}

		delay := s.nextDelay(time.Now().In(s.loc))
		s.setNextRun(time.Now().Add(delay))
		s.log.Info("pipeline: next run scheduled", "in", delay)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// nextDelay draws the wait before the next run: minutes inside the day
// window, tens of minutes at night, uniform within the configured range.
func (s *Service) nextDelay(now time.Time) time.Duration {
	hour := now.Hour()
	if hour >= s.cfg.DayStart && hour < s.cfg.DayEnd {
		return between(s.cfg.DayMin, s.cfg.DayMax)
	}
	return between(s.cfg.NightMin, s.cfg.NightMax)
}

// between returns a uniform duration in [lo, hi].
func between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
