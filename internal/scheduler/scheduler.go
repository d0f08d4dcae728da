package scheduler

import (
	"context"
	"log"
	"time"
)

// Sweeper is the end-of-day closer the scheduler drives once per day.
type Sweeper interface {
	SweepAllSites(ctx context.Context)
}

// Scheduler fires the daily sweep at a fixed local wall-clock time. It arms
// a timer for the exact next fire instant instead of polling the clock, so
// DST transitions and process pauses cannot cause missed or doubled runs.
type Scheduler struct {
	sweeper Sweeper
	hour    int
	minute  int
	loc     *time.Location
}

func New(sweeper Sweeper, hour int, minute int, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{sweeper: sweeper, hour: hour, minute: minute, loc: loc}
}

// NextFire returns the first instant strictly after now whose local
// wall-clock reading in loc is hour:minute.
func NextFire(now time.Time, hour int, minute int, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run blocks until ctx is cancelled, sweeping at every fire instant.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := NextFire(time.Now(), s.hour, s.minute, s.loc)
		log.Printf("[scheduler] next automatic close at %s", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Println("[scheduler] stopped")
			return
		case <-timer.C:
		}

		s.sweeper.SweepAllSites(ctx)
	}
}
