package retention

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the nightly retention job.
type SchedulerConfig struct {
	Archiver  *Archiver
	Horizon   time.Duration
	RunHour   int
	RunMinute int
	Location  *time.Location
}

// Scheduler archives entries older than the horizon once a day.
type Scheduler struct {
	archiver  *Archiver
	horizon   time.Duration
	runHour   int
	runMinute int
	location  *time.Location
	now       func() time.Time
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	horizon := cfg.Horizon
	if horizon <= 0 {
		horizon = 365 * 24 * time.Hour
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		archiver:  cfg.Archiver,
		horizon:   horizon,
		runHour:   clampHour(cfg.RunHour),
		runMinute: clampMinute(cfg.RunMinute),
		location:  loc,
		now:       time.Now,
	}
}

// Start runs the loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.archiver == nil {
		return
	}
	for {
		now := s.now().In(s.location)
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.archiver.Run(ctx, next.Add(-s.horizon)); err != nil {
				slog.ErrorContext(ctx, "retention run failed",
					slog.String("component", "retention"),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !target.After(after) {
		target = target.AddDate(0, 0, 1)
	}
	return target
}

func clampHour(hour int) int {
	if hour < 0 {
		return 0
	}
	if hour > 23 {
		return 23
	}
	return hour
}

func clampMinute(minute int) int {
	if minute < 0 {
		return 0
	}
	if minute > 59 {
		return 59
	}
	return minute
}
