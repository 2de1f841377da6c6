// Package scheduler runs periodic maintenance for the background task store.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Cleaner removes terminal tasks older than maxAge and reports how many went.
type Cleaner interface {
	Cleanup(maxAge time.Duration) int
}

type CleanupConfig struct {
	// Schedule is a 5-field cron expression or a descriptor such as "@every 15m".
	Schedule string
	MaxAge   time.Duration
	Logger   *slog.Logger
	// OnRun observes each sweep.
	OnRun func(removed int)
}

// CleanupJob sweeps finished tasks on a cron schedule.
type CleanupJob struct {
	cron    *cron.Cron
	entry   cron.EntryID
	cleaner Cleaner
	maxAge  time.Duration
	logger  *slog.Logger
	onRun   func(removed int)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a schedule without starting anything.
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return schedule, nil
}

func NewCleanupJob(cleaner Cleaner, cfg CleanupConfig) (*CleanupJob, error) {
	if cleaner == nil {
		return nil, fmt.Errorf("cleanup job requires a cleaner")
	}
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("cleanup max age must be positive")
	}
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	j := &CleanupJob{
		cron:    cron.New(cron.WithParser(parser)),
		cleaner: cleaner,
		maxAge:  cfg.MaxAge,
		logger:  cfg.Logger.With("component", "cleanup"),
		onRun:   cfg.OnRun,
	}
	j.entry = j.cron.Schedule(schedule, cron.FuncJob(func() { j.RunOnce() }))
	return j, nil
}

// RunOnce performs a sweep immediately.
func (j *CleanupJob) RunOnce() int {
	removed := j.cleaner.Cleanup(j.maxAge)
	if removed > 0 {
		j.logger.Info("background tasks swept", "removed", removed, "max_age", j.maxAge)
	}
	if j.onRun != nil {
		j.onRun(removed)
	}
	return removed
}

func (j *CleanupJob) Start() {
	j.cron.Start()
	j.logger.Debug("cleanup schedule started", "next", j.Next())
}

// Stop halts the schedule and waits for a running sweep, or ctx, whichever
// comes first.
func (j *CleanupJob) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next is the next scheduled sweep, or the zero time before Start.
func (j *CleanupJob) Next() time.Time {
	return j.cron.Entry(j.entry).Next
}
