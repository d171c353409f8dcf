// Package maintenance runs the background janitor: a cron-scheduled sweep
// that expires overdue tasks and reaps idle rate-limiter buckets.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Cleaner expires overdue tasks. Implemented by the orchestrator.
type Cleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// Reaper evicts idle per-client buckets. Implemented by the rate limiter.
type Reaper interface {
	ReapIdle(maxIdle time.Duration) int
}

// Config holds the janitor's dependencies.
type Config struct {
	Cleaner Cleaner
	Reaper  Reaper
	// Schedule is a 5-field cron expression for the sweep.
	Schedule string
	// ReapIdleAfter is the idle cutoff passed to the reaper.
	ReapIdleAfter time.Duration
	// TickInterval is how often the schedule is checked; defaults to 30s.
	TickInterval time.Duration
	Logger       *slog.Logger
}

// Janitor fires the sweep whenever the cron schedule comes due.
type Janitor struct {
	cleaner       Cleaner
	reaper        Reaper
	schedule      cronlib.Schedule
	reapIdleAfter time.Duration
	tickInterval  time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New parses the schedule and builds a janitor. An unparsable expression is
// a configuration error and fails fast.
func New(cfg Config) (*Janitor, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = 30 * time.Second
	}
	reapAfter := cfg.ReapIdleAfter
	if reapAfter <= 0 {
		reapAfter = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		cleaner:       cfg.Cleaner,
		reaper:        cfg.Reaper,
		schedule:      sched,
		reapIdleAfter: reapAfter,
		tickInterval:  tick,
		nextRun:       sched.Next(time.Now()),
		logger:        logger,
	}, nil
}

// NextRun reports when the next sweep is due.
func (j *Janitor) NextRun() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextRun
}

// Start begins the janitor loop in a background goroutine.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.loop(ctx)
	j.logger.Info("maintenance janitor started", "next_run", j.NextRun())
}

// Stop cancels the loop and waits for it to exit.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
	j.logger.Info("maintenance janitor stopped")
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			j.mu.Lock()
			due := !now.Before(j.nextRun)
			if due {
				j.nextRun = j.schedule.Next(now)
			}
			j.mu.Unlock()
			if due {
				j.Sweep(ctx)
			}
		}
	}
}

// Sweep runs one maintenance pass. Exposed so the daemon can force a sweep
// on demand.
func (j *Janitor) Sweep(ctx context.Context) {
	if j.cleaner != nil {
		expired, err := j.cleaner.CleanupExpired(ctx)
		if err != nil {
			j.logger.Error("maintenance: expiry sweep failed", "error", err)
		} else if expired > 0 {
			j.logger.Info("maintenance: tasks expired", "count", expired)
		}
	}
	if j.reaper != nil {
		if reaped := j.reaper.ReapIdle(j.reapIdleAfter); reaped > 0 {
			j.logger.Info("maintenance: idle buckets reaped", "count", reaped)
		}
	}
}

// NextRunTime parses a cron expression and returns the first run after the
// given time. Used by config validation and the status command.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
