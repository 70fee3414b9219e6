package worker

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
)

// Scheduler ticks the background tasks on a cron cadence. A redis
// SetNX lock keeps concurrent replicas from running the same task at
// the same time; with no redis configured it degrades to single-node
// operation.
type Scheduler struct {
	logger   *log.Logger
	rdb      *redis.Client
	tasks    []Task
	cron     string
	interval time.Duration
	lockTTL  time.Duration
	lastRun  map[string]time.Time
	now      func() time.Time
}

// NewScheduler constructs a scheduler over the given tasks.
func NewScheduler(logger *log.Logger, rdb *redis.Client, cron string, interval, lockTTL time.Duration, tasks ...Task) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &Scheduler{
		logger:   logger,
		rdb:      rdb,
		tasks:    tasks,
		cron:     cron,
		interval: interval,
		lockTTL:  lockTTL,
		lastRun:  make(map[string]time.Time),
		now:      time.Now,
	}
}

// Start blocks until the context is cancelled, ticking every interval
// and running whichever tasks are due.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Printf("scheduler starting; cadence %q, tick %s", s.cron, s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	for _, task := range s.tasks {
		if ctx.Err() != nil {
			return
		}
		last, ran := s.lastRun[task.Name()]
		if ran && !s.isDue(last) {
			continue
		}
		if !s.acquire(ctx, task.Name()) {
			continue
		}
		start := s.now()
		sum, err := task.RunOnce(ctx)
		s.lastRun[task.Name()] = start
		s.release(ctx, task.Name())
		if err != nil {
			s.logger.Printf("task %s: %v", task.Name(), err)
			continue
		}
		if sum.Processed > 0 || sum.Failed > 0 {
			s.logger.Printf("task %s: processed=%d applied=%d failed=%d skipped=%d in %s",
				task.Name(), sum.Processed, sum.Applied, sum.Failed, sum.Skipped, time.Since(start).Round(time.Millisecond))
		}
	}
}

func (s *Scheduler) acquire(ctx context.Context, name string) bool {
	if s.rdb == nil {
		return true
	}
	ok, err := s.rdb.SetNX(ctx, "worker:lock:"+name, "1", s.lockTTL).Result()
	if err != nil {
		s.logger.Printf("warn: lock %s: %v", name, err)
		return false
	}
	return ok
}

func (s *Scheduler) release(ctx context.Context, name string) {
	if s.rdb == nil {
		return
	}
	s.rdb.Del(ctx, "worker:lock:"+name)
}

// isDue supports "@hourly", "@daily" and 5-field cron expressions; an
// unparseable expression falls back to the tick interval.
func (s *Scheduler) isDue(last time.Time) bool {
	now := s.now()
	switch s.cron {
	case "@daily":
		return now.Sub(last) >= 24*time.Hour
	case "@hourly":
		return now.Sub(last) >= time.Hour
	case "":
		return true
	default:
		expr, err := cronexpr.Parse(s.cron)
		if err != nil {
			return now.Sub(last) >= s.interval
		}
		return !expr.Next(last).After(now)
	}
}
