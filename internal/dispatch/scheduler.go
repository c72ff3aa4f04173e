package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"scribevault/internal/logging"
)

// Compactor is anything that can rewrite its container dropping
// superseded datasets. Satisfied by *store.Store.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Scheduler owns the shared cron scheduler for background maintenance.
// All periodic work (container compaction, future sweeps) registers jobs
// here rather than maintaining separate tickers.
type Scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job
	logger    *slog.Logger
}

func NewScheduler(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create cron scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		jobs:      make(map[string]gocron.Job),
		logger:    logging.Default(logger).With("component", "scheduler"),
	}, nil
}

// AddJob registers a named cron job. The name must be unique.
func (s *Scheduler) AddJob(name, cronExpr string, taskFn any, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduled job already exists: %s", name)
	}

	j, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, true),
		gocron.NewTask(taskFn, args...),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", name, err)
	}

	s.jobs[name] = j
	s.logger.Info("scheduled job added", "name", name, "cron", cronExpr)
	return nil
}

// RemoveJob stops and removes a named job. No-op if the job doesn't exist.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, exists := s.jobs[name]
	if !exists {
		return
	}
	_ = s.scheduler.RemoveJob(j.ID())
	delete(s.jobs, name)
	s.logger.Info("scheduled job removed", "name", name)
}

// Start begins executing registered jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}

// ScheduleCompaction registers a periodic compaction sweep for a store.
// Superseded dataset versions accumulate with every metadata rewrite and
// placeholder fill; the sweep reclaims them. Compaction failures are
// logged and retried on the next tick.
func (s *Scheduler) ScheduleCompaction(name, cronExpr string, c Compactor, timeout time.Duration) error {
	return s.AddJob("compact:"+name, cronExpr, func() {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := c.Compact(ctx); err != nil {
			s.logger.Error("compaction sweep failed", "store", name, "error", err)
			return
		}
		s.logger.Info("compaction sweep finished", "store", name)
	})
}
