// Package dispatch runs background units of pipeline work against the
// task store with bounded concurrency.
//
// The pool is the store's primary writer. Workers run a unit to
// completion without cooperative suspension; the default pool width is
// one worker, which keeps all container writes naturally serialized.
// Wider pools remain safe — the store serializes writes internally — but
// gain little, since the write path is the bottleneck they contend on.
package dispatch

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"scribevault/internal/logging"
)

var (
	ErrAlreadyRunning = errors.New("pool already running")
	ErrNotRunning     = errors.New("pool is not running")
)

// Job is one unit of background work. Run must respect context
// cancellation and return promptly when the context is done; a worker
// observing a cancelled task in the metadata ledger is expected to stop
// voluntarily.
type Job interface {
	ID() uuid.UUID
	Kind() string
	Run(ctx context.Context) error
}

type funcJob struct {
	id   uuid.UUID
	kind string
	fn   func(ctx context.Context) error
}

func (j funcJob) ID() uuid.UUID                 { return j.id }
func (j funcJob) Kind() string                  { return j.kind }
func (j funcJob) Run(ctx context.Context) error { return j.fn(ctx) }

// NewJob wraps a function as a Job with a fresh v7 id.
func NewJob(kind string, fn func(ctx context.Context) error) Job {
	return funcJob{id: uuid.Must(uuid.NewV7()), kind: kind, fn: fn}
}

type Config struct {
	// Workers is the number of concurrent workers. Defaults to 1.
	Workers int

	// QueueSize is the submit buffer. Defaults to 16.
	QueueSize int

	// Logger for structured logging. If nil, logging is disabled.
	// The pool scopes this logger with component="dispatch".
	Logger *slog.Logger
}

// Pool is a bounded-concurrency worker pool.
type Pool struct {
	mu         sync.Mutex
	cfg        Config
	jobs       chan Job
	cancel     context.CancelFunc
	group      *errgroup.Group
	submitters sync.WaitGroup // Submits holding a reference to jobs
	running    bool
	logger     *slog.Logger
}

func New(cfg Config) *Pool {
	cfg.Workers = cmp.Or(cfg.Workers, 1)
	cfg.QueueSize = cmp.Or(cfg.QueueSize, 16)
	return &Pool{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "dispatch"),
	}
}

// Start launches the workers. Returns ErrAlreadyRunning if started.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.jobs = make(chan Job, p.cfg.QueueSize)
	p.group = &errgroup.Group{}
	p.running = true

	p.logger.Info("starting dispatch pool", "workers", p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		p.group.Go(func() error {
			p.workerLoop(ctx)
			return nil
		})
	}
	return nil
}

// Submit enqueues a job, blocking while the queue is full. Returns
// ErrNotRunning if the pool is stopped, or the context error if ctx ends
// first.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	jobs := p.jobs
	// Registered while still holding the lock, so Stop either sees this
	// submitter and waits for it, or has already flipped running.
	p.submitters.Add(1)
	p.mu.Unlock()
	defer p.submitters.Done()

	select {
	case jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains queued jobs and waits for in-flight work to finish.
// A Submit already blocked on a full queue is allowed to land and its
// job runs during the drain; jobs submitted after Stop fail with
// ErrNotRunning.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	group := p.group
	cancel := p.cancel
	p.mu.Unlock()

	// A Submit blocked on a full queue still holds a reference to the
	// channel; closing it under that sender would panic. Workers keep
	// draining until the close, so every registered submitter completes.
	p.submitters.Wait()
	close(p.jobs)

	err := group.Wait()
	cancel()
	p.logger.Info("dispatch pool stopped")
	return err
}

// workerLoop runs jobs until the queue closes. Job failures are logged,
// not propagated: recording the failure on the task's metadata is the
// submitting caller's responsibility.
func (p *Pool) workerLoop(ctx context.Context) {
	for job := range p.jobs {
		if err := ctx.Err(); err != nil {
			p.logger.Warn("dropping job, pool context done",
				"job", job.ID().String(), "kind", job.Kind())
			continue
		}
		if err := job.Run(ctx); err != nil {
			p.logger.Error("job failed",
				"job", job.ID().String(), "kind", job.Kind(), "error", err)
			continue
		}
		p.logger.Debug("job finished", "job", job.ID().String(), "kind", job.Kind())
	}
}
