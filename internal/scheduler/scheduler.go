package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mooses23/gemachhub/pkg/metrics"
	"github.com/robfig/cron/v3"
)

type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type funcJob struct {
	name string
	fn   func(ctx context.Context) error
}

func (j funcJob) Name() string                  { return j.name }
func (j funcJob) Run(ctx context.Context) error { return j.fn(ctx) }

// Func adapts a plain function into a Job.
func Func(name string, fn func(ctx context.Context) error) Job {
	return funcJob{name: name, fn: fn}
}

// Locker is held for the length of one run so that only one process
// executes a given job at a time.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockFactory returns the lock for a job name. A nil factory runs jobs
// unlocked, which is only safe with a single worker process.
type LockFactory func(name string) (Locker, error)

// Scheduler runs registered jobs on cron specs (UTC, seconds precision).
type Scheduler struct {
	cron    *cron.Cron
	metrics *metrics.JobMetrics
	locks   LockFactory
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(jobMetrics *metrics.JobMetrics, locks LockFactory, logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		metrics: jobMetrics,
		locks:   locks,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Scheduler) Register(spec string, job Job) error {
	if _, err := s.cron.AddFunc(spec, func() { _ = s.RunNow(s.ctx, job) }); err != nil {
		return fmt.Errorf("register job %s (%q): %w", job.Name(), spec, err)
	}
	s.logger.Info("job registered", "job", job.Name(), "spec", spec)
	return nil
}

// RunNow executes job once under its lock. A run skipped because another
// process holds the lock is not an error.
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	name := job.Name()
	lg := s.logger.With("job", name)

	if s.locks != nil {
		lock, err := s.locks(name)
		if err != nil {
			s.metrics.IncFailure(name)
			return fmt.Errorf("build lock for %s: %w", name, err)
		}
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			s.metrics.IncFailure(name)
			lg.Error("failed to acquire job lock", "error", err)
			return fmt.Errorf("acquire lock for %s: %w", name, err)
		}
		if !acquired {
			s.metrics.IncSkipped(name)
			lg.Info("job skipped, lock held by another worker")
			return nil
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				lg.Warn("failed to release job lock", "error", err)
			}
		}()
	}

	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)
	s.metrics.ObserveDuration(name, elapsed)
	if err != nil {
		s.metrics.IncFailure(name)
		lg.Error("job failed", "duration_ms", elapsed.Milliseconds(), "error", err)
		return err
	}
	s.metrics.IncSuccess(name)
	lg.Info("job finished", "duration_ms", elapsed.Milliseconds())
	return nil
}

func (s *Scheduler) Start() {
	s.logger.Info("starting cron scheduler", "jobs", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping cron scheduler")
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
