// Package jobs runs the gateway's periodic maintenance on cron schedules:
// window snapshots, blacklist sweeps and audit archive uploads.
//
// Each job is independent and idempotent. A job that fails is logged and
// counted, and the next tick runs it again. Overlapping runs of the same job
// are skipped rather than queued.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/carebridge/gatekeeper/internal/metrics"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

// Job is one unit of periodic work.
type Job interface {
	// Name returns the unique name of this job, used in logs and metrics.
	Name() string

	// Run performs the work once and returns the number of items processed.
	Run(ctx context.Context) (int, error)
}

// funcJob adapts a function to Job.
type funcJob struct {
	name string
	fn   func(ctx context.Context) (int, error)
}

func (j funcJob) Name() string                         { return j.name }
func (j funcJob) Run(ctx context.Context) (int, error) { return j.fn(ctx) }

// Func wraps fn as a Job.
func Func(name string, fn func(ctx context.Context) (int, error)) Job {
	return funcJob{name: name, fn: fn}
}

// Scheduler runs registered jobs on cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	logger  *logger.Logger

	mu      sync.Mutex
	names   []string
	running bool
}

// NewScheduler creates a Scheduler. Every run gets a context bounded by timeout.
func NewScheduler(timeout time.Duration, log *logger.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = time.Minute
	}
	log = log.With("component", "scheduler")
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		timeout: timeout,
		logger:  log,
	}
}

// Register schedules job on spec, a standard five-field cron expression or a
// descriptor such as "@every 30s". An empty spec leaves the job disabled.
func (s *Scheduler) Register(spec string, job Job) error {
	if spec == "" {
		s.logger.Info("job disabled", "job", job.Name())
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("cannot register job %s while scheduler is running", job.Name())
	}

	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(context.Background(), job) }); err != nil {
		return fmt.Errorf("schedule job %s (%q): %w", job.Name(), spec, err)
	}
	s.names = append(s.names, job.Name())
	s.logger.Info("job registered", "job", job.Name(), "schedule", spec)
	return nil
}

// Start starts the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.names))
}

// Stop stops scheduling and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Jobs returns the names of the registered jobs.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

// RunOnce runs job immediately with the scheduler's timeout, logging and
// counting the outcome.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) {
	name := job.Name()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, err := job.Run(ctx)
	duration := time.Since(start)

	if err != nil {
		metrics.JobRunsTotal.WithLabelValues(name, "error").Inc()
		s.logger.Error("job failed", "job", name, "duration", duration, "error", err)
		return
	}

	metrics.JobRunsTotal.WithLabelValues(name, "success").Inc()
	if count > 0 {
		s.logger.Info("job completed", "job", name, "items_processed", count, "duration", duration)
	} else {
		s.logger.Debug("job completed (no items)", "job", name, "duration", duration)
	}
}

// cronLogger adapts the logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
