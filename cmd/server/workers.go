package main

import (
	"time"

	"github.com/carebridge/gatekeeper/internal/app/admission"
	"github.com/carebridge/gatekeeper/internal/config"
	"github.com/carebridge/gatekeeper/internal/infra/jobs"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

// jobTimeout bounds a single job run.
const jobTimeout = time.Minute

// NewScheduler registers the maintenance jobs the configured backends need.
func NewScheduler(cfg *config.Config, stores *Stores, limiter *admission.Limiter, log *logger.Logger) (*jobs.Scheduler, error) {
	s := jobs.NewScheduler(jobTimeout, log)

	switch {
	case stores.memoryBlacklist != nil:
		if err := s.Register(cfg.Admission.BlacklistSweepSchedule, jobs.BlacklistSweep(stores.memoryBlacklist)); err != nil {
			return nil, err
		}
	case stores.redisBlacklist != nil:
		if err := s.Register(cfg.Admission.BlacklistSweepSchedule, jobs.BlacklistGauge(stores.redisBlacklist)); err != nil {
			return nil, err
		}
	}

	if stores.Windows != nil {
		if err := s.Register(cfg.RateLimit.SnapshotSchedule, jobs.WindowSnapshot(limiter, stores.Windows)); err != nil {
			return nil, err
		}
	}

	if stores.Archiver != nil {
		if err := s.Register(cfg.Audit.Archive.FlushSchedule, jobs.ArchiveFlush(stores.Archiver)); err != nil {
			return nil, err
		}
	}

	return s, nil
}
