package cleanup

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/archetype-labs/archetyped/internal/app/storage"
	"github.com/archetype-labs/archetyped/pkg/logger"
)

// SweepConfig tunes retention windows for periodic sweeps (spec §4.11,
// mirrors pkg/config.RuntimeConfig's cleanup_* fields).
type SweepConfig struct {
	JobRetention             time.Duration
	ConfigSnapshotRetention  time.Duration
	ImageSyncJobRetention    time.Duration
}

// DefaultSweepConfig matches pkg/config.RuntimeConfig's defaults.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		JobRetention:            14 * 24 * time.Hour,
		ConfigSnapshotRetention: 30 * 24 * time.Hour,
		ImageSyncJobRetention:   30 * 24 * time.Hour,
	}
}

// Sweeper runs periodic retention sweeps for resources the event path
// cannot guarantee it sees (spec §4.11).
type Sweeper struct {
	jobs      storage.JobStore
	snapshots storage.SnapshotStore
	cfg       SweepConfig
	dispatch  *Dispatcher
	log       *logger.Logger
	cron      *cron.Cron
}

// NewSweeper builds a Sweeper. dispatch may be nil; when set, its dirty
// flag is cleared after each sweep pass.
func NewSweeper(jobs storage.JobStore, snapshots storage.SnapshotStore, cfg SweepConfig, dispatch *Dispatcher, log *logger.Logger) *Sweeper {
	return &Sweeper{jobs: jobs, snapshots: snapshots, cfg: cfg, dispatch: dispatch, log: log, cron: cron.New()}
}

// Start schedules the nightly retention sweep and begins the cron
// scheduler. Callers should call Stop on shutdown.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc("0 3 * * *", func() { s.RunOnce(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce executes one retention sweep pass immediately.
func (s *Sweeper) RunOnce(ctx context.Context) {
	now := time.Now().UTC()

	if n, err := s.jobs.DeleteJobsOlderThan(ctx, now.Add(-s.cfg.JobRetention)); err != nil {
		s.warn("delete old jobs", err)
	} else if n > 0 && s.log != nil {
		s.log.Infof("cleanup: swept %d terminal jobs older than retention", n)
	}

	if n, err := s.snapshots.DeleteConfigSnapshotsOlderThan(ctx, now.Add(-s.cfg.ConfigSnapshotRetention)); err != nil {
		s.warn("delete old config snapshots", err)
	} else if n > 0 && s.log != nil {
		s.log.Infof("cleanup: swept %d config snapshots older than retention", n)
	}

	if n, err := s.snapshots.DeleteImageSyncJobsOlderThan(ctx, now.Add(-s.cfg.ImageSyncJobRetention)); err != nil {
		s.warn("delete old image sync jobs", err)
	} else if n > 0 && s.log != nil {
		s.log.Infof("cleanup: swept %d image sync jobs older than retention", n)
	}

	if s.dispatch != nil {
		// A dirty event-path run since the last sweep means state may have
		// changed underneath an in-flight sweep; run a second pass to catch it.
		if s.dispatch.Dirty() {
			s.dispatch.ClearDirty()
			s.sweepAgain(ctx, now)
		}
	}
}

func (s *Sweeper) sweepAgain(ctx context.Context, now time.Time) {
	if n, err := s.jobs.DeleteJobsOlderThan(ctx, now.Add(-s.cfg.JobRetention)); err != nil {
		s.warn("delete old jobs (dirty pass)", err)
	} else if n > 0 && s.log != nil {
		s.log.Infof("cleanup: dirty pass swept %d additional terminal jobs", n)
	}
}

func (s *Sweeper) warn(action string, err error) {
	if s.log != nil {
		s.log.WithError(err).Warnf("cleanup: %s", action)
	}
}
