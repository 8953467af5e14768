// Package scheduler is the optional in-process cron for the `serve`
// subcommand (SPEC_FULL.md's §6 addition): one gocron job per config.Job
// that carries a schedule:, each invoking the same Run Controller path
// `start <job_name>` would.
//
// Adapted from server/internal/scheduler/scheduler.go's per-policy gocron
// jobs (one gocron job keyed by UUID, singleton mode, tag-based
// add/remove) to per-config.Job gocron jobs keyed by job name. Unlike the
// teacher, a tick here doesn't build a dispatch payload for a remote agent —
// it calls straight into runner.Controller.Run, which itself serializes
// through the shared process lock, so a self-scheduled tick and a
// concurrently invoked `start` never overlap (§5).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/runner"
)

// Scheduler wraps gocron, scheduling every job in cfg.Jobs that has a
// non-empty Schedule field.
type Scheduler struct {
	cron       gocron.Scheduler
	cfg        *config.Config
	controller *runner.Controller
	logger     *zap.Logger
}

// New creates a Scheduler bound to one Controller — every tick runs through
// the same lock-serialized Run path as the start subcommand.
func New(cfg *config.Config, controller *runner.Controller, logger *zap.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{
		cron:       cron,
		cfg:        cfg,
		controller: controller,
		logger:     logger.Named("scheduler"),
	}, nil
}

// Start registers every scheduled job and starts the underlying gocron
// scheduler. Call once, at serve startup.
func (s *Scheduler) Start(ctx context.Context) error {
	scheduled := 0
	for i := range s.cfg.Jobs {
		job := &s.cfg.Jobs[i]
		if job.Schedule == "" {
			continue
		}
		if err := s.addJob(ctx, job); err != nil {
			s.logger.Error("failed to schedule job", zap.String("job", job.Name), zap.Error(err))
			continue
		}
		scheduled++
	}
	s.logger.Info("scheduler started", zap.Int("jobs_scheduled", scheduled))
	s.cron.Start()
	return nil
}

// Stop shuts down the underlying gocron scheduler, waiting for any in-flight
// tick to finish.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// addJob registers one gocron job for job.Schedule, in singleton mode so a
// slow run is never overlapped by its own next tick — the cross-job
// exclusivity guarantee still comes from the process lock inside Run, not
// from gocron.
func (s *Scheduler) addJob(ctx context.Context, job *config.Job) error {
	name := job.Name
	_, err := s.cron.NewJob(
		gocron.CronJob(job.Schedule, false),
		gocron.NewTask(func() {
			runCtx, cancel := context.WithTimeout(ctx, 6*time.Hour)
			defer cancel()
			if err := s.controller.Run(runCtx, name); err != nil {
				s.logger.Error("scheduled job run failed", zap.String("job", name), zap.Error(err))
			}
		}),
		gocron.WithTags(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for job %q (schedule %q): %w", name, job.Schedule, err)
	}
	return nil
}
