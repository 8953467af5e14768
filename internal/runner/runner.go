// Package runner implements the Run Controller from SPEC_FULL.md §4.7: it
// resolves the job selector, acquires the process lock, dispatches each
// selected job to its Dumper in block order, and unconditionally releases
// the lock and emits a report — even if a driver panics.
//
// Grounded on agent/internal/executor/executor.go's single-worker dispatch
// loop and server/cmd/server/main.go's sequential component wiring.
package runner

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/errs"
	"github.com/vaultcron/vaultcron/internal/jobs"
	"github.com/vaultcron/vaultcron/internal/lock"
	"github.com/vaultcron/vaultcron/internal/notification"
	"github.com/vaultcron/vaultcron/internal/runctx"
)

// DefaultLockPath is vaultcron's well-known process-lock path (§6 names the
// original tool's own "/tmp/nxs-backup.lock"; vaultcron uses its own name).
const DefaultLockPath = "/tmp/vaultcron.lock"

// block is one of the three dispatch groups §4.7's "all" selector iterates,
// in order: files, then databases, then external.
type block int

const (
	blockFiles block = iota
	blockDatabases
	blockExternal
)

func blockOf(kind config.JobKind) block {
	switch kind {
	case config.KindDescFiles, config.KindIncFiles:
		return blockFiles
	case config.KindExternal:
		return blockExternal
	default:
		return blockDatabases
	}
}

// Controller is the Run Controller.
type Controller struct {
	cfg      *config.Config
	rc       *runctx.RunContext
	registry *jobs.Registry
	notifier *notification.Service
	lockPath string
}

// New builds a Controller. lockPath may be empty, in which case
// DefaultLockPath is used.
func New(cfg *config.Config, rc *runctx.RunContext, registry *jobs.Registry, notifier *notification.Service, lockPath string) *Controller {
	if lockPath == "" {
		lockPath = DefaultLockPath
	}
	return &Controller{cfg: cfg, rc: rc, registry: registry, notifier: notifier, lockPath: lockPath}
}

// Run resolves selector ("all" | "files" | "databases" | "external" | a job
// name), acquires the process lock, runs the selected jobs in block order,
// and always sends a report and releases the lock before returning.
func (c *Controller) Run(ctx context.Context, selector string) error {
	selected, err := c.selectJobs(selector)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		return fmt.Errorf("%w: no jobs matched selector %q", errs.ErrConfig, selector)
	}

	wait := time.Duration(c.cfg.Main.LoopTimeout) * time.Second
	interval := time.Duration(c.cfg.LoopInterval()) * time.Second
	l, err := lock.Acquire(ctx, c.lockPath, wait, interval)
	if err != nil {
		return err
	}
	defer l.Release()

	runID := uuid.NewString()
	log := c.rc.Logger.With(zap.String("run_id", runID))
	log.Info("run started", zap.String("selector", selector), zap.Int("jobs", len(selected)))

	report := notification.NewReport(c.rc.Clock.Now())
	for _, job := range selected {
		start := c.rc.Clock.Now()
		jobErr := c.runJob(ctx, job)
		report.Add(job.Name, string(job.Kind), c.rc.Clock.Now().Sub(start), jobErr)
		if jobErr != nil {
			log.Error("job failed", zap.String("job", job.Name), zap.Error(jobErr))
		} else {
			log.Info("job completed", zap.String("job", job.Name))
		}
	}
	c.notifier.Send(ctx, report)
	return nil
}

// selectJobs resolves the CLI selector into an ordered job list.
func (c *Controller) selectJobs(selector string) ([]*config.Job, error) {
	switch selector {
	case "all":
		return c.jobsInBlocks(blockFiles, blockDatabases, blockExternal), nil
	case "files":
		return c.jobsInBlocks(blockFiles), nil
	case "databases":
		return c.jobsInBlocks(blockDatabases), nil
	case "external":
		return c.jobsInBlocks(blockExternal), nil
	default:
		for i := range c.cfg.Jobs {
			if c.cfg.Jobs[i].Name == selector {
				return []*config.Job{&c.cfg.Jobs[i]}, nil
			}
		}
		return nil, fmt.Errorf("%w: unknown job %q", errs.ErrConfig, selector)
	}
}

func (c *Controller) jobsInBlocks(blocks ...block) []*config.Job {
	var out []*config.Job
	for _, b := range blocks {
		for i := range c.cfg.Jobs {
			if blockOf(c.cfg.Jobs[i].Kind) == b {
				out = append(out, &c.cfg.Jobs[i])
			}
		}
	}
	return out
}

// runJob dispatches one job to its Dumper. A panic inside a driver is
// recovered here so Run's deferred lock release always happens.
func (c *Controller) runJob(ctx context.Context, job *config.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: job %q panicked: %v", errs.ErrDumpFailed, job.Name, r)
		}
	}()

	if !hasEnabledDestination(job) {
		return fmt.Errorf("%w: job %q has no enabled destination", errs.ErrConfig, job.Name)
	}

	dumper, derr := c.registry.For(job.Kind)
	if derr != nil {
		return derr
	}

	if err := os.MkdirAll(job.TmpDir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir tmp_dir %s: %s", errs.ErrDumpFailed, job.TmpDir, err)
	}

	jc := &runctx.JobContext{RunContext: c.rc, Job: job, TmpDir: job.TmpDir}
	return dumper.Dump(ctx, c.rc.Logger.Named(job.Name), jc)
}

func hasEnabledDestination(job *config.Job) bool {
	for _, d := range job.Destinations {
		if d.Enable {
			return true
		}
	}
	return false
}
