// Package runctx holds the explicit context types that replace the
// original tool's module-level mutables (filelog_fd, EXCLUDE_FILES,
// mount_point, retention dictionaries — per SPEC_FULL.md §9): a RunContext
// carries process-wide state, a JobContext carries per-job state, and a
// DestinationContext carries per-destination mount state. Every engine
// function takes the narrowest of these it needs instead of reaching for a
// global.
package runctx

import (
	"time"

	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/clock"
	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/destination"
	"github.com/vaultcron/vaultcron/internal/rotation"
	"github.com/vaultcron/vaultcron/internal/telemetry"
)

// RunContext is process-wide state shared across every job in one
// invocation of the run controller.
type RunContext struct {
	Logger    *zap.Logger
	Clock     clock.Clock
	Anchors   clock.Anchors
	Metrics   *telemetry.Registry
	Registry  *destination.Registry
	Rotation  *rotation.Engine
	StartedAt time.Time
}

// JobContext is per-job state. ExcludeFiles is scoped here rather than as a
// package-level global precisely to avoid the cross-source leakage §5 warns
// against: each source's own exclusion set never bleeds into a sibling
// source's tar filter. Each Dumper that hands artifacts to the rotation
// engine (everything but inc_files, which places directly) builds its own
// rotation.Deferred from jc.Job.DeferredCopyingLevel for the duration of its
// own Dump call — the batching state doesn't outlive one job, so it has no
// reason to live on the shared context.
type JobContext struct {
	*RunContext
	Job          *config.Job
	TmpDir       string
	ExcludeFiles []string
}

// DestinationContext is per-destination mount state, valid for the
// lifetime of one Driver.Mount/Unmount bracket.
type DestinationContext struct {
	*JobContext
	Dest *config.Destination
	Data *destination.Data
}
