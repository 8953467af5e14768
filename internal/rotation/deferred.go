package rotation

import (
	"context"

	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/clock"
	"github.com/vaultcron/vaultcron/internal/config"
)

// Deferred batches calls to Engine.PlaceAndRotate according to a job's
// deferred_copying_level, per §4.4's "deferred copying levels" rule:
//
//	0 (default): rotate immediately after each artifact.
//	1: rotate after all artifacts for the current source target are produced.
//	2: rotate after all artifacts of the current source block are produced.
//	>=3: rotate after all sources in the job are produced.
//
// Job drivers call Add for every artifact they stage, then FlushTarget after
// finishing one source-target entry, FlushSourceBlock after finishing one
// source, and FlushAll once at the end of Dump (a no-op if nothing is
// pending, so it is always safe to defer-call).
type Deferred struct {
	engine       *Engine
	log          *zap.Logger
	now          clock.Tokens
	jobName      string
	destinations []*config.Destination
	safetyBackup bool
	level        int

	pending []pendingArtifact
}

type pendingArtifact struct {
	path       string
	logicalRel string
}

// NewDeferred builds a Deferred bound to one job's rotation parameters.
func NewDeferred(
	engine *Engine,
	log *zap.Logger,
	now clock.Tokens,
	jobName string,
	destinations []*config.Destination,
	safetyBackup bool,
	level int,
) *Deferred {
	return &Deferred{
		engine:       engine,
		log:          log,
		now:          now,
		jobName:      jobName,
		destinations: destinations,
		safetyBackup: safetyBackup,
		level:        level,
	}
}

// Add stages one freshly produced artifact. At level 0 it rotates
// immediately; otherwise it is buffered until the matching Flush* call.
func (d *Deferred) Add(ctx context.Context, tmpArtifactPath, logicalRel string) {
	if d.level <= 0 {
		d.rotate(ctx, tmpArtifactPath, logicalRel)
		return
	}
	d.pending = append(d.pending, pendingArtifact{path: tmpArtifactPath, logicalRel: logicalRel})
}

// FlushTarget rotates everything staged since the last flush, if the job's
// level is exactly 1 (one source-target entry's worth of artifacts).
func (d *Deferred) FlushTarget(ctx context.Context) {
	if d.level == 1 {
		d.flushPending(ctx)
	}
}

// FlushSourceBlock rotates everything staged since the last flush, if the
// job's level is exactly 2 (one source's worth of artifacts).
func (d *Deferred) FlushSourceBlock(ctx context.Context) {
	if d.level == 2 {
		d.flushPending(ctx)
	}
}

// FlushAll rotates anything still pending, unconditionally. Drivers call
// this once at the end of Dump: for level>=3 it performs the job's one
// rotation pass; for lower levels it is a defensive no-op (everything
// should already have been flushed by an earlier Flush* call).
func (d *Deferred) FlushAll(ctx context.Context) {
	d.flushPending(ctx)
}

func (d *Deferred) flushPending(ctx context.Context) {
	for _, p := range d.pending {
		d.rotate(ctx, p.path, p.logicalRel)
	}
	d.pending = d.pending[:0]
}

func (d *Deferred) rotate(ctx context.Context, path, logicalRel string) {
	d.engine.PlaceAndRotate(ctx, d.log, d.now, d.jobName, path, logicalRel, d.destinations, d.safetyBackup)
}
