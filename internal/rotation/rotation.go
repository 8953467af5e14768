// Package rotation implements the Rotation Engine from SPEC_FULL.md §4.4:
// tier classification, prune/place ordering, cross-tier fan-out, and
// retention pruning.
//
// Grounded on agent/internal/restic/wrapper.go's Forget method (a
// retention-policy pass over existing artifacts, logged per-item rather
// than aborting the whole batch) and server/internal/scheduler/scheduler.go's
// per-destination dispatch loop shape.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/clock"
	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/destination"
	"github.com/vaultcron/vaultcron/internal/errs"
)

// Tier is one of the three rotation buckets.
type Tier string

const (
	Daily   Tier = "daily"
	Weekly  Tier = "weekly"
	Monthly Tier = "monthly"
)

// artifactExt recognizes the filename grammar from §6:
// (<prefix>-)?<basename>_YYYY-MM-DD_HH-MM.<ext>(.gz)? with
// ext ∈ {sql, tar, pgdump(.sql)?, mongodump, rdb}.
var artifactExt = regexp.MustCompile(`\.(tar|sql|pgdump(\.sql)?|mongodump|rdb)(\.gz)?$`)

// IsArtifact reports whether name matches the recognized extension set.
func IsArtifact(name string) bool { return artifactExt.MatchString(name) }

// Engine runs PlaceAndRotate across a job's destinations.
type Engine struct {
	Registry *destination.Registry
	Anchors  clock.Anchors
}

// NewEngine wires a Registry and the configured anchor days.
func NewEngine(reg *destination.Registry, anchors clock.Anchors) *Engine {
	return &Engine{Registry: reg, Anchors: anchors}
}

// PlaceAndRotate is the entry point named in §4.4: place tmpArtifact under
// every enabled, mounted destination at logicalRel, then enforce retention.
// Per-destination errors are logged and do not abort sibling destinations,
// matching §4.4's failure-isolation rule.
func (e *Engine) PlaceAndRotate(
	ctx context.Context,
	log *zap.Logger,
	now clock.Tokens,
	jobName string,
	tmpArtifact string,
	logicalRel string,
	destinations []*config.Destination,
	safetyBackup bool,
) {
	ordered := orderLocalLast(destinations)

	for _, spec := range ordered {
		if !spec.Enable {
			continue
		}
		dlog := log.Named("rotation").With(
			zap.String("job", jobName), zap.String("storage", string(spec.Kind)))

		if err := e.placeOneDestination(ctx, dlog, now, jobName, tmpArtifact, logicalRel, spec, safetyBackup); err != nil {
			dlog.Error("destination rotation failed", zap.Error(err))
		}
	}
}

// orderLocalLast moves the local destination (if any) to the end of the
// slice, per §4.4's "local destination moved to the last position" rule, so
// remote copies still read from the original temp file.
func orderLocalLast(destinations []*config.Destination) []*config.Destination {
	out := make([]*config.Destination, 0, len(destinations))
	var local []*config.Destination
	for _, d := range destinations {
		if d.Kind == config.DestLocal {
			local = append(local, d)
			continue
		}
		out = append(out, d)
	}
	return append(out, local...)
}

func (e *Engine) placeOneDestination(
	ctx context.Context,
	log *zap.Logger,
	now clock.Tokens,
	jobName string,
	tmpArtifact string,
	logicalRel string,
	spec *config.Destination,
	safetyBackup bool,
) error {
	drv, data, err := e.Registry.Validate(jobName, spec)
	if err != nil {
		return err
	}
	if err := drv.Mount(ctx, log, data); err != nil {
		return err
	}
	defer func() {
		if uerr := drv.Unmount(ctx, log, data); uerr != nil {
			log.Warn("unmount failed", zap.Error(uerr))
		}
	}()

	fs := data.FS()
	if fs == nil {
		return fmt.Errorf("%w: destination has no filesystem handle after mount", errs.ErrMountFailed)
	}

	tier, ok := selectTier(spec.Retention, now, e.Anchors)
	if !ok {
		log.Debug("no tier eligible today, skipping destination")
		return nil
	}

	tierDir := filepath.Join(logicalRel, string(tier))
	effectiveTierDir := drv.EffectiveLocalPath(data, tierDir)

	pruneBefore := spec.Kind == config.DestLocal || !safetyBackup
	if pruneBefore {
		if perr := e.pruneTier(ctx, log, fs, effectiveTierDir, retentionFor(spec.Retention, tier), safetyBackup, isAnchorDay(tier, now, e.Anchors)); perr != nil {
			log.Error("prune-before-place failed", zap.Error(perr))
		}
	}

	finalName := filepath.Base(tmpArtifact)
	finalPath := filepath.Join(effectiveTierDir, finalName)
	if err := fs.MkdirAll(ctx, effectiveTierDir); err != nil {
		return fmt.Errorf("%w: mkdir %s: %s", errs.ErrRotationFailed, effectiveTierDir, err)
	}

	if err := placeArtifact(ctx, fs, spec.Kind, tmpArtifact, finalPath); err != nil {
		return fmt.Errorf("%w: place %s: %s", errs.ErrRotationFailed, finalPath, err)
	}
	log.Info("artifact placed", zap.String("tier", string(tier)), zap.String("path", drv.LogPath(data, finalPath)))

	if err := e.fanOut(ctx, log, drv, data, fs, now, spec, tier, logicalRel, finalPath, finalName); err != nil {
		log.Error("cross-tier fan-out failed", zap.Error(err))
	}

	if !pruneBefore {
		if perr := e.pruneTier(ctx, log, fs, effectiveTierDir, retentionFor(spec.Retention, tier), safetyBackup, isAnchorDay(tier, now, e.Anchors)); perr != nil {
			log.Error("prune-after-place failed", zap.Error(perr))
		}
	}
	return nil
}

// selectTier implements §4.4 step 1's priority: monthly, then weekly, then
// daily, each gated on both a positive retention count and today being the
// tier's anchor day (daily has no anchor gate).
func selectTier(r config.Retention, now clock.Tokens, a clock.Anchors) (Tier, bool) {
	switch {
	case r.Months > 0 && now.IsMonthlyAnchor(a):
		return Monthly, true
	case r.Weeks > 0 && now.IsWeeklyAnchor(a):
		return Weekly, true
	case r.Days > 0:
		return Daily, true
	default:
		return "", false
	}
}

func retentionFor(r config.Retention, t Tier) int {
	switch t {
	case Monthly:
		return r.Months
	case Weekly:
		return r.Weeks
	default:
		return r.Days
	}
}

func isAnchorDay(t Tier, now clock.Tokens, a clock.Anchors) bool {
	switch t {
	case Monthly:
		return now.IsMonthlyAnchor(a)
	case Weekly:
		return now.IsWeeklyAnchor(a)
	default:
		return false
	}
}

// placeArtifact moves (local) or uploads (remote) src into dst. tmpArtifact
// is always a genuine local temp file regardless of destination kind, so the
// read side of a remote copy is a plain os.Open.
func placeArtifact(ctx context.Context, fs destination.RemoteFS, kind config.DestinationKind, src, dst string) error {
	if kind == config.DestLocal {
		if err := os.Rename(src, dst); err == nil {
			return nil
		}
		// os.Rename fails across filesystems; fall back to copy+remove.
	}
	if err := copyLocalToFS(ctx, fs, src, dst); err != nil {
		return err
	}
	if kind == config.DestLocal {
		return os.Remove(src)
	}
	return nil
}

// copyLocalToFS streams a local source file into dst through fs, used for
// every non-local destination kind and local's cross-filesystem rename
// fallback.
func copyLocalToFS(ctx context.Context, fs destination.RemoteFS, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fs.Create(ctx, dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.CopyBuffer(out, in, make([]byte, 256*1024)); err != nil {
		return err
	}
	return out.Close()
}

// copyFSToFS streams src to dst entirely through fs, used by fanOut's
// non-symlink fallback where both ends are destination-side paths.
func copyFSToFS(ctx context.Context, fs destination.RemoteFS, src, dst string) error {
	in, err := fs.Open(ctx, src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fs.Create(ctx, dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.CopyBuffer(out, in, make([]byte, 256*1024)); err != nil {
		return err
	}
	return out.Close()
}

// fanOut implements §4.4 step 4: the same artifact also appears in the
// finer-grained tiers that are also eligible today (weekly on a weekly
// anchor day, daily whenever days > 0).
func (e *Engine) fanOut(
	ctx context.Context,
	log *zap.Logger,
	drv destination.Driver,
	data *destination.Data,
	fs destination.RemoteFS,
	now clock.Tokens,
	spec *config.Destination,
	tier Tier,
	logicalRel string,
	placedPath string,
	finalName string,
) error {
	var targets []Tier
	switch tier {
	case Monthly:
		if spec.Retention.Weeks > 0 && now.IsWeeklyAnchor(e.Anchors) {
			targets = append(targets, Weekly)
		}
		if spec.Retention.Days > 0 {
			targets = append(targets, Daily)
		}
	case Weekly:
		if spec.Retention.Days > 0 {
			targets = append(targets, Daily)
		}
	}

	for _, target := range targets {
		targetDir := drv.EffectiveLocalPath(data, filepath.Join(logicalRel, string(target)))
		if err := fs.MkdirAll(ctx, targetDir); err != nil {
			return fmt.Errorf("%w: mkdir %s: %s", errs.ErrRotationFailed, targetDir, err)
		}
		targetPath := filepath.Join(targetDir, finalName)

		if drv.SupportsSymlink() {
			if err := fs.Symlink(ctx, placedPath, targetPath); err != nil {
				return fmt.Errorf("%w: symlink %s -> %s: %s", errs.ErrRotationFailed, targetPath, placedPath, err)
			}
		} else {
			if err := copyFSToFS(ctx, fs, placedPath, targetPath); err != nil {
				return fmt.Errorf("%w: copy %s -> %s: %s", errs.ErrRotationFailed, placedPath, targetPath, err)
			}
		}
		log.Info("fanned out to sibling tier", zap.String("tier", string(target)), zap.String("path", targetPath))
	}
	return nil
}

// pruneTier enforces retention for one tier directory per §4.4 step 5: the
// "+1" slack for an as-yet-unplaced artifact is omitted when today is that
// tier's own anchor day, because the just-placed artifact already counts
// against the retention budget.
func (e *Engine) pruneTier(ctx context.Context, log *zap.Logger, fs destination.RemoteFS, dir string, retention int, safetyBackup bool, isAnchor bool) error {
	entries, err := fs.ReadDir(ctx, dir)
	if err != nil {
		if errors.Is(err, destination.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: readdir %s: %s", errs.ErrRotationFailed, dir, err)
	}

	type fileInfo struct {
		path  string
		mtime int64
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir || !IsArtifact(e.Name) {
			continue
		}
		files = append(files, fileInfo{path: filepath.Join(dir, e.Name), mtime: e.ModTime.UnixNano()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime < files[j].mtime })

	slack := 0
	if safetyBackup && !isAnchor {
		slack = 1
	}
	deleteCount := len(files) - retention - slack
	if deleteCount <= 0 {
		return nil
	}

	var lastErr error
	for i := 0; i < deleteCount && i < len(files); i++ {
		if err := fs.Remove(ctx, files[i].path); err != nil {
			if errors.Is(err, destination.ErrNotExist) {
				// Already gone: treated as already deleted, doesn't
				// reduce the count further (we've already sized the
				// slice to deleteCount).
				continue
			}
			log.Warn("failed to prune aged artifact", zap.String("path", files[i].path), zap.Error(err))
			lastErr = err
			continue
		}
		log.Debug("pruned aged artifact", zap.String("path", files[i].path))
	}
	return lastErr
}

// ListTier enumerates recognized artifacts under a tier directory, sorted
// oldest-first — exposed (per SPEC_FULL.md §1) for a future restore tool to
// walk without duplicating pruning logic.
func ListTier(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: readdir %s: %s", errs.ErrRotationFailed, dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && IsArtifact(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
