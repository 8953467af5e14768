package jobs

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/incfiles"
	"github.com/vaultcron/vaultcron/internal/runctx"
)

// IncFilesDumper delegates to the incfiles package per §4.5 for each
// (destination, glob target) pair. Unlike the other drivers, its output is
// already placed at its final destination path by incfiles.PlaceIncremental
// — it does not hand a tmp_dir artifact to the rotation engine, since the
// incremental chain has its own year/month/daily layout that the rotation
// engine's daily/weekly/monthly tiers don't model.
type IncFilesDumper struct{}

func (IncFilesDumper) Dump(ctx context.Context, log *zap.Logger, jc *runctx.JobContext) error {
	now := jc.Clock.Now()
	tokens := clockTokens(jc)
	stamp := now.Format("2006-01-02_15-04")

	for _, src := range jc.Job.Sources {
		excludeRe, err := compileExcludeRegex(src.Excludes)
		if err != nil {
			log.Error("invalid exclude pattern", zap.Error(err))
			continue
		}

		for _, pattern := range src.Target {
			matches, err := filepath.Glob(pattern)
			if err != nil {
				log.Error("invalid glob pattern", zap.String("pattern", pattern), zap.Error(err))
				continue
			}
			for _, matched := range matches {
				relDir := incfiles.PartOfDirPath(pattern, matched)

				for i := range jc.Job.Destinations {
					destSpec := &jc.Job.Destinations[i]
					if !destSpec.Enable {
						continue
					}
					drv, data, err := jc.Registry.Validate(jc.Job.Name, destSpec)
					if err != nil {
						log.Error("destination validation failed", zap.Error(err))
						continue
					}
					if err := drv.Mount(ctx, log, data); err != nil {
						log.Error("destination mount failed", zap.Error(err))
						continue
					}

					dstRoot := drv.EffectiveLocalPath(data, relDir)
					monthsToStore := jc.Job.IncMonthsToStore

					res, err := incfiles.PlaceIncremental(
						ctx, log, drv, data, tokens, jc.Anchors, dstRoot, matched, excludeRe,
						src.Gzip, monthsToStore, filepath.Base(matched), stamp,
					)
					if uerr := drv.Unmount(ctx, log, data); uerr != nil {
						log.Warn("destination unmount failed", zap.Error(uerr))
					}
					if err != nil {
						log.Error("incremental placement failed", zap.String("storage", string(destSpec.Kind)), zap.Error(err))
						continue
					}
					log.Info("incremental artifact placed", zap.String("basis", res.Basis), zap.String("path", res.ArchivePath))
				}
			}
		}
	}

	// No artifacts are handed to the rotation engine: incfiles places
	// directly at each destination, so deferred_copying_level does not
	// apply to this driver.
	return nil
}
