package jobs

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/incfiles"
	"github.com/vaultcron/vaultcron/internal/rotation"
	"github.com/vaultcron/vaultcron/internal/runctx"
)

// DescFilesDumper produces one full tar per matched glob path, with no
// incremental basis — the non-diffing sibling of IncFilesDumper.
type DescFilesDumper struct{}

func (DescFilesDumper) Dump(ctx context.Context, log *zap.Logger, jc *runctx.JobContext) error {
	tokens := clockTokens(jc)
	stamp := tokens.ArtifactStamp
	tmpDir, err := newJobTmpDir(jc, stamp)
	if err != nil {
		return err
	}
	defer removeTmpDir(log, tmpDir)

	deferred := rotation.NewDeferred(jc.Rotation, log, tokens, jc.Job.Name, destPtrs(jc.Job), jc.Job.SafetyBackup, jc.Job.DeferredCopyingLevel)

	for _, src := range jc.Job.Sources {
		excludeRe, err := compileExcludeRegex(src.Excludes)
		if err != nil {
			log.Error("invalid exclude pattern", zap.Error(err))
			continue
		}

		// One Source.Target entry (one glob pattern) may match several
		// paths; all of them are one "source target" for §4.4's
		// deferred_copying_level=1 granularity.
		for _, pattern := range src.Target {
			matches, err := filepath.Glob(pattern)
			if err != nil {
				log.Error("invalid glob pattern", zap.String("pattern", pattern), zap.Error(err))
				continue
			}
			for _, matched := range matches {
				rel := incfiles.PartOfDirPath(pattern, matched)
				name := artifactName("", filepath.Base(matched), stamp, "tar", src.Gzip)
				outPath := filepath.Join(tmpDir, rel, name)

				if err := tarDirectoryExcluding(matched, outPath, src.Gzip, excludeRe); err != nil {
					log.Error("failed to archive path", zap.String("path", matched), zap.Error(err))
					continue
				}
				deferred.Add(ctx, outPath, rel)
			}
			deferred.FlushTarget(ctx)
		}
		deferred.FlushSourceBlock(ctx)
	}
	deferred.FlushAll(ctx)
	return nil
}
