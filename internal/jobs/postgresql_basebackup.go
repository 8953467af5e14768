package jobs

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/rotation"
	"github.com/vaultcron/vaultcron/internal/runctx"
)

// PostgreSQLBasebackupDumper runs a single cluster-wide pg_basebackup per
// source, rather than per-database like PostgreSQLDumper.
type PostgreSQLBasebackupDumper struct{}

func (PostgreSQLBasebackupDumper) Dump(ctx context.Context, log *zap.Logger, jc *runctx.JobContext) error {
	tokens := clockTokens(jc)
	stamp := tokens.ArtifactStamp
	tmpDir, err := newJobTmpDir(jc, stamp)
	if err != nil {
		return err
	}
	defer removeTmpDir(log, tmpDir)

	deferred := rotation.NewDeferred(jc.Rotation, log, tokens, jc.Job.Name, destPtrs(jc.Job), jc.Job.SafetyBackup, jc.Job.DeferredCopyingLevel)

	for i, src := range jc.Job.Sources {
		targetDir := filepath.Join(tmpDir, fmt.Sprintf("basebackup-%d", i))
		args := []string{
			"-h", src.Connect.Host,
			"-p", fmt.Sprintf("%d", connectPort(src.Connect.Port, 5432)),
			"-U", src.Connect.User,
			"-D", targetDir,
			"-F", "tar",
		}
		if src.ExtraKeys != "" {
			args = append(args, strings.Fields(src.ExtraKeys)...)
		}

		stdout := filepath.Join(tmpDir, fmt.Sprintf("pg_basebackup-%d.log", i))
		stderr, err := runDump(ctx, "pg_basebackup", args, stdout)
		if err != nil {
			log.Error("pg_basebackup failed", zap.Error(err), zap.ByteString("stderr", stderr))
			continue
		}

		outName := artifactName("", "cluster", stamp, "tar", src.Gzip)
		archivePath := filepath.Join(tmpDir, outName)
		if err := tarDirectory(targetDir, archivePath, src.Gzip); err != nil {
			log.Error("failed to archive basebackup dir", zap.Error(err))
			continue
		}
		deferred.Add(ctx, archivePath, "cluster")
		deferred.FlushTarget(ctx)
		deferred.FlushSourceBlock(ctx)
	}
	deferred.FlushAll(ctx)
	return nil
}
