package jobs

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/rotation"
	"github.com/vaultcron/vaultcron/internal/runctx"
)

const xtrabackupStatusDir = "/tmp/xtrabackup_status"

// XtrabackupDumper wraps Percona xtrabackup, writing each source's output to
// a status file under /tmp/xtrabackup_status named
// "<artifact stamp>-<source index>.log", and treating "completed OK!" as its
// final line as the sole success signal — xtrabackup's exit code alone is
// not reliable enough per §4.6.
type XtrabackupDumper struct{}

func (XtrabackupDumper) Dump(ctx context.Context, log *zap.Logger, jc *runctx.JobContext) error {
	tokens := clockTokens(jc)
	now := jc.Clock.Now()
	stamp := tokens.ArtifactStamp
	tmpDir, err := newJobTmpDir(jc, stamp)
	if err != nil {
		return err
	}
	defer removeTmpDir(log, tmpDir)

	if now.Day() == 1 {
		purgeOldStatusFiles(log, now)
	}

	deferred := rotation.NewDeferred(jc.Rotation, log, tokens, jc.Job.Name, destPtrs(jc.Job), jc.Job.SafetyBackup, jc.Job.DeferredCopyingLevel)

	for i, src := range jc.Job.Sources {
		targetDir := filepath.Join(tmpDir, fmt.Sprintf("xtrabackup-%d", i))
		if err := os.MkdirAll(targetDir, 0o755); err != nil {
			log.Error("failed to create xtrabackup target dir", zap.Error(err))
			continue
		}

		statusPath := filepath.Join(xtrabackupStatusDir, fmt.Sprintf("%s-%d.log", stamp, i))
		if err := os.MkdirAll(xtrabackupStatusDir, 0o755); err != nil {
			log.Error("failed to create xtrabackup status dir", zap.Error(err))
			continue
		}

		args := []string{"--backup", "--target-dir=" + targetDir, "--user=" + src.Connect.User}
		if src.Connect.Password != "" {
			args = append(args, "--password="+src.Connect.Password)
		}
		if src.ExtraKeys != "" {
			args = append(args, strings.Fields(src.ExtraKeys)...)
		}

		stderr, runErr := runDump(ctx, "xtrabackup", args, statusPath)
		ok, lastLine := completedOK(statusPath)
		if !ok {
			log.Error("xtrabackup did not report completed OK!", zap.String("last_line", lastLine), zap.ByteString("stderr", stderr), zap.Error(runErr))
			continue
		}

		archivePath := filepath.Join(tmpDir, artifactName("", "xtrabackup", stamp, "tar", src.Gzip))
		if err := tarDirectory(targetDir, archivePath, src.Gzip); err != nil {
			log.Error("failed to archive xtrabackup target dir", zap.Error(err))
			continue
		}
		deferred.Add(ctx, archivePath, "xtrabackup")
		deferred.FlushTarget(ctx)
		deferred.FlushSourceBlock(ctx)
	}
	deferred.FlushAll(ctx)
	return nil
}

// completedOK reports whether the final non-blank line of the status file
// matches xtrabackup's success marker.
func completedOK(statusPath string) (bool, string) {
	f, err := os.Open(statusPath)
	if err != nil {
		return false, ""
	}
	defer f.Close()

	var lastLine string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lastLine = line
		}
	}
	return strings.Contains(lastLine, "completed OK!"), lastLine
}

// purgeOldStatusFiles runs on the 1st of the month, deleting xtrabackup
// status files older than 31 days, per §4.6.
func purgeOldStatusFiles(log *zap.Logger, now time.Time) {
	entries, err := os.ReadDir(xtrabackupStatusDir)
	if err != nil {
		return
	}
	cutoff := now.Add(-31 * 24 * time.Hour)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(xtrabackupStatusDir, e.Name())
			if err := os.Remove(path); err != nil {
				log.Warn("failed to purge old xtrabackup status file", zap.String("path", path), zap.Error(err))
			}
		}
	}
}
