package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/errs"
	"github.com/vaultcron/vaultcron/internal/rotation"
	"github.com/vaultcron/vaultcron/internal/runctx"
)

// RedisDumper checks reachability with go-redis, then runs
// `redis-cli --rdb` and post-processes with gzip as a separate step, since
// redis-cli cannot stream its RDB dump directly into gzip, per §4.6.
type RedisDumper struct{}

func (RedisDumper) Dump(ctx context.Context, log *zap.Logger, jc *runctx.JobContext) error {
	tokens := clockTokens(jc)
	stamp := tokens.ArtifactStamp
	tmpDir, err := newJobTmpDir(jc, stamp)
	if err != nil {
		return err
	}
	defer removeTmpDir(log, tmpDir)

	deferred := rotation.NewDeferred(jc.Rotation, log, tokens, jc.Job.Name, destPtrs(jc.Job), jc.Job.SafetyBackup, jc.Job.DeferredCopyingLevel)

	for _, src := range jc.Job.Sources {
		if err := checkRedisReachable(ctx, src); err != nil {
			log.Error("redis unreachable", zap.Error(err))
			continue
		}

		rdbPath := filepath.Join(tmpDir, fmt.Sprintf("%s.dump.rdb", src.Connect.Host))
		args := []string{"-h", src.Connect.Host, "-p", fmt.Sprintf("%d", connectPort(src.Connect.Port, 6379))}
		if src.Connect.Password != "" {
			args = append(args, "-a", src.Connect.Password)
		}
		args = append(args, "--rdb", rdbPath)

		logPath := filepath.Join(tmpDir, fmt.Sprintf("%s.redis-cli.log", src.Connect.Host))
		if stderr, err := runDump(ctx, "redis-cli", args, logPath); err != nil {
			log.Error("redis-cli --rdb failed", zap.Error(err), zap.ByteString("stderr", stderr))
			continue
		}

		finalName := artifactName("", "redis", stamp, "rdb", src.Gzip)
		finalPath := filepath.Join(tmpDir, finalName)

		if src.Gzip {
			if err := gzipFile(rdbPath, finalPath); err != nil {
				log.Error("failed to gzip rdb dump", zap.Error(err))
				continue
			}
			if err := os.Remove(rdbPath); err != nil {
				log.Warn("failed to remove uncompressed rdb file", zap.Error(err))
			}
		} else if rdbPath != finalPath {
			if err := os.Rename(rdbPath, finalPath); err != nil {
				log.Error("failed to rename rdb dump", zap.Error(err))
				continue
			}
		}

		deferred.Add(ctx, finalPath, "redis")
		deferred.FlushTarget(ctx)
		deferred.FlushSourceBlock(ctx)
	}
	deferred.FlushAll(ctx)
	return nil
}

func checkRedisReachable(ctx context.Context, src config.Source) error {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", src.Connect.Host, connectPort(src.Connect.Port, 6379)),
		Password: src.Connect.Password,
	})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %s", errs.ErrDumpFailed, err)
	}
	return nil
}
