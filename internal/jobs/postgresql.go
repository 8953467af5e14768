package jobs

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/errs"
	"github.com/vaultcron/vaultcron/internal/rotation"
	"github.com/vaultcron/vaultcron/internal/runctx"
)

// PostgreSQLDumper runs pg_dump per database, distinguishing fatal stderr
// (containing "error") from informational stderr (logged, but still a
// success), per §4.6.
type PostgreSQLDumper struct{}

func (PostgreSQLDumper) Dump(ctx context.Context, log *zap.Logger, jc *runctx.JobContext) error {
	tokens := clockTokens(jc)
	stamp := tokens.ArtifactStamp
	tmpDir, err := newJobTmpDir(jc, stamp)
	if err != nil {
		return err
	}
	defer removeTmpDir(log, tmpDir)

	deferred := rotation.NewDeferred(jc.Rotation, log, tokens, jc.Job.Name, destPtrs(jc.Job), jc.Job.SafetyBackup, jc.Job.DeferredCopyingLevel)

	for _, src := range jc.Job.Sources {
		groups, err := expandPostgresTargetGroups(ctx, src)
		if err != nil {
			log.Error("failed to expand postgresql targets", zap.Error(err))
			continue
		}
		for _, group := range groups {
			for _, db := range group.Items {
				art, err := dumpOnePostgresDatabase(ctx, log, tmpDir, stamp, src, db)
				if err != nil {
					log.Error("pg_dump failed", zap.String("db", db), zap.Error(err))
					continue
				}
				deferred.Add(ctx, art.Path, art.LogicalRel)
			}
			deferred.FlushTarget(ctx)
		}
		deferred.FlushSourceBlock(ctx)
	}
	deferred.FlushAll(ctx)
	return nil
}

func expandPostgresTargetGroups(ctx context.Context, src config.Source) ([]targetGroup, error) {
	var groups []targetGroup
	for _, t := range src.Target {
		if t != "all" {
			groups = append(groups, targetGroup{Label: t, Items: []string{t}})
			continue
		}
		names, err := listPostgresDatabases(ctx, src)
		if err != nil {
			return nil, err
		}
		groups = append(groups, targetGroup{Label: "all", Items: names})
	}
	return groups, nil
}

func listPostgresDatabases(ctx context.Context, src config.Source) ([]string, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=postgres sslmode=disable",
		src.Connect.Host, connectPort(src.Connect.Port, 5432), src.Connect.User, src.Connect.Password)
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to postgres: %s", errs.ErrDumpFailed, err)
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, "SELECT datname FROM pg_database WHERE NOT datistemplate")
	if err != nil {
		return nil, fmt.Errorf("%w: list postgres databases: %s", errs.ErrDumpFailed, err)
	}
	defer rows.Close()

	excluded := make(map[string]bool, len(src.Excludes))
	for _, e := range src.Excludes {
		excluded[e] = true
	}

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: scan datname: %s", errs.ErrDumpFailed, err)
		}
		if excluded[name] || name == "postgres" {
			continue
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func dumpOnePostgresDatabase(ctx context.Context, log *zap.Logger, tmpDir, stamp string, src config.Source, db string) (*Artifact, error) {
	args := []string{
		"-h", src.Connect.Host,
		"-p", fmt.Sprintf("%d", connectPort(src.Connect.Port, 5432)),
		"-U", src.Connect.User,
	}
	if src.ExtraKeys != "" {
		args = append(args, strings.Fields(src.ExtraKeys)...)
	}
	args = append(args, db)

	outName := artifactName("", db, stamp, "pgdump.sql", src.Gzip)
	outPath := filepath.Join(tmpDir, outName)

	stderr, err := runDumpGzip(ctx, "pg_dump", args, outPath, src.Gzip)
	if err != nil || containsFatalPostgresError(stderr) {
		return nil, fmt.Errorf("%w: pg_dump %s: %s: %s", errs.ErrDumpFailed, db, err, stderr)
	}
	if info := strings.TrimSpace(string(stderr)); info != "" {
		log.Info("pg_dump stderr", zap.String("db", db), zap.String("stderr", info))
	}
	return &Artifact{Path: outPath, Basename: db, LogicalRel: db, Gzip: src.Gzip}, nil
}

// containsFatalPostgresError implements §4.6's rule: a stderr line
// containing "error" (case-insensitive) is fatal; anything else is merely
// informational and does not fail the dump.
func containsFatalPostgresError(stderr []byte) bool {
	for _, line := range strings.Split(string(stderr), "\n") {
		if strings.Contains(strings.ToLower(line), "error") {
			return true
		}
	}
	return false
}
