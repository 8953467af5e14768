package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/errs"
	"github.com/vaultcron/vaultcron/internal/rotation"
	"github.com/vaultcron/vaultcron/internal/runctx"
)

// benignMySQLWarning matches the one stderr line §4.6/§8 call out as
// non-fatal: the client's "insecure password on command line" notice.
const benignMySQLWarning = "using a password on the command line interface can be insecure"

// MySQLDumper shells out to mysqldump per source target, optionally
// bracketing the dump with STOP SLAVE/START SLAVE, and pipes through gzip
// when the source requests it.
type MySQLDumper struct{}

func (MySQLDumper) Dump(ctx context.Context, log *zap.Logger, jc *runctx.JobContext) error {
	tokens := clockTokens(jc)
	stamp := tokens.ArtifactStamp
	tmpDir, err := newJobTmpDir(jc, stamp)
	if err != nil {
		return err
	}
	defer removeTmpDir(log, tmpDir)

	deferred := rotation.NewDeferred(jc.Rotation, log, tokens, jc.Job.Name, destPtrs(jc.Job), jc.Job.SafetyBackup, jc.Job.DeferredCopyingLevel)

	for _, src := range jc.Job.Sources {
		groups, err := expandMySQLTargetGroups(ctx, src)
		if err != nil {
			log.Error("failed to expand mysql targets", zap.Error(err))
			continue
		}

		slaveStopped := false
		if strings.Contains(src.ExtraKeys, "--slave") {
			if err := toggleSlave(ctx, src, "STOP SLAVE"); err != nil {
				log.Error("STOP SLAVE failed", zap.Error(err))
			} else {
				slaveStopped = true
			}
		}

		for _, group := range groups {
			for _, db := range group.Items {
				art, err := dumpOneMySQLDatabase(ctx, tmpDir, stamp, src, db)
				if err != nil {
					log.Error("mysqldump failed", zap.String("db", db), zap.Error(err))
					continue
				}
				deferred.Add(ctx, art.Path, art.LogicalRel)
			}
			deferred.FlushTarget(ctx)
		}
		deferred.FlushSourceBlock(ctx)

		if slaveStopped {
			if err := toggleSlave(ctx, src, "START SLAVE"); err != nil {
				log.Error("START SLAVE failed", zap.Error(err))
			}
		}
	}
	deferred.FlushAll(ctx)
	return nil
}

func expandMySQLTargetGroups(ctx context.Context, src config.Source) ([]targetGroup, error) {
	var groups []targetGroup
	for _, t := range src.Target {
		if t != "all" {
			groups = append(groups, targetGroup{Label: t, Items: []string{t}})
			continue
		}
		names, err := listMySQLDatabases(ctx, src)
		if err != nil {
			return nil, err
		}
		groups = append(groups, targetGroup{Label: "all", Items: names})
	}
	return groups, nil
}

func listMySQLDatabases(ctx context.Context, src config.Source) ([]string, error) {
	db, err := openMySQL(src)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, "SHOW DATABASES")
	if err != nil {
		return nil, fmt.Errorf("%w: SHOW DATABASES: %s", errs.ErrDumpFailed, err)
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
			return nil, fmt.Errorf("%w: scan database name: %s", errs.ErrDumpFailed, err)
		}
		if excluded[name] || name == "information_schema" || name == "performance_schema" {
			continue
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func openMySQL(src config.Source) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/", src.Connect.User, src.Connect.Password, src.Connect.Host, connectPort(src.Connect.Port, 3306))
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open mysql dsn: %s", errs.ErrDumpFailed, err)
	}
	return db, nil
}

func connectPort(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

func toggleSlave(ctx context.Context, src config.Source, stmt string) error {
	db, err := openMySQL(src)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.ExecContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("%w: %s: %s", errs.ErrDumpFailed, stmt, err)
	}
	return nil
}

func dumpOneMySQLDatabase(ctx context.Context, tmpDir, stamp string, src config.Source, db string) (*Artifact, error) {
	args := []string{
		"-h", src.Connect.Host,
		"-P", fmt.Sprintf("%d", connectPort(src.Connect.Port, 3306)),
		"-u", src.Connect.User,
		fmt.Sprintf("-p%s", src.Connect.Password),
	}
	if src.ExtraKeys != "" {
		args = append(args, strings.Fields(src.ExtraKeys)...)
	}
	for _, ex := range src.Excludes {
		args = append(args, fmt.Sprintf("--ignore-table=%s.%s", db, ex))
	}
	args = append(args, db)

	outName := artifactName("", db, stamp, "sql", src.Gzip)
	outPath := filepath.Join(tmpDir, outName)

	stderr, err := runDumpGzip(ctx, "mysqldump", args, outPath, src.Gzip)
	// A non-zero exit always fails the dump; stderr fails it too unless every
	// line is the benign password warning.
	if err != nil || !isBenignStderr(stderr, benignMySQLWarning) {
		return nil, fmt.Errorf("%w: mysqldump %s: %v: %s", errs.ErrDumpFailed, db, err, stderr)
	}
	return &Artifact{Path: outPath, Basename: db, LogicalRel: db, Gzip: src.Gzip}, nil
}

// isBenignStderr reports whether every non-empty stderr line matches a
// known-benign substring, per §4.6/§8's MySQL warning-classification rule.
func isBenignStderr(stderr []byte, benign ...string) bool {
	lines := strings.Split(strings.TrimSpace(string(stderr)), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		matched := false
		for _, b := range benign {
			if strings.Contains(strings.ToLower(line), strings.ToLower(b)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

