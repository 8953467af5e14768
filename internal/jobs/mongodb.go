package jobs

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/errs"
	"github.com/vaultcron/vaultcron/internal/rotation"
	"github.com/vaultcron/vaultcron/internal/runctx"
)

var failedStderrPattern = regexp.MustCompile(`(?i)failed`)

// MongoDBDumper runs mongodump per (database, collection) pair, using the
// v2 mongo-driver only for reachability and all-collection expansion, per
// §4.6's "uses the client library for reachability" note shared with Redis.
type MongoDBDumper struct{}

func (MongoDBDumper) Dump(ctx context.Context, log *zap.Logger, jc *runctx.JobContext) error {
	tokens := clockTokens(jc)
	stamp := tokens.ArtifactStamp
	tmpDir, err := newJobTmpDir(jc, stamp)
	if err != nil {
		return err
	}
	defer removeTmpDir(log, tmpDir)

	deferred := rotation.NewDeferred(jc.Rotation, log, tokens, jc.Job.Name, destPtrs(jc.Job), jc.Job.SafetyBackup, jc.Job.DeferredCopyingLevel)

	for _, src := range jc.Job.Sources {
		groups, err := expandMongoTargetGroups(ctx, src)
		if err != nil {
			log.Error("failed to expand mongodb targets", zap.Error(err))
			continue
		}
		for _, group := range groups {
			for _, pair := range group.pairs {
				art, err := dumpOneMongoCollection(ctx, tmpDir, stamp, src, pair.db, pair.collection)
				if err != nil {
					log.Error("mongodump failed", zap.String("db", pair.db), zap.String("collection", pair.collection), zap.Error(err))
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

type dbCollection struct{ db, collection string }

// mongoTargetGroup mirrors targetGroup but for (db, collection) pairs
// rather than bare names, since a single Source.Target entry (a literal
// db.collection or the literal "all") expands to a list of pairs.
type mongoTargetGroup struct {
	label string
	pairs []dbCollection
}

func expandMongoTargetGroups(ctx context.Context, src config.Source) ([]mongoTargetGroup, error) {
	var groups []mongoTargetGroup
	for _, t := range src.Target {
		if t != "all" {
			parts := strings.SplitN(t, ".", 2)
			if len(parts) != 2 {
				continue
			}
			groups = append(groups, mongoTargetGroup{label: t, pairs: []dbCollection{{db: parts[0], collection: parts[1]}}})
			continue
		}
		pairs, err := listMongoCollections(ctx, src)
		if err != nil {
			return nil, err
		}
		groups = append(groups, mongoTargetGroup{label: "all", pairs: pairs})
	}
	return groups, nil
}

func listMongoCollections(ctx context.Context, src config.Source) ([]dbCollection, error) {
	uri := fmt.Sprintf("mongodb://%s:%s@%s:%d", src.Connect.User, src.Connect.Password, src.Connect.Host, connectPort(src.Connect.Port, 27017))
	ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: connect to mongodb: %s", errs.ErrDumpFailed, err)
	}
	defer client.Disconnect(ctx2)

	if err := client.Ping(ctx2, nil); err != nil {
		return nil, fmt.Errorf("%w: ping mongodb: %s", errs.ErrDumpFailed, err)
	}

	dbNames, err := client.ListDatabaseNames(ctx2, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("%w: list databases: %s", errs.ErrDumpFailed, err)
	}

	excluded := make(map[string]bool, len(src.Excludes))
	for _, e := range src.Excludes {
		excluded[e] = true
	}

	var pairs []dbCollection
	for _, name := range dbNames {
		if excluded[name] || name == "admin" || name == "local" || name == "config" {
			continue
		}
		colls, err := client.Database(name).ListCollectionNames(ctx2, bson.D{})
		if err != nil {
			return nil, fmt.Errorf("%w: list collections in %s: %s", errs.ErrDumpFailed, name, err)
		}
		for _, c := range colls {
			pairs = append(pairs, dbCollection{db: name, collection: c})
		}
	}
	return pairs, nil
}

func dumpOneMongoCollection(ctx context.Context, tmpDir, stamp string, src config.Source, db, collection string) (*Artifact, error) {
	outDir := filepath.Join(tmpDir, db, collection)
	args := []string{
		"--host", src.Connect.Host,
		"--port", fmt.Sprintf("%d", connectPort(src.Connect.Port, 27017)),
		"--username", src.Connect.User,
		"--password", src.Connect.Password,
		"--db", db,
		"--collection", collection,
		"--out", outDir,
	}
	if src.ExtraKeys != "" {
		args = append(args, strings.Fields(src.ExtraKeys)...)
	}

	logPath := filepath.Join(tmpDir, fmt.Sprintf("%s.%s.log", db, collection))
	stderr, err := runDump(ctx, "mongodump", args, logPath)
	if err != nil || failedStderrPattern.Match(stderr) {
		return nil, fmt.Errorf("%w: mongodump %s.%s: %s: %s", errs.ErrDumpFailed, db, collection, err, stderr)
	}

	archiveName := artifactName("", fmt.Sprintf("%s.%s", db, collection), stamp, "mongodump", src.Gzip)
	archivePath := filepath.Join(tmpDir, archiveName)
	if err := tarDirectory(outDir, archivePath, src.Gzip); err != nil {
		return nil, err
	}
	return &Artifact{Path: archivePath, Basename: fmt.Sprintf("%s.%s", db, collection), LogicalRel: filepath.Join(db, collection), Gzip: src.Gzip}, nil
}
