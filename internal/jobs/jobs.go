// Package jobs implements the per-source-kind Dumper drivers from
// SPEC_FULL.md §4.6: each driver stages a temporary artifact and hands it
// to the rotation/incremental engines.
//
// Grounded on agent/internal/executor/executor.go's phase shape (resolve
// sources -> pre-hook -> produce -> hand to destination -> post-hook) and
// agent/internal/hooks/runner.go's subprocess + timeout idiom, which every
// driver here reuses for invoking its dump binary.
package jobs

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/clock"
	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/errs"
	"github.com/vaultcron/vaultcron/internal/runctx"
)

// Artifact is a single produced file, staged in a job's tmp_dir and not yet
// handed to the rotation engine.
type Artifact struct {
	Path       string // absolute path in tmp_dir
	Basename   string // artifact filename grammar's <basename> component
	LogicalRel string // storage-relative directory the rotation engine places under
	Gzip       bool
}

// Dumper is the capability interface every job kind implements — the Go
// expression of the tagged-union dispatch §9 calls for in place of the
// original's dictionary-to-callable lookup. A driver that hands artifacts
// to the rotation engine builds its own local rotation.Deferred (which
// applies the job's deferred_copying_level) for the duration of its Dump
// call, rather than returning artifacts to the caller, so rotation happens
// at the right granularity while the driver still knows its own
// source/target loop boundaries.
type Dumper interface {
	Dump(ctx context.Context, log *zap.Logger, jc *runctx.JobContext) error
}

// clockTokens derives calendar tokens from the job's injected clock.
func clockTokens(jc *runctx.JobContext) clock.Tokens {
	return clock.Now(jc.Clock)
}

// destPtrs returns stable pointers into job.Destinations, the shape
// rotation.Engine.PlaceAndRotate and rotation.NewDeferred expect.
func destPtrs(job *config.Job) []*config.Destination {
	out := make([]*config.Destination, len(job.Destinations))
	for i := range job.Destinations {
		out[i] = &job.Destinations[i]
	}
	return out
}

// targetGroup is one entry of a Source's Target list, expanded to its
// concrete items (a single-item group for a named target, or every
// server-reported name for the literal "all"). Drivers iterate groups so
// they can call their local Deferred's FlushTarget after each group
// finishes, per §4.4's deferred_copying_level=1 granularity ("current
// source target").
type targetGroup struct {
	Label string
	Items []string
}

// Registry resolves a config.JobKind to its Dumper.
type Registry struct {
	dumpers map[config.JobKind]Dumper
}

// NewRegistry wires up the nine built-in drivers.
func NewRegistry() *Registry {
	return &Registry{dumpers: map[config.JobKind]Dumper{
		config.KindMySQL:              &MySQLDumper{},
		config.KindMySQLXtrabackup:    &XtrabackupDumper{},
		config.KindPostgreSQL:         &PostgreSQLDumper{},
		config.KindPostgreSQLBaseback: &PostgreSQLBasebackupDumper{},
		config.KindMongoDB:            &MongoDBDumper{},
		config.KindRedis:              &RedisDumper{},
		config.KindDescFiles:          &DescFilesDumper{},
		config.KindIncFiles:           &IncFilesDumper{},
		config.KindExternal:           &ExternalDumper{},
	}}
}

// For looks up the Dumper for kind.
func (r *Registry) For(kind config.JobKind) (Dumper, error) {
	d, ok := r.dumpers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no dumper registered for job type %q", errs.ErrConfig, kind)
	}
	return d, nil
}

// artifactName builds the grammar from §6:
// (<prefix>-)?<basename>_YYYY-MM-DD_HH-MM.<ext>(.gz)?
func artifactName(prefix, basename, stamp, ext string, gzip bool) string {
	name := basename
	if prefix != "" {
		name = prefix + "-" + basename
	}
	name = fmt.Sprintf("%s_%s.%s", name, stamp, ext)
	if gzip {
		name += ".gz"
	}
	return name
}

// newJobTmpDir builds <tmp_dir>/<type>_<artifact_ts>/ per §4.6 step 2.
func newJobTmpDir(jc *runctx.JobContext, stamp string) (string, error) {
	dir := filepath.Join(jc.TmpDir, fmt.Sprintf("%s_%s", jc.Job.Kind, stamp))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: mkdir %s: %s", errs.ErrDumpFailed, dir, err)
	}
	return dir, nil
}

// runDump invokes name with args, redirecting stdout to outPath (truncating
// any existing file) and capturing stderr for the caller's benign-warning
// classification, matching the redirect-and-classify shape §4.6 describes.
func runDump(ctx context.Context, name string, args []string, outPath string) (stderr []byte, err error) {
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %s", errs.ErrDumpFailed, outPath, err)
	}
	defer out.Close()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = out
	errBuf := &prefixedBuffer{}
	cmd.Stderr = errBuf

	runErr := cmd.Run()
	return errBuf.Bytes(), runErr
}

// runDumpGzip runs name with args, writing its stdout to outPath directly
// (gzip=false) or through a gzip pipe (gzip=true), matching §4.6's
// "shell-pipes mysqldump | gzip" note for the mysql driver. Stderr is
// captured from the dump process itself so callers can still classify
// known-benign warnings.
func runDumpGzip(ctx context.Context, name string, args []string, outPath string, gzip bool) ([]byte, error) {
	if !gzip {
		return runDump(ctx, name, args, outPath)
	}

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %s", errs.ErrDumpFailed, outPath, err)
	}
	defer out.Close()

	dump := exec.CommandContext(ctx, name, args...)
	gz := exec.CommandContext(ctx, "gzip", "-c")

	pipe, err := dump.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: pipe %s->gzip: %s", errs.ErrDumpFailed, name, err)
	}
	gz.Stdin = pipe
	gz.Stdout = out

	errBuf := &prefixedBuffer{}
	dump.Stderr = errBuf

	if err := gz.Start(); err != nil {
		return nil, fmt.Errorf("%w: start gzip: %s", errs.ErrDumpFailed, err)
	}
	if err := dump.Run(); err != nil {
		return errBuf.Bytes(), err
	}
	if err := gz.Wait(); err != nil {
		return errBuf.Bytes(), fmt.Errorf("%w: gzip: %s", errs.ErrDumpFailed, err)
	}
	return errBuf.Bytes(), nil
}

// prefixedBuffer is a tiny io.Writer sink; named distinctly from
// bytes.Buffer only so call sites read clearly as "stderr capture".
type prefixedBuffer struct {
	buf []byte
}

func (b *prefixedBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *prefixedBuffer) Bytes() []byte { return b.buf }

// tarDirectory writes a full (non-incremental) tar of root to outPath,
// optionally gzip-compressed. Used by drivers (xtrabackup, mongodb,
// pg_basebackup) that stage a directory tree before archiving it; desc_files
// uses tarDirectoryExcluding instead.
func tarDirectory(root, outPath string, gzipOut bool) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %s", errs.ErrArchiveFailed, filepath.Dir(outPath), err)
	}
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create %s: %s", errs.ErrArchiveFailed, outPath, err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if gzipOut {
		gz = gzip.NewWriter(f)
		w = gz
	}

	tw := tar.NewWriter(w)
	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}
		hdr, herr := tar.FileInfoHeader(info, "")
		if herr != nil {
			return herr
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		file, ferr := os.Open(path)
		if ferr != nil {
			if os.IsNotExist(ferr) {
				return nil
			}
			return ferr
		}
		defer file.Close()
		_, err = io.Copy(tw, file)
		return err
	})
	if walkErr != nil {
		return fmt.Errorf("%w: tar %s: %s", errs.ErrArchiveFailed, root, walkErr)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("%w: close tar writer: %s", errs.ErrArchiveFailed, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("%w: close gzip writer: %s", errs.ErrArchiveFailed, err)
		}
	}
	return nil
}

// gzipFile compresses src into dst, used by drivers (redis) whose dump tool
// cannot stream directly into gzip.
func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: open %s: %s", errs.ErrDumpFailed, src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create %s: %s", errs.ErrDumpFailed, dst, err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		return fmt.Errorf("%w: gzip %s: %s", errs.ErrDumpFailed, src, err)
	}
	return gz.Close()
}

// removeTmpDir deletes a job's staging directory wholesale, per §4.6 step 4.
func removeTmpDir(log *zap.Logger, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Warn("failed to remove job tmp dir", zap.String("dir", dir), zap.Error(err))
	}
}
