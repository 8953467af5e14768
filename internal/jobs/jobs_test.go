package jobs

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/errs"
	"github.com/vaultcron/vaultcron/internal/runctx"
)

func TestRegistry_ResolvesAllNineKinds(t *testing.T) {
	reg := NewRegistry()

	kinds := []config.JobKind{
		config.KindMySQL,
		config.KindMySQLXtrabackup,
		config.KindPostgreSQL,
		config.KindPostgreSQLBaseback,
		config.KindMongoDB,
		config.KindRedis,
		config.KindDescFiles,
		config.KindIncFiles,
		config.KindExternal,
	}

	for _, kind := range kinds {
		d, err := reg.For(kind)
		require.NoError(t, err, "kind %q", kind)
		assert.NotNil(t, d, "kind %q", kind)
	}
}

func TestRegistry_UnknownKind(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.For(config.JobKind("nonexistent"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestArtifactName(t *testing.T) {
	assert.Equal(t, "app_2026-07-30_12-00.tar", artifactName("", "app", "2026-07-30_12-00", "tar", false))
	assert.Equal(t, "app_2026-07-30_12-00.tar.gz", artifactName("", "app", "2026-07-30_12-00", "tar", true))
	assert.Equal(t, "db1-app_2026-07-30_12-00.sql.gz", artifactName("db1", "app", "2026-07-30_12-00", "sql", true))
}

func TestNewJobTmpDir(t *testing.T) {
	base := t.TempDir()
	jc := &runctx.JobContext{
		Job:    &config.Job{Kind: config.KindDescFiles},
		TmpDir: base,
	}

	dir, err := newJobTmpDir(jc, "2026-07-30_12-00")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "desc_files_2026-07-30_12-00"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestTarDirectoryAndGzipFile(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("world"), 0o644))

	out := filepath.Join(t.TempDir(), "archive.tar")
	require.NoError(t, tarDirectory(src, out, false))

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	gzOut := filepath.Join(t.TempDir(), "archive.tar.gz")
	require.NoError(t, tarDirectory(src, gzOut, true))

	f, err := os.Open(gzOut)
	require.NoError(t, err)
	defer f.Close()
	gzr, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gzr.Close()
	_, err = io.Copy(io.Discard, gzr)
	require.NoError(t, err)
}

func TestGzipFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "plain.sql")
	require.NoError(t, os.WriteFile(src, []byte("select 1;"), 0o644))

	dst := filepath.Join(t.TempDir(), "plain.sql.gz")
	require.NoError(t, gzipFile(src, dst))

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	gzr, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gzr.Close()

	content, err := io.ReadAll(gzr)
	require.NoError(t, err)
	assert.Equal(t, "select 1;", string(content))
}

func TestRemoveTmpDir(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "job_tmp")
	require.NoError(t, os.Mkdir(sub, 0o755))

	removeTmpDir(zap.NewNop(), sub)

	_, err := os.Stat(sub)
	assert.True(t, os.IsNotExist(err))
}
