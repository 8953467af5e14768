package incfiles

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/clock"
	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/destination"
)

func TestDiff_NewAndModifiedKeys(t *testing.T) {
	old := Index{"/a": 1.0, "/b": 2.0, "/c": 3.0}
	newIdx := Index{"/a": 1.0, "/b": 9.0, "/d": 4.0}

	modify, notModify := Diff(old, newIdx)
	assert.True(t, modify["/b"]) // mtime changed
	assert.True(t, modify["/d"]) // new key
	assert.False(t, modify["/a"])
	assert.True(t, notModify["/a"])
}

func TestIndex_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f1"), []byte("hello"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "f2"), []byte("world"), 0o600))

	idx, err := BuildIndex(dir, nil)
	require.NoError(t, err)
	assert.Len(t, idx, 2)

	fs := destination.NewLocalFS()
	ctx := context.Background()
	incPath := filepath.Join(t.TempDir(), "year.inc")
	require.NoError(t, WriteIndex(ctx, fs, incPath, idx))

	reread, err := ReadIndex(ctx, fs, incPath)
	require.NoError(t, err)
	assert.Equal(t, idx, reread)
}

func TestPartOfDirPath_SingleWildcard(t *testing.T) {
	got := PartOfDirPath("/srv/sites/*/httpdocs", "/srv/sites/example.com/httpdocs")
	assert.Equal(t, "example.com", got)
}

func TestPartOfDirPath_NoWildcard(t *testing.T) {
	got := PartOfDirPath("/srv/sites/fixed", "/srv/sites/fixed")
	assert.Equal(t, "fixed", got)
}

func TestBuildArchive_DumpdirCatalogue(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("A"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("B"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))

	modify := map[string]bool{filepath.Join(dir, "a.txt"): true}

	var buf bytes.Buffer
	require.NoError(t, BuildArchive(&buf, dir, modify, nil))

	tr := tar.NewReader(&buf)
	sawDumpdir := false
	sawFileBody := false
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		if catalogue, ok := hdr.PAXRecords[dumpdirKey]; ok {
			sawDumpdir = true
			assert.Contains(t, catalogue, "Ya.txt\x00")
			assert.Contains(t, catalogue, "Nb.txt\x00")
			assert.Contains(t, catalogue, "Dsub\x00")
		}
		if hdr.Typeflag == tar.TypeReg {
			sawFileBody = true
		}
	}
	assert.True(t, sawDumpdir)
	assert.True(t, sawFileBody)
}

func TestRetainedYearMonths_WrapsYearBoundary(t *testing.T) {
	now := clock.Tokens{Year: 2024, MOY: 2}
	retained := retainedYearMonths(now, 4) // Feb, Jan, Dec(2023), Nov(2023)
	assert.True(t, retained[[2]int{2024, 2}])
	assert.True(t, retained[[2]int{2024, 1}])
	assert.True(t, retained[[2]int{2023, 12}])
	assert.True(t, retained[[2]int{2023, 11}])
	assert.False(t, retained[[2]int{2023, 10}])
}

func TestPlaceIncremental_YearIncAbsent_ReinitsFull(t *testing.T) {
	dstRoot := t.TempDir()
	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "f1"), []byte("data"), 0o600))

	var drv destination.LocalDriver
	data, err := drv.Validate("job1", &config.Destination{Kind: config.DestLocal, BackupDir: dstRoot})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, drv.Mount(ctx, zap.NewNop(), data))
	defer drv.Unmount(ctx, zap.NewNop(), data)

	now := clock.Tokens{Year: 2024, MOY: 3, DOM: 14}
	res, err := PlaceIncremental(ctx, zap.NewNop(), drv, data, now, clock.DefaultAnchors(), dstRoot, target, nil, false, 12, "app", "2024-03-14_10-00")
	require.NoError(t, err)
	assert.Equal(t, "none", res.Basis)

	yearInc := filepath.Join(dstRoot, "2024", "year", "year.inc")
	_, err = os.Stat(yearInc)
	require.NoError(t, err)

	monthlyArchive := filepath.Join(dstRoot, "2024", "month_03", "monthly", "app_2024-03-14_10-00.tar")
	_, err = os.Lstat(monthlyArchive)
	require.NoError(t, err) // local supports symlinks, so this is a symlink to the year archive
}
