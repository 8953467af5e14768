package rotation

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/clock"
	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/destination"
)

func TestIsArtifact(t *testing.T) {
	assert.True(t, IsArtifact("app_2024-03-14_10-00.tar.gz"))
	assert.True(t, IsArtifact("db_2024-03-14_10-00.sql"))
	assert.True(t, IsArtifact("db_2024-03-14_10-00.pgdump.sql.gz"))
	assert.True(t, IsArtifact("x_2024-03-14_10-00.rdb"))
	assert.False(t, IsArtifact("readme.txt"))
}

func TestSelectTier(t *testing.T) {
	anchors := clock.Anchors{DOW: 4, DOM: 5}

	t.Run("monthly wins on anchor day", func(t *testing.T) {
		now := clock.Tokens{DOM: 5, DOW: 4}
		tier, ok := selectTier(config.Retention{Days: 7, Weeks: 4, Months: 6}, now, anchors)
		require.True(t, ok)
		assert.Equal(t, Monthly, tier)
	})

	t.Run("weekly when not monthly anchor", func(t *testing.T) {
		now := clock.Tokens{DOM: 6, DOW: 4}
		tier, ok := selectTier(config.Retention{Days: 7, Weeks: 4, Months: 6}, now, anchors)
		require.True(t, ok)
		assert.Equal(t, Weekly, tier)
	})

	t.Run("daily fallback", func(t *testing.T) {
		now := clock.Tokens{DOM: 6, DOW: 1}
		tier, ok := selectTier(config.Retention{Days: 7, Weeks: 4, Months: 6}, now, anchors)
		require.True(t, ok)
		assert.Equal(t, Daily, tier)
	})

	t.Run("no tier when all retention zero", func(t *testing.T) {
		now := clock.Tokens{DOM: 6, DOW: 1}
		_, ok := selectTier(config.Retention{}, now, anchors)
		assert.False(t, ok)
	})
}

func TestOrderLocalLast(t *testing.T) {
	s3 := &config.Destination{Kind: config.DestS3}
	local := &config.Destination{Kind: config.DestLocal}
	ordered := orderLocalLast([]*config.Destination{local, s3})
	require.Len(t, ordered, 2)
	assert.Equal(t, config.DestS3, ordered[0].Kind)
	assert.Equal(t, config.DestLocal, ordered[1].Kind)
}

func TestPruneTier_DeletesOldestBeyondRetention(t *testing.T) {
	dir := t.TempDir()
	names := []string{"a_2024-01-01_00-00.tar", "b_2024-01-02_00-00.tar", "c_2024-01-03_00-00.tar"}
	for i, n := range names {
		p := filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
		mtime := time.Now().Add(time.Duration(i) * time.Hour)
		require.NoError(t, os.Chtimes(p, mtime, mtime))
	}

	e := &Engine{}
	log := zap.NewNop()
	require.NoError(t, e.pruneTier(context.Background(), log, destination.NewLocalFS(), dir, 1, false, false))

	remaining, err := ListTier(dir)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "c_2024-01-03_00-00.tar", remaining[0])
}

func TestPruneTier_SafetyBackupSlack(t *testing.T) {
	dir := t.TempDir()
	for i, n := range []string{"a_2024-01-01_00-00.tar", "b_2024-01-02_00-00.tar"} {
		p := filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
		mtime := time.Now().Add(time.Duration(i) * time.Hour)
		require.NoError(t, os.Chtimes(p, mtime, mtime))
	}

	e := &Engine{}
	log := zap.NewNop()
	require.NoError(t, e.pruneTier(context.Background(), log, destination.NewLocalFS(), dir, 1, true, false))

	remaining, err := ListTier(dir)
	require.NoError(t, err)
	assert.Len(t, remaining, 2) // retention=1 + 1 slack == both kept
}

// fakeRemoteFS is a mocked dialed session: PlaceAndRotate must write through
// it, never through a bare local path, for a kind that isn't local/nfs.
type fakeRemoteFS struct {
	files map[string][]byte
	dirs  map[string]bool
}

func newFakeRemoteFS() *fakeRemoteFS {
	return &fakeRemoteFS{files: map[string][]byte{}, dirs: map[string]bool{}}
}

func (f *fakeRemoteFS) MkdirAll(_ context.Context, dir string) error {
	f.dirs[dir] = true
	return nil
}

func (f *fakeRemoteFS) Create(_ context.Context, path string) (io.WriteCloser, error) {
	return &fakeRemoteFSWriter{fs: f, path: path}, nil
}

func (f *fakeRemoteFS) Open(_ context.Context, path string) (io.ReadCloser, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, destination.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeRemoteFS) Stat(_ context.Context, path string) (destination.FileInfo, error) {
	data, ok := f.files[path]
	if !ok {
		return destination.FileInfo{}, destination.ErrNotExist
	}
	return destination.FileInfo{Name: filepath.Base(path), Size: int64(len(data))}, nil
}

func (f *fakeRemoteFS) ReadDir(context.Context, string) ([]destination.FileInfo, error) { return nil, nil }

func (f *fakeRemoteFS) Remove(_ context.Context, path string) error {
	delete(f.files, path)
	return nil
}

func (f *fakeRemoteFS) RemoveAll(_ context.Context, path string) error {
	delete(f.files, path)
	return nil
}

func (f *fakeRemoteFS) Symlink(_ context.Context, target, path string) error {
	f.files[path] = f.files[target]
	return nil
}

type fakeRemoteFSWriter struct {
	fs   *fakeRemoteFS
	path string
	buf  bytes.Buffer
}

func (w *fakeRemoteFSWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *fakeRemoteFSWriter) Close() error {
	w.fs.files[w.path] = append([]byte(nil), w.buf.Bytes()...)
	return nil
}

// fakeRemoteDriver mimics a dialed non-local driver (scp/ftp/smb/webdav/s3
// all share this shape): Mount binds a session-backed RemoteFS instead of a
// path under any real local directory.
type fakeRemoteDriver struct {
	fs *fakeRemoteFS
}

func (d *fakeRemoteDriver) Validate(jobName string, spec *config.Destination) (*destination.Data, error) {
	return &destination.Data{Kind: spec.Kind, Spec: spec, State: destination.Validated, MountPoint: "/mnt/fake"}, nil
}

func (d *fakeRemoteDriver) Mount(_ context.Context, _ *zap.Logger, data *destination.Data) error {
	data.BindSessionForTest(d.fs, nil)
	return nil
}

func (d *fakeRemoteDriver) Unmount(_ context.Context, _ *zap.Logger, data *destination.Data) error {
	return data.ReleaseSessionForTest()
}

func (d *fakeRemoteDriver) EffectiveLocalPath(data *destination.Data, logicalRel string) string {
	return filepath.Join(data.MountPoint, data.Spec.BackupDir, logicalRel)
}

func (d *fakeRemoteDriver) LogPath(_ *destination.Data, localPath string) string { return "fake://" + localPath }

func (d *fakeRemoteDriver) HostAndShare(*destination.Data) (string, string) { return "fakehost", "" }

func (d *fakeRemoteDriver) SupportsSymlink() bool { return false }

// TestPlaceAndRotate_RemoteDestination_WritesThroughSession is the case the
// pre-fix drivers broke: Mount dialed and closed before any write, so bytes
// never reached the destination. Here the fake driver's Mount binds a
// session-backed RemoteFS, and this test asserts the artifact bytes land in
// that session rather than at EffectiveLocalPath on the real local disk.
func TestPlaceAndRotate_RemoteDestination_WritesThroughSession(t *testing.T) {
	tmpDir := t.TempDir()
	artifact := filepath.Join(tmpDir, "app_2024-03-14_10-00.tar")
	require.NoError(t, os.WriteFile(artifact, []byte("remote-payload"), 0o600))

	fakeFS := newFakeRemoteFS()
	reg := destination.NewRegistryWithDrivers(map[config.DestinationKind]destination.Driver{
		config.DestSCP: &fakeRemoteDriver{fs: fakeFS},
	})
	e := NewEngine(reg, clock.DefaultAnchors())

	dest := &config.Destination{
		Kind: config.DestSCP, Enable: true, BackupDir: "jobdir",
		Retention: config.Retention{Days: 7},
	}
	now := clock.Tokens{DOM: 6, DOW: 1}

	e.PlaceAndRotate(context.Background(), zap.NewNop(), now, "job1", artifact, "app", []*config.Destination{dest}, false)

	placed := filepath.Join("/mnt/fake/jobdir/app/daily", "app_2024-03-14_10-00.tar")
	assert.Equal(t, []byte("remote-payload"), fakeFS.files[placed])

	_, err := os.Stat(placed)
	assert.True(t, os.IsNotExist(err), "bytes must not also land on the real local filesystem at the effective path")
}

func TestPlaceAndRotate_LocalMove(t *testing.T) {
	root := t.TempDir()
	tmpDir := t.TempDir()
	artifact := filepath.Join(tmpDir, "app_2024-03-14_10-00.tar")
	require.NoError(t, os.WriteFile(artifact, []byte("data"), 0o600))

	reg := destination.NewRegistry()
	e := NewEngine(reg, clock.DefaultAnchors())

	dest := &config.Destination{
		Kind: config.DestLocal, Enable: true, BackupDir: root,
		Retention: config.Retention{Days: 7},
	}
	now := clock.Tokens{DOM: 6, DOW: 1}

	e.PlaceAndRotate(context.Background(), zap.NewNop(), now, "job1", artifact, "app", []*config.Destination{dest}, false)

	placed := filepath.Join(root, "app", "daily", "app_2024-03-14_10-00.tar")
	_, err := os.Stat(placed)
	require.NoError(t, err)
	_, err = os.Stat(artifact)
	assert.True(t, os.IsNotExist(err))
}
