package destination

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/errs"
)

// fakeSessionFS stands in for a dialed remote client (sftp/ftp/smb/webdav/s3)
// so a test can assert that a write actually reaches something reachable
// only through the bound session, not a bare local path.
type fakeSessionFS struct {
	files map[string][]byte
}

func newFakeSessionFS() *fakeSessionFS { return &fakeSessionFS{files: map[string][]byte{}} }

func (f *fakeSessionFS) MkdirAll(context.Context, string) error { return nil }

func (f *fakeSessionFS) Create(_ context.Context, path string) (io.WriteCloser, error) {
	return &fakeSessionWriter{fs: f, path: path}, nil
}

func (f *fakeSessionFS) Open(_ context.Context, path string) (io.ReadCloser, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeSessionFS) Stat(_ context.Context, path string) (FileInfo, error) {
	data, ok := f.files[path]
	if !ok {
		return FileInfo{}, ErrNotExist
	}
	return FileInfo{Name: path, Size: int64(len(data))}, nil
}

func (f *fakeSessionFS) ReadDir(context.Context, string) ([]FileInfo, error) { return nil, nil }

func (f *fakeSessionFS) Remove(_ context.Context, path string) error {
	delete(f.files, path)
	return nil
}

func (f *fakeSessionFS) RemoveAll(_ context.Context, path string) error {
	delete(f.files, path)
	return nil
}

func (f *fakeSessionFS) Symlink(context.Context, string, string) error {
	return errs.ErrConfig
}

type fakeSessionWriter struct {
	fs   *fakeSessionFS
	path string
	buf  bytes.Buffer
}

func (w *fakeSessionWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *fakeSessionWriter) Close() error {
	w.fs.files[w.path] = append([]byte(nil), w.buf.Bytes()...)
	return nil
}

// TestData_BindSession_RoutesWritesThroughSession proves a write issued
// through Data.FS() lands in the session the driver bound, and that
// Unmount's releaseSession both clears it and invokes the teardown closer —
// the shape every dialed driver's Mount/Unmount now follows instead of
// dialing, authenticating, and closing before any I/O happens.
func TestData_BindSession_RoutesWritesThroughSession(t *testing.T) {
	session := newFakeSessionFS()
	closed := false

	data := &Data{State: Validated}
	data.mu.Lock()
	data.bindSession(session, func() error { closed = true; return nil })
	data.mu.Unlock()

	require.NotNil(t, data.FS())

	w, err := data.FS().Create(context.Background(), "/remote/daily/app.tar")
	require.NoError(t, err)
	_, err = w.Write([]byte("backup-bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, []byte("backup-bytes"), session.files["/remote/daily/app.tar"])

	data.mu.Lock()
	err = data.releaseSession()
	data.mu.Unlock()
	require.NoError(t, err)
	assert.True(t, closed, "unmount must invoke the session teardown closer")
	assert.Nil(t, data.FS())
}

func TestRegistry_For_UnknownKind(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.For("bogus")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestLocalDriver_Validate(t *testing.T) {
	var d LocalDriver
	data, err := d.Validate("job1", &config.Destination{Kind: config.DestLocal, BackupDir: "/backups/job1"})
	require.NoError(t, err)
	assert.Equal(t, Validated, data.State)
	assert.Equal(t, "/backups/job1/daily/x.tar", d.EffectiveLocalPath(data, "daily/x.tar"))
}

func TestLocalDriver_Validate_MissingBackupDir(t *testing.T) {
	var d LocalDriver
	_, err := d.Validate("job1", &config.Destination{Kind: config.DestLocal})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestSCPDriver_Validate_RequiresAuth(t *testing.T) {
	var d SCPDriver
	_, err := d.Validate("job1", &config.Destination{Kind: config.DestSCP, Host: "h", User: "u"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestSCPDriver_EffectiveLocalPath(t *testing.T) {
	var d SCPDriver
	data, err := d.Validate("job1", &config.Destination{
		Kind: config.DestSCP, Host: "h", User: "u", Password: "p",
		RemoteMountPoint: "/remote/base", BackupDir: "jobdir",
	})
	require.NoError(t, err)
	assert.Equal(t, "/mnt/sshfs/remote/base/daily/x.tar", d.EffectiveLocalPath(data, "daily/x.tar"))
}

func TestSMBDriver_Validate_RequiresShare(t *testing.T) {
	var d SMBDriver
	_, err := d.Validate("job1", &config.Destination{Kind: config.DestSMB, Host: "h", User: "u"})
	require.Error(t, err)
}

func TestS3Driver_Validate_RequiresBucket(t *testing.T) {
	var d S3Driver
	_, err := d.Validate("job1", &config.Destination{Kind: config.DestS3})
	require.Error(t, err)
}

func TestDriverSymlinkSupport(t *testing.T) {
	assert.True(t, LocalDriver{}.SupportsSymlink())
	assert.True(t, (&SCPDriver{}).SupportsSymlink())
	assert.True(t, (&NFSDriver{}).SupportsSymlink())
	assert.False(t, (&FTPDriver{}).SupportsSymlink())
	assert.False(t, (&SMBDriver{}).SupportsSymlink())
	assert.False(t, (&WebDAVDriver{}).SupportsSymlink())
	assert.False(t, S3Driver{}.SupportsSymlink())
}
