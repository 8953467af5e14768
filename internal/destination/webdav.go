package destination

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/studio-b12/gowebdav"
	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/errs"
)

// WebDAVDriver uses github.com/studio-b12/gowebdav in place of the
// davfs2/FUSE mount the original tool shells out to. Before connecting,
// Mount writes a per-job "host user password" credentials file in the
// parent directory of MountPoint (see writeDavfsSecrets); it does not
// touch /etc/davfs2/secrets. A failure to write that file aborts this
// destination with errs.ErrAuthWriteFailed rather than being silently
// skipped.
type WebDAVDriver struct {
	newClientFn  func(spec *config.Destination) *gowebdav.Client
	writeSecrets func(data *Data) error
}

func (WebDAVDriver) Validate(jobName string, spec *config.Destination) (*Data, error) {
	if err := requireNonEmpty(jobName, "host", spec.Host); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(jobName, "user", spec.User); err != nil {
		return nil, err
	}
	return &Data{
		Kind:       config.DestWebDAV,
		Spec:       spec,
		State:      Validated,
		MountPoint: "/mnt/davfs",
	}, nil
}

func (d *WebDAVDriver) Mount(ctx context.Context, log *zap.Logger, data *Data) error {
	data.mu.Lock()
	defer data.mu.Unlock()

	writeSecrets := d.writeSecrets
	if writeSecrets == nil {
		writeSecrets = writeDavfsSecrets
	}
	if err := writeSecrets(data); err != nil {
		return err
	}

	newClient := d.newClientFn
	if newClient == nil {
		newClient = newWebDAVClient
	}
	client := newClient(data.Spec)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("%w: webdav connect %s: %s", errs.ErrMountFailed, data.Spec.Host, err)
	}
	if err := client.MkdirAll(data.Spec.BackupDir, 0o755); err != nil {
		log.Debug("webdav mkdir (likely already exists)", zap.String("dir", data.Spec.BackupDir), zap.Error(err))
	}

	data.bindSession(webdavFS{client: client, mountPoint: data.MountPoint}, nil)
	data.State = Mounted
	return nil
}

func (WebDAVDriver) Unmount(_ context.Context, _ *zap.Logger, data *Data) error {
	data.mu.Lock()
	defer data.mu.Unlock()
	_ = data.releaseSession()
	data.State = Unmounted
	return nil
}

// writeDavfsSecrets writes a single "<host> <user> <password>" line to
// ".davfs2-secrets-<job>" in the parent directory of MountPoint, replacing
// any previous content of that file (mode 0600). It does not append to
// /etc/davfs2/secrets, and the line carries the bare host, not a URL or
// port. vaultcron never shells out to mount.davfs itself.
func writeDavfsSecrets(data *Data) error {
	dir := filepath.Dir(data.MountPoint)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: mkdir %s: %s", errs.ErrAuthWriteFailed, dir, err)
	}
	path := filepath.Join(dir, ".davfs2-secrets-"+data.JobName)
	line := fmt.Sprintf("%s %s %s\n", data.Spec.Host, data.Spec.User, data.Spec.Password)
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		return fmt.Errorf("%w: %s: %s", errs.ErrAuthWriteFailed, path, err)
	}
	return nil
}

func (WebDAVDriver) EffectiveLocalPath(data *Data, logicalRel string) string {
	return filepath.Join(data.MountPoint, data.Spec.BackupDir, logicalRel)
}

func (WebDAVDriver) LogPath(data *Data, localPath string) string {
	return fmt.Sprintf("webdav://%s%s", data.Spec.Host, localPath)
}

func (WebDAVDriver) HostAndShare(data *Data) (string, string) { return data.Spec.Host, "" }

func (WebDAVDriver) SupportsSymlink() bool { return false }

func newWebDAVClient(spec *config.Destination) *gowebdav.Client {
	scheme := "http"
	if spec.Port == 443 {
		scheme = "https"
	}
	root := fmt.Sprintf("%s://%s", scheme, spec.Host)
	return gowebdav.NewClient(root, spec.User, spec.Password)
}

// webdavFS backs RemoteFS for webdav with the *gowebdav.Client Mount
// connected and bound on Data.
type webdavFS struct {
	client     *gowebdav.Client
	mountPoint string
}

func (f webdavFS) remote(path string) string { return stripMountPrefix(f.mountPoint, path) }

func (f webdavFS) MkdirAll(_ context.Context, dir string) error {
	return f.client.MkdirAll(f.remote(dir), 0o755)
}

func (f webdavFS) Create(_ context.Context, path string) (io.WriteCloser, error) {
	remote := f.remote(path)
	return newPipeWriteCloser(func(r io.Reader) error {
		return f.client.WriteStream(remote, r, 0o644)
	}), nil
}

func (f webdavFS) Open(_ context.Context, path string) (io.ReadCloser, error) {
	r, err := f.client.ReadStream(f.remote(path))
	if err != nil {
		return nil, wrapNotExist(path, err)
	}
	return r, nil
}

func (f webdavFS) Stat(_ context.Context, path string) (FileInfo, error) {
	info, err := f.client.Stat(f.remote(path))
	if err != nil {
		return FileInfo{}, wrapNotExist(path, err)
	}
	return FileInfo{Name: info.Name(), Size: info.Size(), ModTime: info.ModTime(), IsDir: info.IsDir()}, nil
}

func (f webdavFS) ReadDir(_ context.Context, dir string) ([]FileInfo, error) {
	entries, err := f.client.ReadDir(f.remote(dir))
	if err != nil {
		return nil, nil
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, FileInfo{Name: e.Name(), Size: e.Size(), ModTime: e.ModTime(), IsDir: e.IsDir()})
	}
	return out, nil
}

func (f webdavFS) Remove(_ context.Context, path string) error {
	if err := f.client.Remove(f.remote(path)); err != nil {
		return nil
	}
	return nil
}

func (f webdavFS) RemoveAll(_ context.Context, path string) error {
	if err := f.client.RemoveAll(f.remote(path)); err != nil {
		return nil
	}
	return nil
}

func (webdavFS) Symlink(context.Context, string, string) error {
	return fmt.Errorf("destination: webdav does not support symlinks")
}
