package destination

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/errs"
)

// FTPDriver connects with github.com/jlaffaye/ftp to establish reachability
// and create the backup_dir tree; since curlftpfs isn't guaranteed present,
// Mount here validates connectivity and directory layout rather than a
// literal FUSE mount, and holds the *ftp.ServerConn on Data for the
// lifetime of the mount. EffectiveLocalPath still returns a local-looking
// path for logging and fan-out bookkeeping, but every actual read/write
// goes through Data.FS(), which translates that path back to the real FTP
// path and issues it over the held connection.
type FTPDriver struct {
	dialFn func(spec *config.Destination) (*ftp.ServerConn, error)
}

func (FTPDriver) Validate(jobName string, spec *config.Destination) (*Data, error) {
	if err := requireNonEmpty(jobName, "host", spec.Host); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(jobName, "user", spec.User); err != nil {
		return nil, err
	}
	return &Data{
		Kind:       config.DestFTP,
		Spec:       spec,
		State:      Validated,
		MountPoint: "/mnt/curlftpfs",
	}, nil
}

func (d *FTPDriver) Mount(ctx context.Context, log *zap.Logger, data *Data) error {
	data.mu.Lock()
	defer data.mu.Unlock()

	dial := d.dialFn
	if dial == nil {
		dial = dialFTP
	}
	conn, err := dial(data.Spec)
	if err != nil {
		return fmt.Errorf("%w: ftp dial %s: %s", errs.ErrMountFailed, data.Spec.Host, err)
	}

	if err := conn.MakeDir(data.Spec.BackupDir); err != nil {
		log.Debug("ftp mkdir (likely already exists)", zap.String("dir", data.Spec.BackupDir), zap.Error(err))
	}

	data.bindSession(ftpFS{conn: conn, mountPoint: data.MountPoint}, conn.Quit)
	data.State = Mounted
	return nil
}

func (FTPDriver) Unmount(_ context.Context, _ *zap.Logger, data *Data) error {
	data.mu.Lock()
	defer data.mu.Unlock()
	data.State = Unmounted
	if err := data.releaseSession(); err != nil {
		return fmt.Errorf("%w: ftp quit: %s", errs.ErrUnmountFailed, err)
	}
	return nil
}

func (FTPDriver) EffectiveLocalPath(data *Data, logicalRel string) string {
	return filepath.Join(data.MountPoint, data.Spec.BackupDir, logicalRel)
}

func (FTPDriver) LogPath(data *Data, localPath string) string {
	return fmt.Sprintf("ftp://%s%s", data.Spec.Host, localPath)
}

func (FTPDriver) HostAndShare(data *Data) (string, string) { return data.Spec.Host, "" }

func (FTPDriver) SupportsSymlink() bool { return false }

func dialFTP(spec *config.Destination) (*ftp.ServerConn, error) {
	port := spec.Port
	if port == 0 {
		port = 21
	}
	conn, err := ftp.Dial(fmt.Sprintf("%s:%d", spec.Host, port), ftp.DialWithTimeout(15*time.Second))
	if err != nil {
		return nil, err
	}
	if err := conn.Login(spec.User, spec.Password); err != nil {
		conn.Quit()
		return nil, err
	}
	return conn, nil
}

// ftpFS backs RemoteFS for ftp with the *ftp.ServerConn Mount dialed and
// bound on Data.
type ftpFS struct {
	conn       *ftp.ServerConn
	mountPoint string
}

func (f ftpFS) remote(path string) string { return stripMountPrefix(f.mountPoint, path) }

// MkdirAll creates dir one path segment at a time: FTP's MKD has no -p
// equivalent and errors on an existing directory, which is expected and
// ignored here.
func (f ftpFS) MkdirAll(_ context.Context, dir string) error {
	cur := ""
	for _, part := range strings.Split(strings.Trim(f.remote(dir), "/"), "/") {
		if part == "" {
			continue
		}
		cur += "/" + part
		_ = f.conn.MakeDir(cur)
	}
	return nil
}

func (f ftpFS) Create(_ context.Context, path string) (io.WriteCloser, error) {
	remote := f.remote(path)
	return newPipeWriteCloser(func(r io.Reader) error {
		return f.conn.Stor(remote, r)
	}), nil
}

func (f ftpFS) Open(_ context.Context, path string) (io.ReadCloser, error) {
	r, err := f.conn.Retr(f.remote(path))
	if err != nil {
		return nil, wrapNotExist(path, err)
	}
	return r, nil
}

func (f ftpFS) Stat(_ context.Context, path string) (FileInfo, error) {
	remote := f.remote(path)
	size, err := f.conn.FileSize(remote)
	if err != nil {
		return FileInfo{}, wrapNotExist(path, err)
	}
	return FileInfo{Name: filepath.Base(remote), Size: size}, nil
}

func (f ftpFS) ReadDir(_ context.Context, dir string) ([]FileInfo, error) {
	entries, err := f.conn.List(f.remote(dir))
	if err != nil {
		return nil, nil
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, FileInfo{Name: e.Name, Size: int64(e.Size), ModTime: e.Time, IsDir: e.Type == ftp.EntryTypeFolder})
	}
	return out, nil
}

func (f ftpFS) Remove(_ context.Context, path string) error {
	if err := f.conn.Delete(f.remote(path)); err != nil {
		return nil // best-effort: already gone is not distinguishable from a real failure over plain FTP
	}
	return nil
}

func (f ftpFS) RemoveAll(_ context.Context, path string) error {
	return f.removeAllRemote(f.remote(path))
}

func (f ftpFS) removeAllRemote(remote string) error {
	entries, err := f.conn.List(remote)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		child := remote + "/" + e.Name
		if e.Type == ftp.EntryTypeFolder {
			if err := f.removeAllRemote(child); err != nil {
				return err
			}
			continue
		}
		_ = f.conn.Delete(child)
	}
	return f.conn.RemoveDir(remote)
}

func (ftpFS) Symlink(context.Context, string, string) error {
	return fmt.Errorf("destination: ftp does not support symlinks")
}
