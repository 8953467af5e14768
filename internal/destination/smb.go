package destination

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"time"

	"github.com/hirochachacha/go-smb2"
	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/errs"
)

// SMBDriver validates an SMB share with github.com/hirochachacha/go-smb2,
// the pure-Go CIFS client, rather than shelling out to mount.cifs — this
// keeps the kind usable in environments (containers) where mount.cifs and
// CAP_SYS_ADMIN are unavailable, the usual reason the teacher's own
// wrappers (agent/internal/docker/discovery.go) treat capability as
// optional rather than assumed.
type SMBDriver struct {
	dialFn func(spec *config.Destination) (*smb2.Session, net.Conn, error)
}

func (SMBDriver) Validate(jobName string, spec *config.Destination) (*Data, error) {
	if err := requireNonEmpty(jobName, "host", spec.Host); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(jobName, "share", spec.Share); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(jobName, "user", spec.User); err != nil {
		return nil, err
	}
	return &Data{
		Kind:       config.DestSMB,
		Spec:       spec,
		State:      Validated,
		MountPoint: "/mnt/smbfs",
	}, nil
}

func (d *SMBDriver) Mount(ctx context.Context, log *zap.Logger, data *Data) error {
	data.mu.Lock()
	defer data.mu.Unlock()

	dial := d.dialFn
	if dial == nil {
		dial = dialSMB
	}
	session, conn, err := dial(data.Spec)
	if err != nil {
		return fmt.Errorf("%w: smb dial %s: %s", errs.ErrMountFailed, data.Spec.Host, err)
	}

	share, err := session.Mount(data.Spec.Share)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: smb mount share %s: %s", errs.ErrMountFailed, data.Spec.Share, err)
	}

	if err := share.MkdirAll(data.Spec.BackupDir, 0o755); err != nil {
		log.Debug("smb mkdir (likely already exists)", zap.String("dir", data.Spec.BackupDir), zap.Error(err))
	}

	data.bindSession(smbFS{share: share, mountPoint: data.MountPoint}, func() error {
		uerr := share.Umount()
		_ = session.Logoff()
		cerr := conn.Close()
		if uerr != nil {
			return uerr
		}
		return cerr
	})
	data.State = Mounted
	return nil
}

func (SMBDriver) Unmount(_ context.Context, _ *zap.Logger, data *Data) error {
	data.mu.Lock()
	defer data.mu.Unlock()
	data.State = Unmounted
	if err := data.releaseSession(); err != nil {
		return fmt.Errorf("%w: smb teardown: %s", errs.ErrUnmountFailed, err)
	}
	return nil
}

func (SMBDriver) EffectiveLocalPath(data *Data, logicalRel string) string {
	return filepath.Join(data.MountPoint, data.Spec.BackupDir, logicalRel)
}

func (SMBDriver) LogPath(data *Data, localPath string) string {
	return fmt.Sprintf(`\\%s\%s%s`, data.Spec.Host, data.Spec.Share, localPath)
}

func (SMBDriver) HostAndShare(data *Data) (string, string) { return "", data.Spec.Share }

func (SMBDriver) SupportsSymlink() bool { return false }

func dialSMB(spec *config.Destination) (*smb2.Session, net.Conn, error) {
	port := spec.Port
	if port == 0 {
		port = 445
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", spec.Host, port), 15*time.Second)
	if err != nil {
		return nil, nil, err
	}
	d := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     spec.User,
			Password: spec.Password,
		},
	}
	session, err := d.Dial(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return session, conn, nil
}

// smbFS backs RemoteFS for smb with the *smb2.Share Mount established and
// bound on Data.
type smbFS struct {
	share      *smb2.Share
	mountPoint string
}

func (f smbFS) remote(path string) string { return stripMountPrefix(f.mountPoint, path) }

func (f smbFS) MkdirAll(_ context.Context, dir string) error {
	return f.share.MkdirAll(f.remote(dir), 0o755)
}

func (f smbFS) Create(_ context.Context, path string) (io.WriteCloser, error) {
	return f.share.Create(f.remote(path))
}

func (f smbFS) Open(_ context.Context, path string) (io.ReadCloser, error) {
	r, err := f.share.Open(f.remote(path))
	if err != nil {
		return nil, wrapNotExist(path, err)
	}
	return r, nil
}

func (f smbFS) Stat(_ context.Context, path string) (FileInfo, error) {
	info, err := f.share.Stat(f.remote(path))
	if err != nil {
		return FileInfo{}, wrapNotExist(path, err)
	}
	return FileInfo{Name: info.Name(), Size: info.Size(), ModTime: info.ModTime(), IsDir: info.IsDir()}, nil
}

func (f smbFS) ReadDir(_ context.Context, dir string) ([]FileInfo, error) {
	entries, err := f.share.ReadDir(f.remote(dir))
	if err != nil {
		return nil, nil
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, FileInfo{Name: e.Name(), Size: e.Size(), ModTime: e.ModTime(), IsDir: e.IsDir()})
	}
	return out, nil
}

func (f smbFS) Remove(_ context.Context, path string) error {
	if err := f.share.Remove(f.remote(path)); err != nil {
		return nil
	}
	return nil
}

func (f smbFS) RemoveAll(_ context.Context, path string) error {
	return f.removeAllRemote(f.remote(path))
}

func (f smbFS) removeAllRemote(remote string) error {
	info, err := f.share.Stat(remote)
	if err != nil {
		return nil
	}
	if !info.IsDir() {
		return f.share.Remove(remote)
	}
	entries, err := f.share.ReadDir(remote)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := f.removeAllRemote(filepath.Join(remote, e.Name())); err != nil {
			return err
		}
	}
	return f.share.Remove(remote)
}

func (smbFS) Symlink(context.Context, string, string) error {
	return fmt.Errorf("destination: smb does not support symlinks")
}
