package destination

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/errs"
)

// NFSDriver shells out to the host's mount/umount, matching the
// subprocess-wrapping idiom of agent/internal/restic/wrapper.go's
// buildCmd/run pair.
type NFSDriver struct {
	runFn      func(ctx context.Context, name string, args ...string) ([]byte, error)
	lookPathFn func(name string) (string, error)
}

func (d *NFSDriver) lookPath(name string) (string, error) {
	if d.lookPathFn != nil {
		return d.lookPathFn(name)
	}
	return exec.LookPath(name)
}

func (NFSDriver) Validate(jobName string, spec *config.Destination) (*Data, error) {
	if err := requireNonEmpty(jobName, "host", spec.Host); err != nil {
		return nil, err
	}
	return &Data{
		Kind:        config.DestNFS,
		Spec:        spec,
		State:       Validated,
		MountPoint:  "/mnt/nfs",
		MountSubDir: spec.RemoteMountPoint,
		RemoteRoot:  filepath.Join(spec.RemoteMountPoint, spec.BackupDir),
	}, nil
}

func (d *NFSDriver) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if d.runFn != nil {
		return d.runFn(ctx, name, args...)
	}
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (d *NFSDriver) Mount(ctx context.Context, log *zap.Logger, data *Data) error {
	data.mu.Lock()
	defer data.mu.Unlock()

	if _, err := d.lookPath("mount"); err != nil {
		return fmt.Errorf("%w: mount(8) not found: %s", errs.ErrPackageMissing, err)
	}

	if alreadyMounted(ctx, d, data.MountPoint) {
		// Any prior occupant of a shared mount point fails with MountBusy
		// for non-sshfs kinds per §4.3.
		log.Warn("nfs mount point occupied", zap.String("mount_point", data.MountPoint))
		return fmt.Errorf("%w: %s already mounted", errs.ErrMountBusy, data.MountPoint)
	}

	source := fmt.Sprintf("%s:%s", data.Spec.Host, data.Spec.RemoteMountPoint)
	out, err := d.run(ctx, "mount", "-t", "nfs", source, data.MountPoint)
	if err != nil {
		return fmt.Errorf("%w: mount -t nfs %s %s: %s: %s", errs.ErrMountFailed, source, data.MountPoint, err, out)
	}
	data.bindSession(osFS{}, nil)
	data.State = Mounted
	return nil
}

func (d *NFSDriver) Unmount(ctx context.Context, _ *zap.Logger, data *Data) error {
	data.mu.Lock()
	defer data.mu.Unlock()
	_ = data.releaseSession()
	out, err := d.run(ctx, "umount", data.MountPoint)
	if err != nil {
		return fmt.Errorf("%w: umount %s: %s: %s", errs.ErrUnmountFailed, data.MountPoint, err, out)
	}
	data.State = Unmounted
	return nil
}

func (NFSDriver) EffectiveLocalPath(data *Data, logicalRel string) string {
	return filepath.Join(data.MountPoint, data.MountSubDir, logicalRel)
}

func (NFSDriver) LogPath(data *Data, localPath string) string {
	return fmt.Sprintf("%s:%s", data.Spec.Host, localPath)
}

func (NFSDriver) HostAndShare(data *Data) (string, string) { return data.Spec.Host, "" }

func (NFSDriver) SupportsSymlink() bool { return true }

func alreadyMounted(ctx context.Context, d *NFSDriver, mountPoint string) bool {
	out, err := d.run(ctx, "mount")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, " "+mountPoint+" ") {
			return true
		}
	}
	return false
}
