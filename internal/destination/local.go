package destination

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/config"
)

// LocalDriver writes directly under backup_dir; it has no mount lifecycle
// and no third-party surface to exercise (§ DOMAIN STACK).
type LocalDriver struct{}

func (LocalDriver) Validate(jobName string, spec *config.Destination) (*Data, error) {
	if err := requireNonEmpty(jobName, "backup_dir", spec.BackupDir); err != nil {
		return nil, err
	}
	return &Data{Kind: config.DestLocal, Spec: spec, State: Validated}, nil
}

func (LocalDriver) Mount(_ context.Context, _ *zap.Logger, data *Data) error {
	data.mu.Lock()
	defer data.mu.Unlock()
	data.bindSession(osFS{}, nil)
	data.State = Mounted
	return nil
}

func (LocalDriver) Unmount(_ context.Context, _ *zap.Logger, data *Data) error {
	data.mu.Lock()
	defer data.mu.Unlock()
	_ = data.releaseSession()
	data.State = Unmounted
	return nil
}

func (LocalDriver) EffectiveLocalPath(data *Data, logicalRel string) string {
	return filepath.Join(data.Spec.BackupDir, logicalRel)
}

func (LocalDriver) LogPath(data *Data, localPath string) string { return localPath }

func (LocalDriver) HostAndShare(*Data) (string, string) { return "", "" }

func (LocalDriver) SupportsSymlink() bool { return true }
