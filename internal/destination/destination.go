// Package destination abstracts the seven repository kinds vaultcron can
// write artifacts to, behind the validate/mount/unmount/effective-path
// contract of SPEC_FULL.md §4.3.
//
// Grounded on agent/internal/restic/wrapper.go's subprocess-wrapping idiom
// (mount/unmount shell out and their output is parsed the same defensive
// way restic's JSON-lines output is) and agent/internal/docker/discovery.go's
// capability-optional client pattern (a Driver that has nothing to mount,
// like local, is just a no-op implementation rather than a special case
// threaded through callers).
package destination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/errs"
)

// ErrNotExist is returned (wrapped) by RemoteFS.Open and RemoteFS.Stat when
// the path does not exist at the destination, mirroring os.ErrNotExist for
// callers that only have a Driver/Data pair to work with.
var ErrNotExist = errors.New("destination: path does not exist")

// FileInfo is the subset of os.FileInfo every destination kind can report,
// whether the entry came from os.ReadDir, an SFTP directory listing, an FTP
// LIST, an SMB share, a WebDAV PROPFIND, or an S3 ListObjectsV2 page.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// RemoteFS is the uniform, destination-side filesystem surface the rotation
// and incfiles engines place/prune/diff artifacts through. For local and
// nfs (a real kernel mount) it is backed directly by os.*; for the dialed
// kinds (scp, ftp, smb, webdav, s3) it is backed by the session or client
// Mount established and stored on Data, so bytes actually travel over that
// connection instead of landing on a local path nothing ever mounted.
//
// Every method is called only while Data.State is Mounted.
type RemoteFS interface {
	MkdirAll(ctx context.Context, dir string) error
	Create(ctx context.Context, path string) (io.WriteCloser, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Stat(ctx context.Context, path string) (FileInfo, error)
	ReadDir(ctx context.Context, dir string) ([]FileInfo, error)
	Remove(ctx context.Context, path string) error
	RemoveAll(ctx context.Context, path string) error
	// Symlink is only ever called when the owning Driver's SupportsSymlink
	// reports true; kinds that can't need only return an error.
	Symlink(ctx context.Context, target, path string) error
}

// State is the mount lifecycle state machine from §4.3: transitions are
// strict, Unvalidated -> Validated -> Mounted -> Unmounted.
type State int

const (
	Unvalidated State = iota
	Validated
	Mounted
	Unmounted
)

func (s State) String() string {
	switch s {
	case Unvalidated:
		return "unvalidated"
	case Validated:
		return "validated"
	case Mounted:
		return "mounted"
	case Unmounted:
		return "unmounted"
	default:
		return "unknown"
	}
}

// Data is the per-destination state a Driver threads through validate,
// mount, and path-translation calls. It plays the role dst_data plays in
// the original tool's module-level dictionaries.
type Data struct {
	Kind      config.DestinationKind
	JobName   string
	Spec      *config.Destination
	State     State
	MountPoint    string // e.g. /mnt/sshfs, /mnt/smbfs ...
	MountSubDir   string // remote_mount_point sub-path, for scp/nfs
	RemoteRoot    string // pre-translated remote absolute path, used for symlink targets

	mu     sync.Mutex
	fs     RemoteFS      // set by Mount, cleared by Unmount
	closer func() error  // tears down the session/client fs is backed by
}

// FS returns the RemoteFS the driver's Mount established, or nil before
// Mount runs or after Unmount tears it down.
func (d *Data) FS() RemoteFS {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fs
}

// bindSession stores the RemoteFS a Mount call built together with the
// teardown closure Unmount must invoke. Must be called with d.mu held.
func (d *Data) bindSession(fs RemoteFS, closer func() error) {
	d.fs = fs
	d.closer = closer
}

// releaseSession tears down a previously bound session, if any. Must be
// called with d.mu held.
func (d *Data) releaseSession() error {
	var err error
	if d.closer != nil {
		err = d.closer()
	}
	d.fs = nil
	d.closer = nil
	return err
}

// BindSessionForTest installs fs as this Data's session directly, for tests
// that exercise a Registry/Engine wired to a fake Driver without dialing a
// real remote endpoint.
func (d *Data) BindSessionForTest(fs RemoteFS, closer func() error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bindSession(fs, closer)
}

// ReleaseSessionForTest tears down a session installed by BindSessionForTest.
func (d *Data) ReleaseSessionForTest() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.releaseSession()
}

// Driver is the uniform contract every repository kind implements.
type Driver interface {
	// Validate enforces the kind's required fields, returning a fresh Data
	// in state Validated, or a wrapped errs.ErrConfig.
	Validate(jobName string, spec *config.Destination) (*Data, error)

	// Mount ensures any required helper tool is present and establishes
	// the kind-specific mount. No-op (state jumps straight to Mounted)
	// for local.
	Mount(ctx context.Context, log *zap.Logger, data *Data) error

	// Unmount tears down what Mount established. No-op for local.
	Unmount(ctx context.Context, log *zap.Logger, data *Data) error

	// EffectiveLocalPath resolves a logical, storage-relative path to the
	// path this process should read/write through, per §4.3's per-kind
	// rule (backup_dir directly for local; mount_point-prefixed
	// otherwise).
	EffectiveLocalPath(data *Data, logicalRel string) string

	// LogPath back-translates a local path to the human-readable remote
	// path used in log/report messages.
	LogPath(data *Data, localPath string) string

	// HostAndShare reports the share (smb) or host (other non-local,
	// non-s3 kinds) for status reporting; both empty for local and s3.
	HostAndShare(data *Data) (host, share string)

	// SupportsSymlink reports whether cross-tier fan-out (§4.4 step 4)
	// should use a symlink (true) or a copy (false) at this destination.
	SupportsSymlink() bool
}

// Registry resolves a config.DestinationKind to its Driver implementation.
type Registry struct {
	drivers map[config.DestinationKind]Driver
}

// NewRegistry wires up the seven built-in drivers.
func NewRegistry() *Registry {
	return &Registry{
		drivers: map[config.DestinationKind]Driver{
			config.DestLocal:  &LocalDriver{},
			config.DestSCP:    &SCPDriver{},
			config.DestNFS:    &NFSDriver{},
			config.DestFTP:    &FTPDriver{},
			config.DestSMB:    &SMBDriver{},
			config.DestWebDAV: &WebDAVDriver{},
			config.DestS3:     &S3Driver{},
		},
	}
}

// NewRegistryWithDrivers builds a Registry from an explicit kind-to-Driver
// map, bypassing the seven built-ins — used by tests that substitute a fake
// Driver for a kind under test.
func NewRegistryWithDrivers(drivers map[config.DestinationKind]Driver) *Registry {
	return &Registry{drivers: drivers}
}

// For looks up the driver for kind, or a wrapped errs.ErrConfig if unknown.
func (r *Registry) For(kind config.DestinationKind) (Driver, error) {
	d, ok := r.drivers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no driver registered for storage kind %q", errs.ErrConfig, kind)
	}
	return d, nil
}

// Validate runs spec through its kind's Driver.Validate, stamping JobName
// onto the returned Data.
func (r *Registry) Validate(jobName string, spec *config.Destination) (Driver, *Data, error) {
	drv, err := r.For(spec.Kind)
	if err != nil {
		return nil, nil, err
	}
	data, err := drv.Validate(jobName, spec)
	if err != nil {
		return nil, nil, err
	}
	data.JobName = jobName
	return drv, data, nil
}

func requireNonEmpty(jobName, field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: job %q: %s is required", errs.ErrConfig, jobName, field)
	}
	return nil
}
