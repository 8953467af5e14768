package destination

import (
	"context"
	"io"
	"os"
	"strings"
)

// osFS implements RemoteFS directly against the local filesystem. It backs
// local (a real path under backup_dir) and nfs (a real kernel mount at
// MountPoint) — the two kinds whose EffectiveLocalPath is a path this
// process can already read and write without going through any client.
type osFS struct{}

// NewLocalFS exposes osFS to other packages' tests that need a real
// RemoteFS without dialing a remote destination, mirroring what local.go's
// Mount binds internally.
func NewLocalFS() RemoteFS { return osFS{} }

func (osFS) MkdirAll(_ context.Context, dir string) error { return os.MkdirAll(dir, 0o755) }

func (osFS) Create(_ context.Context, path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

func (osFS) Open(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wrapNotExist(path, err)
		}
		return nil, err
	}
	return f, nil
}

func (osFS) Stat(_ context.Context, path string) (FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, wrapNotExist(path, err)
		}
		return FileInfo{}, err
	}
	return FileInfo{Name: info.Name(), Size: info.Size(), ModTime: info.ModTime(), IsDir: info.IsDir()}, nil
}

func (osFS) ReadDir(_ context.Context, dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime(), IsDir: e.IsDir()})
	}
	return out, nil
}

func (osFS) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (osFS) RemoveAll(_ context.Context, path string) error { return os.RemoveAll(path) }

func (osFS) Symlink(_ context.Context, target, path string) error {
	_ = os.Remove(path)
	return os.Symlink(target, path)
}

func wrapNotExist(path string, cause error) error {
	return &notExistError{path: path, cause: cause}
}

type notExistError struct {
	path  string
	cause error
}

func (e *notExistError) Error() string { return "destination: " + e.path + " does not exist: " + e.cause.Error() }
func (e *notExistError) Unwrap() error { return ErrNotExist }

// stripMountPrefix turns an EffectiveLocalPath back into the path the
// remote side actually understands, undoing the mountPoint-prefixed,
// locally-shaped string every non-local, non-nfs Driver.EffectiveLocalPath
// builds for log and fan-out bookkeeping.
func stripMountPrefix(mountPoint, localPath string) string {
	rel := strings.TrimPrefix(localPath, mountPoint)
	if rel == "" {
		return "/"
	}
	return rel
}

// pipeWriteCloser adapts a client call that blocks on an io.Reader (FTP's
// Stor, WebDAV's WriteStream, S3's PutObject) into an io.WriteCloser the
// rotation/incfiles engines can write to incrementally.
type pipeWriteCloser struct {
	pw   *io.PipeWriter
	done <-chan error
}

func newPipeWriteCloser(upload func(r io.Reader) error) *pipeWriteCloser {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := upload(pr)
		pr.CloseWithError(err)
		done <- err
	}()
	return &pipeWriteCloser{pw: pw, done: done}
}

func (w *pipeWriteCloser) Write(p []byte) (int, error) { return w.pw.Write(p) }

func (w *pipeWriteCloser) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	return <-w.done
}
