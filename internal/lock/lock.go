// Package lock implements the single-instance Process Lock described in
// SPEC_FULL.md §4.1: an advisory flock on a well-known file, with an
// optional bounded wait-and-retry loop instead of failing immediately.
//
// Grounded on the advisory-lock idiom visible in arkeep-io-arkeep's
// subprocess wrappers (golang.org/x/sys is already in that repo's
// dependency surface for platform-specific process control); the upstream
// tool itself uses an flock(2)-backed pidfile with the same wait/interval
// knobs this package exposes.
package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vaultcron/vaultcron/internal/errs"
)

// Lock holds an acquired advisory lock on a file. The zero value is not
// usable; obtain one via Acquire.
type Lock struct {
	file *os.File
	path string
}

// Acquire opens (creating if necessary) the lock file at path and attempts
// a non-blocking exclusive flock. If the lock is already held and wait > 0,
// it retries every interval until wait elapses, returning ErrWaitExpired if
// it never succeeds. If wait == 0, it fails immediately with
// ErrAlreadyRunning.
func Acquire(ctx context.Context, path string, wait, interval time.Duration) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock file %s: %s", errs.ErrConfig, path, err)
	}

	deadline := time.Now().Add(wait)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			if _, werr := f.WriteString(fmt.Sprintf("%d\n", os.Getpid())); werr == nil {
				_ = f.Sync()
			}
			return &Lock{file: f, path: path}, nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, fmt.Errorf("%w: flock %s: %s", errs.ErrConfig, path, err)
		}

		if wait <= 0 {
			f.Close()
			return nil, fmt.Errorf("%w: %s", errs.ErrAlreadyRunning, path)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("%w: %s", errs.ErrWaitExpired, path)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Release drops the flock and closes the underlying file. Safe to call on a
// nil *Lock (no-op), so callers can defer Release unconditionally even on
// early Acquire failure paths.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("%w: unlock %s: %s", errs.ErrConfig, l.path, err)
	}
	return l.file.Close()
}
