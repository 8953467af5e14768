package lock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultcron/vaultcron/internal/errs"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaultcron.lock")

	l, err := Acquire(context.Background(), path, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, l)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n")

	require.NoError(t, l.Release())
}

func TestAcquire_FailsImmediatelyWhenHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaultcron.lock")

	first, err := Acquire(context.Background(), path, 0, 0)
	require.NoError(t, err)
	defer first.Release()

	_, err = Acquire(context.Background(), path, 0, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAlreadyRunning)
}

func TestAcquire_WaitExpires(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaultcron.lock")

	first, err := Acquire(context.Background(), path, 0, 0)
	require.NoError(t, err)
	defer first.Release()

	_, err = Acquire(context.Background(), path, 50*time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrWaitExpired)
}

func TestAcquire_WaitSucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaultcron.lock")

	first, err := Acquire(context.Background(), path, 0, 0)
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		first.Release()
		close(released)
	}()

	second, err := Acquire(context.Background(), path, 500*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	<-released
	require.NoError(t, second.Release())
}

func TestRelease_NilIsNoop(t *testing.T) {
	var l *Lock
	assert.NoError(t, l.Release())
}
