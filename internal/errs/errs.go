// Package errs defines the typed error taxonomy shared across vaultcron's
// components, mirroring the sentinel-error idiom used throughout the agent
// package it was grounded on (docker.ErrDockerUnavailable, notification's
// ErrConfigNotFound). Callers wrap these with fmt.Errorf("...: %w", ...) at
// each boundary so errors.Is still matches after wrapping.
package errs

import "errors"

var (
	// ErrConfig covers missing/empty required keys, unknown job or storage
	// kinds, and duplicate job names. The run aborts.
	ErrConfig = errors.New("config error")

	// ErrAlreadyRunning is returned by lock.Acquire when another instance
	// holds the lock and no wait budget was configured.
	ErrAlreadyRunning = errors.New("another instance is already running")

	// ErrWaitExpired is returned by lock.Acquire when the wait budget was
	// exhausted without acquiring the lock.
	ErrWaitExpired = errors.New("lock wait budget expired")

	// ErrMountFailed / ErrMountBusy / ErrUnmountFailed / ErrPackageMissing /
	// ErrAuthWriteFailed are destination-scoped: the destination is
	// skipped, other destinations proceed.
	ErrMountFailed     = errors.New("mount failed")
	ErrMountBusy       = errors.New("mount point busy")
	ErrUnmountFailed   = errors.New("unmount failed")
	ErrPackageMissing  = errors.New("required helper package missing")
	ErrAuthWriteFailed = errors.New("failed to write destination auth secret")

	// ErrDumpFailed is source-scoped: the subprocess exited non-zero or its
	// stderr matched a known-fatal pattern.
	ErrDumpFailed = errors.New("dump failed")

	// ErrArchiveFailed is target-scoped: tar construction failed.
	ErrArchiveFailed = errors.New("archive creation failed")

	// ErrIndexRead is target-scoped: a required .inc basis file was missing
	// or unreadable.
	ErrIndexRead = errors.New("incremental index read failed")

	// ErrIndexWrite covers a failure to persist a .inc file.
	ErrIndexWrite = errors.New("incremental index write failed")

	// ErrRotationFailed covers move/copy/symlink/delete failures during
	// rotation. Logged; does not abort the job.
	ErrRotationFailed = errors.New("rotation failed")

	// ErrExternalDescriptor is job-scoped: the external dump_cmd produced an
	// invalid or incomplete JSON descriptor.
	ErrExternalDescriptor = errors.New("invalid external dump descriptor")
)
