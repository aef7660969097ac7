package filelock

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// --------------------------------------------------------------------------
// Error Classes
// --------------------------------------------------------------------------

var (
	// ErrTimeout is returned when a lock could not be granted within the
	// given budget. The caller decides whether to retry.
	ErrTimeout = errors.New("timed out waiting for lock")

	// ErrInterrupted is returned when the context of a waiting caller is
	// cancelled. The returned error also matches context.Canceled.
	ErrInterrupted = errors.New("interrupted while waiting for lock")

	// ErrLockState signals a programming error: unlocking more often than
	// locked, or an acquisition the lock cannot grant without deadlocking.
	ErrLockState = errors.New("illegal lock state")

	// ErrInvalidHandle is returned when a closed or stolen LockedPath is used.
	ErrInvalidHandle = errors.New("lock handle is no longer valid")

	// ErrNotWritable is returned when the directory of a lock file cannot be
	// written to. It is detected before any lock is attempted.
	ErrNotWritable = errors.New("lock directory is not writable")

	// ErrUnsupported is returned on platforms without advisory file locks.
	ErrUnsupported = errors.New("advisory file locks are not supported on this platform")
)

// LockError describes a failed lock operation. Err is one of the error
// classes above or the underlying I/O error.
type LockError struct {
	Op   string // acquire, release, ...
	Path string // lock key of the operation
	Mode Mode   // requested mode
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("%s %s lock on %s: %v", e.Op, e.Mode, e.Path, e.Err)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// waitError converts the error of an aborted wait into ErrTimeout or
// ErrInterrupted. Both keep the context error in their chain.
func waitError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	default:
		return err
	}
}
