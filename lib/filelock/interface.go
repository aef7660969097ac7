package filelock

import (
	"context"
	"io"
	"os"
	"time"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IFileLockManager defines the interface of a process-wide file lock manager.
// The only implementation is *Manager; calling code (I/O helpers, services)
// should depend on this interface.
type IFileLockManager interface {
	// Acquire blocks until a lock of the given mode is granted on path, or
	// until ctx is done (ErrInterrupted, or ErrTimeout for an expired deadline).
	Acquire(ctx context.Context, path string, mode Mode) (*LockedPath, error)
	// TryAcquire is like Acquire but gives up with ErrTimeout after timeout.
	// The budget covers the in-process wait and the OS wait together.
	// A timeout <= 0 makes a single attempt that fails if the lock is contended.
	TryAcquire(ctx context.Context, path string, mode Mode, timeout time.Duration) (*LockedPath, error)
	// GetLockInfo returns a snapshot of the lock state of path. It never
	// modifies any lock state. Unknown paths yield zero counters.
	GetLockInfo(path string) LockInfo
	// GetAllLockInfos returns snapshots of all paths whose lock file is
	// currently held by this process.
	GetAllLockInfos() map[string]LockInfo
	// OpenRead opens path for reading while holding a shared lock until the
	// returned file is closed.
	OpenRead(ctx context.Context, path string) (*LockedFile, error)
	// OpenWrite opens path with the given flags while holding an exclusive
	// lock until the returned file is closed.
	OpenWrite(ctx context.Context, path string, flag int, perm os.FileMode) (*LockedFile, error)
	// LockPath returns the path of the lock file guarding path.
	LockPath(path string) string
	// WriteMetrics writes the metrics of the manager in Prometheus text format.
	WriteMetrics(w io.Writer)
}

// --------------------------------------------------------------------------
// Lock Modes
// --------------------------------------------------------------------------

// Mode is the kind of lock held on a path.
type Mode int

const (
	ModeShared    Mode = iota // any number of holders (read lock)
	ModeExclusive             // a single holder (write lock)
)

func (m Mode) String() string {
	switch m {
	case ModeShared:
		return "shared"
	case ModeExclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// modeOf maps the exclusive flag used by the lock layers to a Mode.
func modeOf(exclusive bool) Mode {
	if exclusive {
		return ModeExclusive
	}
	return ModeShared
}
