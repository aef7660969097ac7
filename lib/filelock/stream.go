package filelock

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// LockedFile is an open file that holds a lock on its path until it is
// closed. It owns the lock: closing the handle it was created from has no
// effect.
type LockedFile struct {
	*os.File
	lock *LockedPath
}

// Close closes the file and then releases the lock exactly once.
func (f *LockedFile) Close() error {
	return multierr.Append(f.File.Close(), f.lock.Close())
}

// Handle returns the lock held by f.
func (f *LockedFile) Handle() *LockedPath {
	return f.lock
}

// OpenReader opens the path of lp for reading. The lock is transferred to the
// returned file and lp becomes invalid.
func (lp *LockedPath) OpenReader() (*LockedFile, error) {
	return lp.openFile(os.O_RDONLY, 0)
}

// OpenWriter opens the path of lp with the given flags. lp must hold the
// exclusive lock. The lock is transferred to the returned file and lp becomes
// invalid.
func (lp *LockedPath) OpenWriter(flag int, perm os.FileMode) (*LockedFile, error) {
	if !lp.IsValid() {
		return nil, lp.invalidError()
	}
	if lp.Mode() != ModeExclusive {
		return nil, errors.Wrapf(ErrLockState, "writing %s requires an exclusive lock", lp.path)
	}
	return lp.openFile(flag, perm)
}

func (lp *LockedPath) openFile(flag int, perm os.FileMode) (*LockedFile, error) {
	owned, err := lp.Steal()
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(owned.path, flag, perm)
	if err != nil {
		return nil, multierr.Append(errors.Wrapf(err, "open %s", owned.path), owned.Close())
	}
	return &LockedFile{File: f, lock: owned}, nil
}
