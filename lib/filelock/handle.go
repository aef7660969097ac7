package filelock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
)

// hold is one granted acquisition. It is shared between a handle and the
// handles stolen from it and released exactly once.
type hold struct {
	m        *Manager
	e        *entry
	owner    Owner
	mode     Mode
	released atomic.Bool
}

func (h *hold) release() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	return h.m.release(h)
}

// LockedPath is the handle of a held lock. It is returned by
// Manager.Acquire and Manager.TryAcquire and must be closed exactly once by
// whoever owns it. Ownership can be handed over with Steal.
//
// A LockedPath is safe for concurrent use, but a handle is usually owned by a
// single goroutine.
type LockedPath struct {
	path string // logical path, may differ from the lock key after StealWithPath
	hold *hold

	mu     deadlock.Mutex
	valid  bool
	stolen bool
}

func newLockedPath(path string, h *hold) *LockedPath {
	return &LockedPath{
		path:  path,
		hold:  h,
		valid: true,
	}
}

// Path returns the path the handle stands for.
func (lp *LockedPath) Path() string {
	return lp.path
}

// LockKey returns the canonical path the lock is held on.
func (lp *LockedPath) LockKey() string {
	return lp.hold.e.key
}

// LockfilePath returns the lock file of the held lock.
func (lp *LockedPath) LockfilePath() string {
	return lp.hold.e.lock.file.path
}

// Mode returns the mode of the held lock. A shared request of an owner that
// already holds the exclusive lock is granted in exclusive mode.
func (lp *LockedPath) Mode() Mode {
	return lp.hold.mode
}

// IsValid reports whether the handle still holds its lock.
func (lp *LockedPath) IsValid() bool {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.valid
}

// IsStolen reports whether the lock was handed over to another handle.
func (lp *LockedPath) IsStolen() bool {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.stolen
}

// Close releases the lock. Closing a closed or stolen handle does nothing.
func (lp *LockedPath) Close() error {
	if !lp.invalidate(false) {
		return nil
	}
	return lp.hold.release()
}

// CloseAndGetPath closes the handle and returns its path.
func (lp *LockedPath) CloseAndGetPath() (string, error) {
	return lp.path, lp.Close()
}

// Steal hands the lock over to a new handle without releasing it. The
// original handle becomes invalid; the lock is released when the new handle
// is closed.
func (lp *LockedPath) Steal() (*LockedPath, error) {
	return lp.StealWithPath(lp.path)
}

// StealWithPath is like Steal, but the new handle reports path. The lock
// stays on the original lock key, e.g. to keep a temporary file locked after
// it has been renamed to its final name.
func (lp *LockedPath) StealWithPath(path string) (*LockedPath, error) {
	if !lp.invalidate(true) {
		return nil, lp.invalidError()
	}
	plog.Debugf("lock on %s stolen as %s", lp.hold.e.key, path)
	return newLockedPath(path, lp.hold), nil
}

// --------------------------------------------------------------------------
// Mode Transitions
// --------------------------------------------------------------------------
//
// The transitions release the current lock and then acquire a new one. They
// are not atomic: another caller may take the lock in between, so everything
// read under the old lock must be validated again. If the new lock cannot be
// acquired the old one is already gone.

// ToExclusive replaces a shared lock with an exclusive one, waiting until it
// is granted or ctx is done.
func (lp *LockedPath) ToExclusive(ctx context.Context) (*LockedPath, error) {
	return lp.convert(ctx, ModeExclusive, 0, false)
}

// ToExclusiveTimeout is ToExclusive bounded by timeout.
func (lp *LockedPath) ToExclusiveTimeout(ctx context.Context, timeout time.Duration) (*LockedPath, error) {
	return lp.convert(ctx, ModeExclusive, timeout, true)
}

// ToShared replaces an exclusive lock with a shared one.
func (lp *LockedPath) ToShared(ctx context.Context) (*LockedPath, error) {
	return lp.convert(ctx, ModeShared, 0, false)
}

// ToSharedTimeout is ToShared bounded by timeout.
func (lp *LockedPath) ToSharedTimeout(ctx context.Context, timeout time.Duration) (*LockedPath, error) {
	return lp.convert(ctx, ModeShared, timeout, true)
}

func (lp *LockedPath) convert(ctx context.Context, mode Mode, timeout time.Duration, bounded bool) (*LockedPath, error) {
	lp.mu.Lock()
	switch {
	case !lp.valid:
		lp.mu.Unlock()
		return nil, lp.invalidError()
	case lp.hold.mode == mode:
		lp.mu.Unlock()
		return nil, errors.Wrapf(ErrLockState, "lock on %s is already %s", lp.hold.e.key, mode)
	}
	lp.valid = false
	lp.mu.Unlock()

	if err := lp.hold.release(); err != nil {
		return nil, err
	}

	block := true
	if bounded {
		if timeout <= 0 {
			block = false
		} else {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}
	return lp.hold.m.acquireKey(ctx, lp.hold.e.key, lp.path, mode, block)
}

// invalidate marks the handle invalid and reports whether it was valid.
func (lp *LockedPath) invalidate(steal bool) bool {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if !lp.valid {
		return false
	}
	lp.valid = false
	lp.stolen = steal
	return true
}

func (lp *LockedPath) invalidError() error {
	if lp.IsStolen() {
		return errors.Wrapf(ErrInvalidHandle, "lock on %s was stolen", lp.path)
	}
	return errors.Wrapf(ErrInvalidHandle, "lock on %s was closed", lp.path)
}
