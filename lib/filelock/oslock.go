package filelock

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

// osLock holds at most one OS advisory lock (shared or exclusive) on the
// lock file of a single path. The lock file is opened lazily by the first
// hold and closed by the last release.
//
// Thread-safety: all operations are serialized by op. The coordinator only
// calls acquire/release while it holds its in-process lock for the mode in
// question, so shared and exclusive holds never coexist.
type osLock struct {
	target          string // the path the lock protects
	path            string // the lock file
	deleteOnRelease bool
	opts            *Options

	// op serializes open, lock, unlock and close. It is a semaphore instead of
	// a mutex so that waiting for it can be cancelled.
	op *semaphore.Weighted

	// mu guards the fields below so snapshots never wait for op
	mu             deadlock.Mutex
	file           *os.File
	channelHolds   int
	sharedHolds    int
	exclusiveHolds int
}

func newOSLock(target, path string, opts *Options) *osLock {
	return &osLock{
		target:          target,
		path:            path,
		deleteOnRelease: opts.DeleteOnRelease && path != target,
		opts:            opts,
		op:              semaphore.NewWeighted(1),
	}
}

// acquire takes one hold of the given mode. Only the first hold of a mode
// performs the OS call; later holds just count and never wait for op. If
// block is false the call fails with ErrTimeout instead of waiting for
// contended locks.
//
// On failure nothing changes: no counter moves, and a lock file opened by
// this call is closed again.
func (l *osLock) acquire(ctx context.Context, exclusive, block bool) error {
	if added, err := l.addHold(exclusive); added || err != nil {
		return err
	}

	if err := l.enter(ctx, block); err != nil {
		return err
	}
	defer l.op.Release(1)

	// another goroutine may have taken the OS lock while we waited for op
	if added, err := l.addHold(exclusive); added || err != nil {
		return err
	}

	l.mu.Lock()
	file := l.file
	l.mu.Unlock()

	opened := false
	if file == nil {
		f, err := l.open()
		if err != nil {
			return err
		}
		file, opened = f, true
	}

	if err := lockFile(ctx, file, exclusive, block, l.opts); err != nil {
		if opened {
			_ = file.Close()
		}
		return err
	}
	plog.Debugf("took %s OS lock on %s", modeOf(exclusive), l.path)

	l.mu.Lock()
	if opened {
		l.file = file
	}
	l.countLocked(exclusive)
	l.mu.Unlock()
	return nil
}

// addHold counts one more hold if the OS lock of the mode is already held.
// release decides about unlocking under the same mutex, so a hold added here
// always keeps the OS lock alive.
func (l *osLock) addHold(exclusive bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, conflicting := l.holdsLocked(exclusive)
	switch {
	case conflicting > 0:
		return false, errors.Wrapf(ErrLockState, "%s lock on %s requested while %d %s holds exist",
			modeOf(exclusive), l.path, conflicting, modeOf(!exclusive))
	case held > 0:
		l.countLocked(exclusive)
		return true, nil
	default:
		return false, nil
	}
}

// countLocked records a new hold. The caller must hold l.mu.
func (l *osLock) countLocked(exclusive bool) {
	l.channelHolds++
	if exclusive {
		l.exclusiveHolds++
	} else {
		l.sharedHolds++
	}
}

// enter takes op. Without block, op is only waited for as long as one poll
// interval: holders of op either finish quickly (open, unlock, close) or wait
// for an OS lock another process holds, which is contention.
func (l *osLock) enter(ctx context.Context, block bool) error {
	if l.op.TryAcquire(1) {
		return nil
	}
	if block {
		return waitError(l.op.Acquire(ctx, 1))
	}

	wctx, cancel := context.WithTimeout(ctx, l.opts.PollMaxInterval)
	defer cancel()
	if err := l.op.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return waitError(ctx.Err())
		}
		return ErrTimeout
	}
	return nil
}

// release drops one hold of the given mode. The OS lock is released with the
// last hold of its mode, the lock file is closed (and possibly deleted) with
// the last hold overall.
func (l *osLock) release(exclusive bool) error {
	// a background context never makes Acquire fail
	_ = l.op.Acquire(context.Background(), 1)
	defer l.op.Release(1)

	l.mu.Lock()
	holds := &l.sharedHolds
	if exclusive {
		holds = &l.exclusiveHolds
	}
	if *holds == 0 || l.channelHolds == 0 {
		l.mu.Unlock()
		return errors.Wrapf(ErrLockState, "release of unheld %s OS lock on %s", modeOf(exclusive), l.path)
	}
	*holds--
	l.channelHolds--
	unlock := *holds == 0
	closeFile := l.channelHolds == 0
	file := l.file
	if closeFile {
		l.file = nil
	}
	l.mu.Unlock()

	var err error
	if unlock {
		if uerr := unlockFile(file); uerr != nil {
			plog.Errorf("failed to release OS lock on %s: %v", l.path, uerr)
			err = errors.Wrapf(uerr, "unlock %s", l.path)
		} else {
			plog.Debugf("released %s OS lock on %s", modeOf(exclusive), l.path)
		}
	}
	if closeFile {
		err = multierr.Append(err, l.closeFile(file))
	}
	return err
}

// holdsLocked returns the holds of the requested and of the opposite mode.
// The caller must hold l.mu.
func (l *osLock) holdsLocked(exclusive bool) (held, conflicting int) {
	if exclusive {
		return l.exclusiveHolds, l.sharedHolds
	}
	return l.sharedHolds, l.exclusiveHolds
}

// open opens (and if necessary creates) the lock file.
func (l *osLock) open() (*os.File, error) {
	if _, err := os.Stat(l.path); err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "stat lock file %s", l.path)
		}
		dir := filepath.Dir(l.path)
		if _, err := os.Stat(dir); err != nil {
			// the directories are created inside the nearest existing one
			ancestor := existingAncestor(dir)
			if err := checkWritable(ancestor); err != nil {
				return nil, errors.Wrapf(ErrNotWritable, "%s: %v", ancestor, err)
			}
			if err := os.MkdirAll(dir, l.opts.DirMode); err != nil {
				return nil, errors.Wrapf(err, "create lock directory %s", dir)
			}
		}
		if err := checkWritable(dir); err != nil {
			return nil, errors.Wrapf(ErrNotWritable, "%s: %v", dir, err)
		}
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, l.opts.FileMode)
	if err != nil {
		return nil, errors.Wrapf(err, "open lock file %s", l.path)
	}
	return f, nil
}

// existingAncestor returns dir or its closest parent that exists.
func existingAncestor(dir string) string {
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

// closeFile closes the lock file of the last hold. If the lock file should be
// deleted, a non-blocking exclusive test lock first verifies that no other
// process holds it. This is best effort: a process may still open the file
// between the test and the removal.
func (l *osLock) closeFile(f *os.File) error {
	if l.deleteOnRelease {
		free, err := tryExclusive(f)
		switch {
		case err != nil:
			plog.Warningf("could not test lock file %s, keeping it: %v", l.path, err)
		case !free:
			plog.Debugf("lock file %s is held by another process, keeping it", l.path)
		default:
			if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
				plog.Warningf("failed to delete lock file %s: %v", l.path, err)
			}
		}
	}
	return f.Close()
}

// osLockState is a snapshot of the counters of an osLock.
type osLockState struct {
	channelHolds   int
	sharedHolds    int
	exclusiveHolds int
}

func (l *osLock) snapshot() osLockState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return osLockState{
		channelHolds:   l.channelHolds,
		sharedHolds:    l.sharedHolds,
		exclusiveHolds: l.exclusiveHolds,
	}
}
