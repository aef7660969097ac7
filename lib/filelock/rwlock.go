package filelock

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
	"golang.org/x/sync/semaphore"
)

// maxReaders is the weight of the in-process semaphore. A shared hold takes
// one unit, an exclusive hold takes all of them.
const maxReaders int64 = 1 << 30

// rwLock makes the OS lock of one path reentrant per owner and shareable by
// any number of shared holders within the process.
//
// Every acquisition first takes the in-process lock (the semaphore, which
// queues waiters in FIFO order so a waiting writer blocks later readers) and
// then delegates to the osLock, which performs the OS call only for the
// first hold of a mode. The in-process lock is always released last.
type rwLock struct {
	key  string
	sem  *semaphore.Weighted
	file *osLock

	// mu guards the bookkeeping below, never held while waiting
	mu         deadlock.Mutex
	readers    map[Owner]int // shared holds per owner
	readHolds  int           // all shared holds
	writer     Owner
	writeHolds int
}

func newRWLock(key string, file *osLock) *rwLock {
	return &rwLock{
		key:     key,
		sem:     semaphore.NewWeighted(maxReaders),
		file:    file,
		readers: make(map[Owner]int),
	}
}

// lock acquires the lock for owner and returns whether the granted hold is
// exclusive. A shared request of an owner that already holds the exclusive
// lock is granted as a nested exclusive hold.
func (l *rwLock) lock(ctx context.Context, owner Owner, exclusive, block bool) (bool, error) {
	nested, grantExclusive, err := l.reserveNested(owner, exclusive)
	if err != nil {
		return false, err
	}

	weight := weightOf(grantExclusive)
	if !nested {
		if block {
			if err := l.sem.Acquire(ctx, weight); err != nil {
				return false, waitError(err)
			}
		} else if !l.sem.TryAcquire(weight) {
			return false, ErrTimeout
		}
	}

	if err := l.file.acquire(ctx, grantExclusive, block); err != nil {
		release := !nested
		if nested {
			// the other holds of owner may have gone in the meantime
			l.mu.Lock()
			release = l.dropLocked(owner, grantExclusive)
			l.mu.Unlock()
		}
		if release {
			l.sem.Release(weight)
		}
		return false, err
	}

	if !nested {
		l.mu.Lock()
		l.addLocked(owner, grantExclusive)
		l.mu.Unlock()
	}
	return grantExclusive, nil
}

// unlock releases one hold of owner. Unlocking a hold that does not exist
// returns ErrLockState and leaves everything untouched.
func (l *rwLock) unlock(owner Owner, exclusive bool) error {
	l.mu.Lock()
	if !l.holdsLocked(owner, exclusive) {
		l.mu.Unlock()
		return errors.Wrapf(ErrLockState, "unlock of %s lock on %s without matching lock", modeOf(exclusive), l.key)
	}
	last := l.dropLocked(owner, exclusive)
	l.mu.Unlock()

	// in-process lock last, even if the OS release failed
	defer func() {
		if last {
			l.sem.Release(weightOf(exclusive))
		}
	}()
	return l.file.release(exclusive)
}

// reserveNested records a nested hold if owner already holds a compatible
// lock. It returns whether the hold is nested and which mode is granted.
func (l *rwLock) reserveNested(owner Owner, exclusive bool) (nested, grantExclusive bool, err error) {
	if owner == anonymous {
		return false, exclusive, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.writeHolds > 0 && l.writer == owner:
		l.writeHolds++
		return true, true, nil
	case l.readers[owner] > 0 && exclusive:
		return false, false, errors.Wrapf(ErrLockState,
			"owner %d holds a shared lock on %s and cannot upgrade in place", owner, l.key)
	case l.readers[owner] > 0:
		l.readers[owner]++
		l.readHolds++
		return true, false, nil
	default:
		return false, exclusive, nil
	}
}

// addLocked records a new, non-nested hold. The caller must hold l.mu.
func (l *rwLock) addLocked(owner Owner, exclusive bool) {
	if exclusive {
		l.writer = owner
		l.writeHolds = 1
		return
	}
	l.readers[owner]++
	l.readHolds++
}

// holdsLocked reports whether owner has a hold of the given mode.
func (l *rwLock) holdsLocked(owner Owner, exclusive bool) bool {
	if exclusive {
		return l.writeHolds > 0 && l.writer == owner
	}
	return l.readers[owner] > 0
}

// dropLocked removes one hold and reports whether it was the one that owns
// the in-process permit. The caller must hold l.mu.
func (l *rwLock) dropLocked(owner Owner, exclusive bool) bool {
	if exclusive {
		l.writeHolds--
		if l.writeHolds == 0 {
			l.writer = anonymous
			return true
		}
		return false
	}

	n := l.readers[owner] - 1
	if n == 0 {
		delete(l.readers, owner)
	} else {
		l.readers[owner] = n
	}
	l.readHolds--

	// every anonymous hold owns its own permit
	return owner == anonymous || n == 0
}

func weightOf(exclusive bool) int64 {
	if exclusive {
		return maxReaders
	}
	return 1
}

// rwLockState is a snapshot of the counters of an rwLock.
type rwLockState struct {
	readHolds  int
	readLocks  int
	writeHolds int
	file       osLockState
}

func (l *rwLock) snapshot() rwLockState {
	l.mu.Lock()
	readLocks := len(l.readers)
	if n, ok := l.readers[anonymous]; ok {
		readLocks += n - 1
	}
	state := rwLockState{
		readHolds:  l.readHolds,
		readLocks:  readLocks,
		writeHolds: l.writeHolds,
	}
	l.mu.Unlock()

	state.file = l.file.snapshot()
	return state
}
