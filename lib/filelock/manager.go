package filelock

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ValentinKolb/plock/lib/procinfo"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

var plog = logger.GetLogger("filelock")

// Manager is the process-wide file lock manager. It keeps one coordinator per
// lock key while the key is in use and drops it as soon as the last hold and
// the last pending acquisition are gone.
//
// POSIX record locks are owned by the process, not by the file descriptor, so
// all code of a process should share a single Manager (see Default).
type Manager struct {
	opts    Options
	entries *xsync.MapOf[string, *entry]
	metrics *managerMetrics
}

// entry is the registry record of one lock key.
type entry struct {
	key  string
	lock *rwLock
	refs int // holds plus pending acquisitions, guarded by the map bucket
}

var (
	defaultManager     *Manager
	defaultManagerOnce sync.Once
)

// Default returns the process-wide manager with default options.
func Default() *Manager {
	defaultManagerOnce.Do(func() {
		defaultManager = NewFileLockManager(nil)
	})
	return defaultManager
}

// NewFileLockManager creates a new manager. If opts is nil the default
// options are used.
func NewFileLockManager(opts *Options) *Manager {
	m := &Manager{
		opts:    opts.normalize(),
		entries: xsync.NewMapOf[string, *entry](),
	}
	m.metrics = newManagerMetrics(func() float64 {
		return float64(m.entries.Size())
	})
	return m
}

var _ IFileLockManager = (*Manager)(nil)

// --------------------------------------------------------------------------
// Interface Methods (docu see filelock.IFileLockManager)
// --------------------------------------------------------------------------

func (m *Manager) Acquire(ctx context.Context, path string, mode Mode) (*LockedPath, error) {
	return m.acquire(ctx, path, mode, true)
}

func (m *Manager) TryAcquire(ctx context.Context, path string, mode Mode, timeout time.Duration) (*LockedPath, error) {
	if timeout <= 0 {
		return m.acquire(ctx, path, mode, false)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.acquire(ctx, path, mode, true)
}

func (m *Manager) GetLockInfo(path string) LockInfo {
	key, err := canonicalPath(path)
	if err != nil {
		return LockInfo{Path: path}
	}

	info := LockInfo{
		Path:         key,
		LockfilePath: m.lockPathOf(key),
	}
	if e, ok := m.entries.Load(key); ok {
		info.setState(e.lock.snapshot())
	}
	info.ProcessInfo = m.processInfo(info.LockfilePath, m.lockRecords())
	return info
}

func (m *Manager) GetAllLockInfos() map[string]LockInfo {
	infos := make(map[string]LockInfo)
	m.entries.Range(func(key string, e *entry) bool {
		state := e.lock.snapshot()
		if state.file.channelHolds == 0 {
			return true
		}
		info := LockInfo{
			Path:         key,
			LockfilePath: m.lockPathOf(key),
		}
		info.setState(state)
		infos[key] = info
		return true
	})

	if len(infos) == 0 {
		return infos
	}

	// one pass over the kernel lock table for all paths
	records := m.lockRecords()
	for key, info := range infos {
		info.ProcessInfo = m.processInfo(info.LockfilePath, records)
		infos[key] = info
	}
	return infos
}

func (m *Manager) OpenRead(ctx context.Context, path string) (*LockedFile, error) {
	lp, err := m.Acquire(ctx, path, ModeShared)
	if err != nil {
		return nil, err
	}
	return lp.OpenReader()
}

func (m *Manager) OpenWrite(ctx context.Context, path string, flag int, perm os.FileMode) (*LockedFile, error) {
	lp, err := m.Acquire(ctx, path, ModeExclusive)
	if err != nil {
		return nil, err
	}
	return lp.OpenWriter(flag, perm)
}

func (m *Manager) LockPath(path string) string {
	key, err := canonicalPath(path)
	if err != nil {
		return path + m.opts.LockSuffix
	}
	return m.lockPathOf(key)
}

func (m *Manager) WriteMetrics(w io.Writer) {
	m.metrics.write(w)
}

// --------------------------------------------------------------------------
// Acquisition
// --------------------------------------------------------------------------

func (m *Manager) acquire(ctx context.Context, path string, mode Mode, block bool) (*LockedPath, error) {
	key, err := canonicalPath(path)
	if err != nil {
		return nil, &LockError{Op: "acquire", Path: path, Mode: mode, Err: err}
	}
	return m.acquireKey(ctx, key, path, mode, block)
}

// acquireKey acquires the lock on key for a handle that reports path.
func (m *Manager) acquireKey(ctx context.Context, key, path string, mode Mode, block bool) (*LockedPath, error) {
	start := time.Now()
	owner := OwnerFromContext(ctx)

	e := m.retain(key)
	exclusive, err := e.lock.lock(ctx, owner, mode == ModeExclusive, block)
	if err != nil {
		m.releaseRef(e)
		m.metrics.onFailed(err)
		return nil, &LockError{Op: "acquire", Path: key, Mode: mode, Err: err}
	}

	granted := modeOf(exclusive)
	m.metrics.onAcquired(granted, start)
	plog.Debugf("acquired %s lock on %s (owner %d)", granted, key, owner)

	return newLockedPath(path, &hold{
		m:     m,
		e:     e,
		owner: owner,
		mode:  granted,
	}), nil
}

// release gives back one hold. It is called exactly once per hold.
func (m *Manager) release(h *hold) error {
	err := h.e.lock.unlock(h.owner, h.mode == ModeExclusive)
	m.releaseRef(h.e)
	m.metrics.onReleased()
	plog.Debugf("released %s lock on %s (owner %d)", h.mode, h.e.key, h.owner)
	if err != nil {
		return &LockError{Op: "release", Path: h.e.key, Mode: h.mode, Err: err}
	}
	return nil
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// retain returns the entry of key, creating it if necessary, and takes a
// reference on it. Get-or-create and the increment happen atomically, so an
// entry can never be evicted between lookup and use.
func (m *Manager) retain(key string) *entry {
	e, _ := m.entries.Compute(key, func(e *entry, loaded bool) (*entry, bool) {
		if !loaded {
			e = &entry{
				key:  key,
				lock: newRWLock(key, newOSLock(key, m.lockPathOf(key), &m.opts)),
			}
		}
		e.refs++
		return e, false
	})
	return e
}

// releaseRef drops a reference taken by retain and evicts the entry once no
// reference is left.
func (m *Manager) releaseRef(e *entry) {
	m.entries.Compute(e.key, func(cur *entry, loaded bool) (*entry, bool) {
		if !loaded {
			return nil, true
		}
		if cur != e {
			plog.Errorf("registry entry of %s was replaced while referenced", e.key)
			return cur, false
		}
		cur.refs--
		return cur, cur.refs <= 0
	})
}

// lockPathOf returns the lock file of a canonical key.
func (m *Manager) lockPathOf(key string) string {
	return key + m.opts.LockSuffix
}

// canonicalPath turns path into a lock key: absolute and cleaned. Symbolic
// links are not resolved.
func canonicalPath(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "resolve %s", path)
	}
	return abs, nil
}

// --------------------------------------------------------------------------
// Process Information
// --------------------------------------------------------------------------

// lockRecords returns the kernel lock table grouped by inode.
func (m *Manager) lockRecords() map[uint64][]procinfo.Record {
	records, err := m.opts.Inspector.Records()
	if err != nil {
		plog.Warningf("failed to inspect process locks: %v", err)
		return nil
	}
	return procinfo.GroupByInode(records)
}

// processInfo returns the holders of the lock file at lockfile. A missing lock
// file has no holders.
func (m *Manager) processInfo(lockfile string, records map[uint64][]procinfo.Record) []ProcessLockInfo {
	if len(records) == 0 {
		return nil
	}
	inode, err := fileInode(lockfile)
	if err != nil {
		if !os.IsNotExist(err) {
			plog.Debugf("no process information for %s: %v", lockfile, err)
		}
		return nil
	}
	return toProcessInfo(records[inode])
}
