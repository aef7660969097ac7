package filelock

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/plock/lib/procinfo"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shortTimeout = 50 * time.Millisecond

// newTestManager returns a manager that does not look at the kernel lock table
// and a path inside a fresh temporary directory.
func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	m := NewFileLockManager(&Options{
		LockSuffix:      ".lock",
		DeleteOnRelease: true,
		Inspector:       procinfo.NewNoopInspector(),
	})
	return m, filepath.Join(t.TempDir(), "data")
}

// requireReleased asserts that nothing is held on path and the registry is empty.
func requireReleased(t *testing.T, m *Manager, path string) {
	t.Helper()
	info := m.GetLockInfo(path)
	assert.Zero(t, info.ReadHoldCount, "read holds")
	assert.Zero(t, info.ReadLockCount, "read locks")
	assert.Zero(t, info.WriteHoldCount, "write holds")
	assert.False(t, info.IsWriteLocked)
	assert.Zero(t, info.ChannelHoldCount, "channel holds")
	assert.Zero(t, m.entries.Size(), "registry entries")
}

func TestExclusiveExcludesOthers(t *testing.T) {
	m, path := newTestManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, path, ModeExclusive)
	require.NoError(t, err)
	assert.Equal(t, ModeExclusive, lock.Mode())

	_, err = m.TryAcquire(ctx, path, ModeExclusive, shortTimeout)
	require.ErrorIs(t, err, ErrTimeout)
	_, err = m.TryAcquire(ctx, path, ModeShared, shortTimeout)
	require.ErrorIs(t, err, ErrTimeout)

	info := m.GetLockInfo(path)
	assert.Equal(t, 1, info.WriteHoldCount)
	assert.True(t, info.IsWriteLocked)
	assert.Equal(t, 1, info.ChannelHoldCount)

	require.NoError(t, lock.Close())
	requireReleased(t, m, path)
}

func TestSharedHoldersCoexist(t *testing.T) {
	m, path := newTestManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, path, ModeShared)
	require.NoError(t, err)
	second, err := m.TryAcquire(ctx, path, ModeShared, shortTimeout)
	require.NoError(t, err)

	info := m.GetLockInfo(path)
	assert.Equal(t, 2, info.ReadHoldCount)
	assert.Equal(t, 2, info.ReadLockCount)
	assert.Equal(t, 2, info.ChannelHoldCount)
	assert.False(t, info.IsWriteLocked)

	_, err = m.TryAcquire(ctx, path, ModeExclusive, shortTimeout)
	require.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, first.Close())
	require.NoError(t, second.Close())
	requireReleased(t, m, path)
}

func TestReentrantExclusive(t *testing.T) {
	m, path := newTestManager(t)
	ctx := WithOwner(context.Background())

	outer, err := m.Acquire(ctx, path, ModeExclusive)
	require.NoError(t, err)
	inner, err := m.TryAcquire(ctx, path, ModeExclusive, shortTimeout)
	require.NoError(t, err)

	// shared request of the exclusive owner
	nested, err := m.TryAcquire(ctx, path, ModeShared, shortTimeout)
	require.NoError(t, err)
	assert.Equal(t, ModeExclusive, nested.Mode())

	info := m.GetLockInfo(path)
	assert.Equal(t, 3, info.WriteHoldCount)
	assert.Equal(t, 3, info.ChannelHoldCount, "every hold keeps the lock file open")

	// other owners are still excluded
	_, err = m.TryAcquire(context.Background(), path, ModeShared, shortTimeout)
	require.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, nested.Close())
	require.NoError(t, inner.Close())
	assert.Equal(t, 1, m.GetLockInfo(path).WriteHoldCount)
	require.NoError(t, outer.Close())
	requireReleased(t, m, path)
}

func TestReentrantShared(t *testing.T) {
	m, path := newTestManager(t)
	ctx := WithOwner(context.Background())

	outer, err := m.Acquire(ctx, path, ModeShared)
	require.NoError(t, err)
	inner, err := m.Acquire(ctx, path, ModeShared)
	require.NoError(t, err)

	info := m.GetLockInfo(path)
	assert.Equal(t, 2, info.ReadHoldCount)
	assert.Equal(t, 1, info.ReadLockCount)
	assert.Equal(t, 2, info.ChannelHoldCount)

	// upgrading in place would deadlock
	_, err = m.Acquire(ctx, path, ModeExclusive)
	require.ErrorIs(t, err, ErrLockState)

	var lockErr *LockError
	require.True(t, errors.As(err, &lockErr))
	assert.Equal(t, "acquire", lockErr.Op)
	assert.Equal(t, ModeExclusive, lockErr.Mode)

	require.NoError(t, inner.Close())
	require.NoError(t, outer.Close())
	requireReleased(t, m, path)
}

func TestToExclusiveIsNotAtomic(t *testing.T) {
	m, path := newTestManager(t)
	ctx := context.Background()

	shared, err := m.Acquire(ctx, path, ModeShared)
	require.NoError(t, err)

	var order []string
	var orderMu sync.Mutex
	record := func(name string) {
		orderMu.Lock()
		order = append(order, name)
		orderMu.Unlock()
	}

	done := make(chan error, 1)
	go func() {
		other, err := m.Acquire(ctx, path, ModeExclusive)
		if err != nil {
			done <- err
			return
		}
		record("other")
		time.Sleep(shortTimeout)
		done <- other.Close()
	}()

	// give the other writer time to queue up behind the shared lock
	time.Sleep(shortTimeout)

	upgraded, err := shared.ToExclusive(ctx)
	require.NoError(t, err)
	record("upgrade")

	require.NoError(t, <-done)
	assert.Equal(t, []string{"other", "upgrade"}, order)
	assert.False(t, shared.IsValid())
	assert.Equal(t, ModeExclusive, upgraded.Mode())
	assert.Equal(t, path, upgraded.Path())

	require.NoError(t, upgraded.Close())
	requireReleased(t, m, path)
}

func TestToExclusiveTimeoutLosesLock(t *testing.T) {
	m, path := newTestManager(t)
	ctx := context.Background()

	mine, err := m.Acquire(ctx, path, ModeShared)
	require.NoError(t, err)
	theirs, err := m.Acquire(ctx, path, ModeShared)
	require.NoError(t, err)

	_, err = mine.ToExclusiveTimeout(ctx, shortTimeout)
	require.ErrorIs(t, err, ErrTimeout)
	assert.False(t, mine.IsValid())
	assert.Equal(t, 1, m.GetLockInfo(path).ReadLockCount)

	require.NoError(t, theirs.Close())
	requireReleased(t, m, path)
}

func TestModeTransitions(t *testing.T) {
	m, path := newTestManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, path, ModeExclusive)
	require.NoError(t, err)

	_, err = lock.ToExclusive(ctx)
	require.ErrorIs(t, err, ErrLockState)
	assert.True(t, lock.IsValid(), "a rejected transition keeps the lock")

	shared, err := lock.ToSharedTimeout(ctx, shortTimeout)
	require.NoError(t, err)
	assert.Equal(t, ModeShared, shared.Mode())

	_, err = lock.ToShared(ctx)
	require.ErrorIs(t, err, ErrInvalidHandle)

	exclusive, err := shared.ToExclusiveTimeout(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, ModeExclusive, exclusive.Mode())

	require.NoError(t, exclusive.Close())
	requireReleased(t, m, path)
}

func TestTimeoutLeavesNoResidue(t *testing.T) {
	m, path := newTestManager(t)
	ctx := context.Background()

	holder, err := m.Acquire(ctx, path, ModeExclusive)
	require.NoError(t, err)

	start := time.Now()
	_, err = m.TryAcquire(ctx, path, ModeShared, shortTimeout)
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	elapsed := time.Since(start)
	assert.True(t, elapsed >= shortTimeout, "gave up after %v", elapsed)
	assert.True(t, elapsed < 4*shortTimeout, "gave up after %v", elapsed)

	// single non-blocking attempt
	_, err = m.TryAcquire(ctx, path, ModeExclusive, 0)
	require.ErrorIs(t, err, ErrTimeout)

	info := m.GetLockInfo(path)
	assert.Zero(t, info.ReadHoldCount)
	assert.Equal(t, 1, info.WriteHoldCount)
	assert.Equal(t, 1, info.ChannelHoldCount)

	require.NoError(t, holder.Close())
	requireReleased(t, m, path)
}

func TestCancelledWaitUnwinds(t *testing.T) {
	m, path := newTestManager(t)

	holder, err := m.Acquire(context.Background(), path, ModeExclusive)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(shortTimeout, cancel)

	_, err = m.Acquire(ctx, path, ModeExclusive)
	require.ErrorIs(t, err, ErrInterrupted)
	require.ErrorIs(t, err, context.Canceled)

	// an already cancelled context fails immediately
	_, err = m.TryAcquire(ctx, path, ModeShared, time.Second)
	require.ErrorIs(t, err, ErrInterrupted)

	require.NoError(t, holder.Close())
	requireReleased(t, m, path)

	lock, err := m.Acquire(context.Background(), path, ModeExclusive)
	require.NoError(t, err)
	require.NoError(t, lock.Close())
}

func TestLockFileIsDeletedOnRelease(t *testing.T) {
	m, path := newTestManager(t)
	ctx := context.Background()
	lockfile := m.LockPath(path)
	assert.Equal(t, path+".lock", lockfile)

	first, err := m.Acquire(ctx, path, ModeShared)
	require.NoError(t, err)
	second, err := m.Acquire(ctx, path, ModeShared)
	require.NoError(t, err)
	assert.Equal(t, lockfile, first.LockfilePath())
	assert.FileExists(t, lockfile)

	require.NoError(t, first.Close())
	assert.FileExists(t, lockfile, "still held by the second holder")

	require.NoError(t, second.Close())
	assert.NoFileExists(t, lockfile)
}

func TestLockFileIsKept(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "dirs", "data")
	m := NewFileLockManager(&Options{
		LockSuffix:      ".lck",
		DeleteOnRelease: false,
		Inspector:       procinfo.NewNoopInspector(),
	})

	lock, err := m.Acquire(context.Background(), path, ModeExclusive)
	require.NoError(t, err)
	require.NoError(t, lock.Close())

	assert.FileExists(t, path+".lck")
	assert.NoFileExists(t, path)
}

func TestLockWithoutSuffixLocksTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	m := NewFileLockManager(&Options{
		DeleteOnRelease: true,
		Inspector:       procinfo.NewNoopInspector(),
	})
	assert.Equal(t, path, m.LockPath(path))

	lock, err := m.Acquire(context.Background(), path, ModeExclusive)
	require.NoError(t, err)
	require.NoError(t, lock.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "content", string(content), "the target is never deleted")
}

func TestNotWritableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can write to any directory")
	}
	m, _ := newTestManager(t)
	dir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(dir, 0o555))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	_, err := m.Acquire(context.Background(), filepath.Join(dir, "data"), ModeExclusive)
	require.ErrorIs(t, err, ErrNotWritable)
	assert.Zero(t, m.entries.Size())

	// missing directories below a read-only one
	_, err = m.Acquire(context.Background(), filepath.Join(dir, "sub", "dir", "data"), ModeExclusive)
	require.ErrorIs(t, err, ErrNotWritable)
	assert.NoDirExists(t, filepath.Join(dir, "sub"))
	assert.Zero(t, m.entries.Size())
}

func TestCloseIsIdempotent(t *testing.T) {
	m, path := newTestManager(t)

	lock, err := m.Acquire(context.Background(), path, ModeExclusive)
	require.NoError(t, err)

	require.NoError(t, lock.Close())
	require.NoError(t, lock.Close())
	assert.False(t, lock.IsValid())
	assert.False(t, lock.IsStolen())

	closedPath, err := lock.CloseAndGetPath()
	require.NoError(t, err)
	assert.Equal(t, path, closedPath)

	requireReleased(t, m, path)
}

func TestStealTransfersRelease(t *testing.T) {
	m, path := newTestManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, path, ModeExclusive)
	require.NoError(t, err)

	stolen, err := lock.Steal()
	require.NoError(t, err)
	assert.False(t, lock.IsValid())
	assert.True(t, lock.IsStolen())
	assert.True(t, stolen.IsValid())

	// the original handle is unusable and closing it releases nothing
	_, err = lock.Steal()
	require.ErrorIs(t, err, ErrInvalidHandle)
	_, err = lock.ToShared(ctx)
	require.ErrorIs(t, err, ErrInvalidHandle)
	require.NoError(t, lock.Close())
	assert.Equal(t, 1, m.GetLockInfo(path).WriteHoldCount)

	require.NoError(t, stolen.Close())
	requireReleased(t, m, path)
}

func TestStealWithPath(t *testing.T) {
	m, path := newTestManager(t)
	ctx := context.Background()
	final := filepath.Join(filepath.Dir(path), "final")

	lock, err := m.Acquire(ctx, path, ModeExclusive)
	require.NoError(t, err)

	renamed, err := lock.StealWithPath(final)
	require.NoError(t, err)
	assert.Equal(t, final, renamed.Path())
	assert.Equal(t, path, renamed.LockKey())
	assert.Equal(t, path+".lock", renamed.LockfilePath())

	// the lock stays on the original key
	_, err = m.TryAcquire(ctx, path, ModeShared, 0)
	require.ErrorIs(t, err, ErrTimeout)
	other, err := m.TryAcquire(ctx, final, ModeExclusive, 0)
	require.NoError(t, err)
	require.NoError(t, other.Close())

	require.NoError(t, renamed.Close())
	requireReleased(t, m, path)
}

func TestRoundTrip(t *testing.T) {
	m, path := newTestManager(t)
	ctx := context.Background()

	w, err := m.OpenWrite(ctx, path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	assert.Equal(t, ModeExclusive, w.Handle().Mode())
	_, err = io.WriteString(w, "hello")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := m.OpenRead(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, m.GetLockInfo(path).ReadLockCount)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
	require.NoError(t, r.Close())

	requireReleased(t, m, path)
	assert.NoFileExists(t, m.LockPath(path))
}

func TestStreamOwnsLock(t *testing.T) {
	m, path := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	lock, err := m.Acquire(ctx, path, ModeShared)
	require.NoError(t, err)

	_, err = lock.OpenWriter(os.O_WRONLY, 0)
	require.ErrorIs(t, err, ErrLockState)
	assert.True(t, lock.IsValid())

	r, err := lock.OpenReader()
	require.NoError(t, err)

	// closing the original handle does not release the stream's lock
	require.NoError(t, lock.Close())
	assert.Equal(t, 1, m.GetLockInfo(path).ReadHoldCount)

	require.NoError(t, r.Close())
	requireReleased(t, m, path)
}

func TestStreamOpenFailureReleases(t *testing.T) {
	m, path := newTestManager(t)

	_, err := m.OpenRead(context.Background(), path)
	require.ErrorIs(t, err, os.ErrNotExist)
	requireReleased(t, m, path)
}

func TestGetAllLockInfos(t *testing.T) {
	m, path := newTestManager(t)
	ctx := context.Background()
	other := path + "-other"

	held, err := m.Acquire(ctx, path, ModeShared)
	require.NoError(t, err)
	released, err := m.Acquire(ctx, other, ModeExclusive)
	require.NoError(t, err)
	require.NoError(t, released.Close())

	infos := m.GetAllLockInfos()
	require.Len(t, infos, 1)
	info, ok := infos[path]
	require.True(t, ok)
	assert.Equal(t, 1, info.ReadLockCount)
	assert.Equal(t, path+".lock", info.LockfilePath)

	require.NoError(t, held.Close())
	assert.Empty(t, m.GetAllLockInfos())
}

func TestGetLockInfoUnknownPath(t *testing.T) {
	m, path := newTestManager(t)

	info := m.GetLockInfo(path)
	assert.Equal(t, path, info.Path)
	assert.Equal(t, path+".lock", info.LockfilePath)
	assert.Zero(t, info.ChannelHoldCount)
	assert.Empty(t, info.ProcessInfo)
	assert.Zero(t, m.entries.Size(), "introspection never creates entries")
}

func TestUncleanPathsShareLock(t *testing.T) {
	m, path := newTestManager(t)
	unclean := filepath.Dir(path) + "/sub/.//../data"

	lock, err := m.Acquire(context.Background(), unclean, ModeExclusive)
	require.NoError(t, err)
	assert.Equal(t, unclean, lock.Path())
	assert.Equal(t, path, lock.LockKey())

	_, err = m.TryAcquire(context.Background(), path, ModeShared, 0)
	require.ErrorIs(t, err, ErrTimeout)
	require.NoError(t, lock.Close())
}

func TestEmptyPath(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Acquire(context.Background(), "", ModeShared)
	var lockErr *LockError
	require.True(t, errors.As(err, &lockErr))
	assert.Zero(t, m.entries.Size())
}

func TestSharedNonBlockingWithHolder(t *testing.T) {
	const (
		workers  = 8
		attempts = 200
	)
	m, path := newTestManager(t)
	ctx := context.Background()

	base, err := m.Acquire(ctx, path, ModeShared)
	require.NoError(t, err)

	var failures atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < attempts; j++ {
				lock, err := m.TryAcquire(ctx, path, ModeShared, 0)
				if err != nil {
					failures.Add(1)
					continue
				}
				if err := lock.Close(); err != nil {
					failures.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load(), "compatible shared attempts must not fail")
	info := m.GetLockInfo(path)
	assert.Equal(t, 1, info.ReadHoldCount)
	assert.Equal(t, 1, info.ChannelHoldCount)

	require.NoError(t, base.Close())
	requireReleased(t, m, path)
}

func TestTenHoldersSerialize(t *testing.T) {
	const (
		workers = 10
		hold    = 10 * time.Millisecond
	)
	m, path := newTestManager(t)

	// sample the write hold count while the workers run
	stop := make(chan struct{})
	sampled := make(chan int, 1)
	go func() {
		maxHolds := 0
		for {
			select {
			case <-stop:
				sampled <- maxHolds
				return
			default:
			}
			maxHolds = max(maxHolds, m.GetLockInfo(path).WriteHoldCount)
			time.Sleep(time.Millisecond)
		}
	}()

	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := m.TryAcquire(context.Background(), path, ModeExclusive, 10*time.Second)
			if err != nil {
				errs <- err
				return
			}
			time.Sleep(hold)
			errs <- lock.Close()
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	close(stop)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.True(t, elapsed >= workers*hold, "all holders finished after %v", elapsed)
	assert.LessOrEqual(t, <-sampled, 1)
	requireReleased(t, m, path)
}

func TestConcurrentWriters(t *testing.T) {
	const (
		workers    = 10
		increments = 20
	)
	m, path := newTestManager(t)
	require.NoError(t, os.WriteFile(path, []byte("0"), 0o644))

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < increments; j++ {
				if err := increment(m, path, &active, &maxActive); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(workers*increments), strings.TrimSpace(string(content)))
	assert.Equal(t, int32(1), maxActive.Load())
	requireReleased(t, m, path)
}

// increment adds one to the number stored at path under an exclusive lock.
func increment(m *Manager, path string, active, maxActive *atomic.Int32) error {
	lock, err := m.TryAcquire(context.Background(), path, ModeExclusive, 10*time.Second)
	if err != nil {
		return err
	}
	defer lock.Close()

	n := active.Add(1)
	defer active.Add(-1)
	for {
		cur := maxActive.Load()
		if n <= cur || maxActive.CompareAndSwap(cur, n) {
			break
		}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	value, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(value+1)), 0o644)
}

func TestWriteMetrics(t *testing.T) {
	m, path := newTestManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, path, ModeExclusive)
	require.NoError(t, err)
	_, err = m.TryAcquire(ctx, path, ModeShared, 0)
	require.ErrorIs(t, err, ErrTimeout)

	var sb strings.Builder
	m.WriteMetrics(&sb)
	out := sb.String()
	assert.Contains(t, out, `plock_acquire_total{mode="exclusive"} 1`)
	assert.Contains(t, out, "plock_acquire_timeout_total 1")
	assert.Contains(t, out, "plock_tracked_paths 1")

	require.NoError(t, lock.Close())
	sb.Reset()
	m.WriteMetrics(&sb)
	assert.Contains(t, sb.String(), "plock_release_total 1")
	assert.Contains(t, sb.String(), "plock_tracked_paths 0")
}

func TestDefaultIsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}
