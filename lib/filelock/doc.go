// Package filelock implements cooperative shared and exclusive locks on
// filesystem paths. The locks are backed by OS advisory locks on a lock file
// next to the locked path, so they coordinate goroutines of one process as
// well as independent processes working on the same files.
//
// A process should use a single Manager (see Default): POSIX record locks are
// owned by the process, so two managers in one process would not exclude each
// other on the OS level.
//
// Core Functionality:
//   - Shared (read) and exclusive (write) locks on arbitrary paths
//   - Blocking, timeout-bounded and non-blocking acquisition
//   - Reentrant acquisition per owner (see WithOwner)
//   - Transferable handles (Steal, StealWithPath) and locked file streams
//   - Non-atomic mode transitions (ToExclusive, ToShared)
//   - Introspection of the lock state, including other processes holding a
//     lock (Linux /proc/locks)
//
// Implementation Approach:
//
//	Every lock is made of three layers:
//
//	- osLock wraps the lock file of a path. It holds at most one OS lock
//	  (shared or exclusive) on the file and counts the holds on top of it.
//	  The file is created on the first hold, the OS lock is taken with the
//	  first hold of a mode and released with the last one. With the last
//	  hold overall the file is closed and, unless another process still
//	  holds it (checked with a non-blocking test lock), deleted.
//
//	- rwLock is the in-process read/write lock of a path. A weighted
//	  semaphore lets any number of shared holders or one exclusive holder
//	  in and queues waiters in FIFO order, so writers do not starve. It also
//	  tracks the holds per owner to make acquisitions reentrant.
//
//	- Manager is the registry of the rwLocks. Entries are reference counted
//	  and removed from the registry as soon as nothing holds or waits for
//	  them; they are recreated transparently on the next acquisition.
//
//	Acquisition always goes through the in-process lock first, so the OS
//	lock is only touched by the first holder of a mode. Release happens in
//	the opposite order.
//
// Reentrancy:
//
//	Go has no goroutine identity, so reentrancy is bound to an Owner carried
//	in the context. An owner that holds a lock may acquire it again without
//	blocking. A shared request of an owner holding the exclusive lock is
//	granted as another exclusive hold. An exclusive request of an owner
//	holding only a shared lock fails with ErrLockState instead of
//	deadlocking. Acquisitions without an owner are never reentrant.
//
// Errors:
//
//	Failed operations return a *LockError that wraps one of ErrTimeout,
//	ErrInterrupted, ErrLockState, ErrNotWritable, ErrUnsupported or the
//	underlying I/O error. Use errors.Is to classify them. A failed
//	acquisition never leaves a partial hold behind.
//
// Caveats:
//
//	- Advisory locks only work between cooperating programs.
//	- With an empty lock suffix the locked file itself carries the OS lock.
//	  Closing any descriptor of that file in this process (e.g. a
//	  LockedFile) drops the OS lock of the whole process.
//	- Deleting a lock file after the test lock is best effort: another
//	  process that opened the file before the deletion locks an unlinked
//	  file.
//	- ToExclusive and ToShared release the current lock before acquiring
//	  the new one. Another caller may get the lock in between.
//
// Usage Example:
//
//	mgr := filelock.Default()
//
//	lock, err := mgr.TryAcquire(ctx, "/data/state.json", filelock.ModeExclusive, 5*time.Second)
//	if err != nil {
//	    if errors.Is(err, filelock.ErrTimeout) {
//	        // Someone else is holding the lock
//	    }
//	    return err
//	}
//	defer lock.Close()
//
//	// Read and write /data/state.json safely
//	// ...
package filelock
