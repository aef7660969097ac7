//go:build unix

package filelock

import (
	"context"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// POSIX record locks attach to the (inode, process) pair: every process holds
// at most one lock per lock file, which is why a process should use a single
// Manager. Locks of different processes conflict as expected.

// lockFile takes a whole-file lock on f. A context that can never be done
// blocks in F_SETLKW; otherwise F_SETLK is polled with capped exponential
// backoff until the lock is granted or ctx is done.
func lockFile(ctx context.Context, f *os.File, exclusive, block bool, opts *Options) error {
	typ := int16(unix.F_RDLCK)
	if exclusive {
		typ = unix.F_WRLCK
	}
	fd := f.Fd()

	if block && ctx.Done() == nil {
		err := setlk(fd, unix.F_SETLKW, typ)
		if !errors.Is(err, unix.EDEADLK) {
			return wrapErrno(err, f.Name())
		}
		// spurious deadlock reports are handled by polling below
	}

	delay := opts.PollMinInterval
	for {
		err := setlk(fd, unix.F_SETLK, typ)
		if err == nil {
			return nil
		}
		if !isContention(err) {
			return wrapErrno(err, f.Name())
		}
		if !block {
			return ErrTimeout
		}

		timer := time.NewTimer(jitter(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return waitError(ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > opts.PollMaxInterval {
			delay = opts.PollMaxInterval
		}
	}
}

// unlockFile releases the lock held on f.
func unlockFile(f *os.File) error {
	return setlk(f.Fd(), unix.F_SETLK, unix.F_UNLCK)
}

// tryExclusive tries to take an exclusive lock on f without blocking. It reports
// whether the lock was granted, i.e. whether no other process holds f.
// The test lock is released when f is closed.
func tryExclusive(f *os.File) (bool, error) {
	err := setlk(f.Fd(), unix.F_SETLK, unix.F_WRLCK)
	switch {
	case err == nil:
		return true, nil
	case isContention(err):
		return false, nil
	default:
		return false, err
	}
}

// checkWritable reports an error if dir cannot be written to.
func checkWritable(dir string) error {
	return unix.Access(dir, unix.W_OK)
}

// fileInode returns the inode number of the file at path.
func fileInode(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	return uint64(st.Ino), nil
}

// setlk calls FcntlFlock for the entire file, retrying on EINTR.
func setlk(fd uintptr, cmd int, typ int16) error {
	for {
		err := unix.FcntlFlock(fd, cmd, &unix.Flock_t{
			Type:   typ,
			Whence: io.SeekStart,
			Start:  0,
			Len:    0, // all bytes
		})
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// isContention reports whether err means "held by another process".
func isContention(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) || errors.Is(err, unix.EDEADLK)
}

func wrapErrno(err error, path string) error {
	if err == nil {
		return nil
	}
	return &os.PathError{Op: "fcntl", Path: path, Err: err}
}

// jitter applies +-10% to d to avoid synchronized retries.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration((0.2*rand.Float64()-0.1)*float64(d))
}
