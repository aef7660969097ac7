package filelock

import (
	"os"
	"time"

	"github.com/ValentinKolb/plock/lib/procinfo"
)

const (
	defaultLockSuffix      = ".lock"
	defaultFileMode        = 0o644
	defaultDirMode         = 0o755
	defaultPollMinInterval = 1 * time.Millisecond
	defaultPollMaxInterval = 100 * time.Millisecond
)

// Options configures a Manager.
type Options struct {
	// LockSuffix is appended to a path to name its lock file. An empty
	// suffix locks the path itself (the file is then never deleted).
	LockSuffix string

	// DeleteOnRelease removes the lock file once the last holder in this
	// process releases it and no other process holds it.
	DeleteOnRelease bool

	FileMode os.FileMode // permissions of created lock files
	DirMode  os.FileMode // permissions of created parent directories

	// Bounds of the exponential backoff used while polling for an OS lock
	// with a cancellable context.
	PollMinInterval time.Duration
	PollMaxInterval time.Duration

	// Inspector reports locks held by other processes (nil = platform default).
	Inspector procinfo.IInspector
}

// DefaultOptions returns the default Manager options
func DefaultOptions() *Options {
	return &Options{
		LockSuffix:      defaultLockSuffix,
		DeleteOnRelease: true,
		FileMode:        defaultFileMode,
		DirMode:         defaultDirMode,
		PollMinInterval: defaultPollMinInterval,
		PollMaxInterval: defaultPollMaxInterval,
		Inspector:       procinfo.NewInspector(),
	}
}

// normalize returns a copy of opts with all zero values replaced by defaults.
func (opts *Options) normalize() Options {
	if opts == nil {
		return *DefaultOptions()
	}
	o := *opts
	if o.FileMode == 0 {
		o.FileMode = defaultFileMode
	}
	if o.DirMode == 0 {
		o.DirMode = defaultDirMode
	}
	if o.PollMinInterval <= 0 {
		o.PollMinInterval = defaultPollMinInterval
	}
	if o.PollMaxInterval < o.PollMinInterval {
		o.PollMaxInterval = max(defaultPollMaxInterval, o.PollMinInterval)
	}
	if o.Inspector == nil {
		o.Inspector = procinfo.NewInspector()
	}
	return o
}
