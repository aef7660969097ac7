// Package cmd implements the command-line interface of plock. It provides
// commands to inspect file locks, to run commands while holding a lock and
// to benchmark the lock manager.
//
// The package is organized into several subpackages:
//
//   - lock: Commands for locking operations (status, exec, hold, perf)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set through an environment variable of the form
// PLOCK_<FLAG> (e.g. PLOCK_LOCK_SUFFIX=.lck). Variables are also read from
// .env and .env.local in the working directory.
//
// See plock -help for a list of all commands.
package cmd
