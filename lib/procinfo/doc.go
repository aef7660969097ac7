// Package procinfo reports which operating system processes currently hold
// advisory locks on which inodes.
//
// The filelock package uses this information to enrich its lock snapshots
// with holders that live outside the current process. It only ever reads
// system state and never takes or releases a lock itself.
//
// Implementations:
//
//   - procLocksInspector: parses the Linux /proc/locks table. Every granted
//     POSIX, OFD and flock lock of the system appears there with its PID,
//     inode, access mode and byte range. Waiters (lines marked with "->")
//     are skipped since they do not hold anything yet.
//
//   - noopInspector: used on platforms without /proc/locks. It reports no
//     records, which callers must treat as "unknown" and not as "unlocked".
//
// Usage:
//
//	inspector := procinfo.NewInspector()
//	records, err := inspector.Records()
//	if err != nil {
//	    // handle error
//	}
//	byInode := procinfo.GroupByInode(records)
package procinfo
