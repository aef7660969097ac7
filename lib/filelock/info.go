package filelock

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ValentinKolb/plock/lib/procinfo"
	"github.com/samber/lo"
)

// LockInfo is a point-in-time snapshot of the lock state of a path.
type LockInfo struct {
	Path         string // lock key
	LockfilePath string

	ReadHoldCount    int  // shared holds including nested ones
	ReadLockCount    int  // distinct shared holders
	WriteHoldCount   int  // exclusive holds including nested ones
	IsWriteLocked    bool // whether the path is exclusively held in this process
	ChannelHoldCount int  // holds of the open lock file

	// ProcessInfo lists the OS processes (this one included) holding a lock
	// on the lock file.
	ProcessInfo []ProcessLockInfo
}

// ProcessLockInfo describes one OS-level lock on a lock file.
type ProcessLockInfo struct {
	PID         int
	IsSelf      bool
	Mandatory   bool
	Exclusive   bool
	RangeStart  int64
	RangeLength int64 // 0 means up to the end of the file
}

func (info *LockInfo) setState(s rwLockState) {
	info.ReadHoldCount = s.readHolds
	info.ReadLockCount = s.readLocks
	info.WriteHoldCount = s.writeHolds
	info.IsWriteLocked = s.writeHolds > 0
	info.ChannelHoldCount = s.file.channelHolds
}

func toProcessInfo(records []procinfo.Record) []ProcessLockInfo {
	if len(records) == 0 {
		return nil
	}
	infos := lo.Map(records, func(r procinfo.Record, _ int) ProcessLockInfo {
		return ProcessLockInfo{
			PID:         r.PID,
			IsSelf:      r.IsSelf,
			Mandatory:   r.Mandatory,
			Exclusive:   r.Exclusive,
			RangeStart:  r.RangeStart,
			RangeLength: r.RangeLength,
		}
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].PID < infos[j].PID })
	return infos
}

// Format returns a human readable report of info.
func Format(info LockInfo) string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-14s: %s\n", name, value))
	}

	addSection("Lock")
	addField("Path", info.Path)
	addField("Lock File", info.LockfilePath)
	addField("Readers", strconv.Itoa(info.ReadLockCount))
	addField("Write Locked", yesNo(info.IsWriteLocked))

	addSection("Processes")
	if len(info.ProcessInfo) == 0 {
		sb.WriteString("  No process is holding this lock.\n")
		return sb.String()
	}
	for _, p := range info.ProcessInfo {
		pid := strconv.Itoa(p.PID)
		if p.IsSelf {
			pid += " (self)"
		}
		sb.WriteString(fmt.Sprintf("  PID %-14s mandatory: %-3s exclusive: %-3s range: %s\n",
			pid, yesNo(p.Mandatory), yesNo(p.Exclusive), formatRange(p.RangeStart, p.RangeLength)))
	}
	return sb.String()
}

func formatRange(start, length int64) string {
	if length == 0 {
		return fmt.Sprintf("%d-EOF", start)
	}
	return fmt.Sprintf("%d-%d", start, start+length-1)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
