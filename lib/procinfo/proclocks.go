package procinfo

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

var plog = logger.GetLogger("procinfo")

// DefaultProcLocksPath is the location of the kernel lock table on Linux.
const DefaultProcLocksPath = "/proc/locks"

// NewProcLocksInspector returns an inspector reading the lock table at path.
// An empty path selects DefaultProcLocksPath.
func NewProcLocksInspector(path string) IInspector {
	if path == "" {
		path = DefaultProcLocksPath
	}
	return &procLocksInspector{path: path}
}

type procLocksInspector struct {
	path string
}

// --------------------------------------------------------------------------
// Interface Methods (docu see procinfo.IInspector)
// --------------------------------------------------------------------------

func (p *procLocksInspector) Records() ([]Record, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p.path, err)
	}
	defer f.Close()

	return ParseProcLocks(f, os.Getpid())
}

// --------------------------------------------------------------------------
// Parser
// --------------------------------------------------------------------------

// ParseProcLocks parses the /proc/locks format. Lines look like
//
//	1: POSIX  ADVISORY  WRITE 3076 08:02:1705044 0 EOF
//	2: -> POSIX  ADVISORY  WRITE 3080 08:02:1705044 0 EOF
//
// Blocked waiters ("->") and lines that cannot be parsed are skipped.
func ParseProcLocks(r io.Reader, selfPID int) ([]Record, error) {
	var records []Record

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, ok, err := parseLine(line, selfPID)
		if err != nil {
			plog.Debugf("skipping lock table line %q: %v", line, err)
			continue
		}
		if ok {
			records = append(records, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// parseLine returns ok=false for lines describing waiters.
func parseLine(line string, selfPID int) (Record, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Record{}, false, fmt.Errorf("too few fields")
	}

	// fields[0] is the "N:" ordinal
	fields = fields[1:]
	if fields[0] == "->" {
		return Record{}, false, nil
	}
	if len(fields) < 7 {
		return Record{}, false, fmt.Errorf("expected 7 fields, got %d", len(fields))
	}

	pid, err := strconv.Atoi(fields[3])
	if err != nil {
		return Record{}, false, fmt.Errorf("invalid pid: %w", err)
	}

	device, inode, err := parseInode(fields[4])
	if err != nil {
		return Record{}, false, err
	}

	start, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return Record{}, false, fmt.Errorf("invalid range start: %w", err)
	}

	var length int64
	if fields[6] != "EOF" {
		end, err := strconv.ParseInt(fields[6], 10, 64)
		if err != nil {
			return Record{}, false, fmt.Errorf("invalid range end: %w", err)
		}
		length = end - start + 1
	}

	return Record{
		Kind:        fields[0],
		Device:      device,
		Inode:       inode,
		PID:         pid,
		IsSelf:      pid == selfPID,
		Mandatory:   fields[1] == "MANDATORY",
		Exclusive:   fields[2] == "WRITE",
		RangeStart:  start,
		RangeLength: length,
	}, true, nil
}

// parseInode splits "maj:min:inode" into the device part and the inode.
func parseInode(s string) (string, uint64, error) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return "", 0, fmt.Errorf("invalid inode field %q", s)
	}
	inode, err := strconv.ParseUint(s[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid inode: %w", err)
	}
	return s[:idx], inode, nil
}
