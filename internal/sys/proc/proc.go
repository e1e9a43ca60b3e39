// Package proc looks up the process or thread a session is about to sample.
package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrNotFound is returned when the target pid does not exist.
var ErrNotFound = errors.New("process not found")

// Info describes a sampling target.
type Info struct {
	PID        int
	Name       string
	NumThreads int32
	BinaryPath string
}

// Lookup returns information about pid. Only existence is mandatory; the
// other fields are best effort since a short-lived target may be gone, or
// owned by another user, by the time they are read.
func Lookup(ctx context.Context, pid int) (Info, error) {
	if pid <= 0 {
		return Info{}, fmt.Errorf("invalid pid %d", pid)
	}

	exists, err := Exists(ctx, pid)
	if err != nil {
		return Info{}, err
	}
	if !exists {
		return Info{}, fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}

	info := Info{PID: pid}

	p, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // G115: pids fit in int32
	if err != nil {
		return info, nil
	}
	if name, err := p.NameWithContext(ctx); err == nil {
		info.Name = name
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		info.NumThreads = n
	}
	if exe, err := p.ExeWithContext(ctx); err == nil {
		info.BinaryPath = exe
	}

	return info, nil
}

// Exists reports whether pid is a live process or thread.
func Exists(ctx context.Context, pid int) (bool, error) {
	exists, err := process.PidExistsWithContext(ctx, int32(pid)) //nolint:gosec // G115: pids fit in int32
	if err != nil {
		return false, fmt.Errorf("failed to check pid %d: %w", pid, err)
	}
	return exists, nil
}

// ListThreads returns the thread ids of pid from /proc/<pid>/task, sorted
// ascending. The main thread id equals pid.
func ListThreads(pid int) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join("/proc", strconv.Itoa(pid), "task"))
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks of pid %d: %w", pid, err)
	}

	var tids []int
	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)

	return tids, nil
}
