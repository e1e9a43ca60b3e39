package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/coral-mesh/frep/internal/retry"
	"github.com/coral-mesh/frep/internal/sys/proc"
)

var (
	errNoWorkload   = errors.New("a command to run or --pid is required")
	errTwoWorkloads = errors.New("use either --pid or a command, not both")
)

// workload is what a record command profiles: a child command it starts,
// or a process that is already running.
type workload struct {
	pid  int
	name string
	cmd  *exec.Cmd

	waited bool
}

// startWorkload starts argv, or attaches to pid when argv is empty.
func startWorkload(ctx context.Context, pid int, argv []string, stdout, stderr io.Writer) (*workload, error) {
	switch {
	case pid != 0 && len(argv) > 0:
		return nil, errTwoWorkloads
	case pid != 0:
		info, err := proc.Lookup(ctx, pid)
		if err != nil {
			return nil, err
		}
		return &workload{pid: pid, name: info.Name}, nil
	case len(argv) == 0:
		return nil, errNoWorkload
	}

	// #nosec G204 -- running the user's command is the point of frep record.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	return &workload{pid: cmd.Process.Pid, name: filepath.Base(argv[0]), cmd: cmd}, nil
}

// wait blocks until the workload ends. A child command that exits non-zero
// is a failure of the profiled call. An attached process is polled until it
// disappears; ctx ending first counts as a normal end of profiling.
func (w *workload) wait(ctx context.Context) error {
	w.waited = true

	if w.cmd != nil {
		if err := w.cmd.Wait(); err != nil {
			return fmt.Errorf("%s: %w", w.name, err)
		}
		return nil
	}

	err := retry.Poll(ctx, retry.PollConfig{
		Interval:    50 * time.Millisecond,
		MaxInterval: time.Second,
	}, func() bool {
		exists, err := proc.Exists(ctx, w.pid)
		return err == nil && !exists
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// release kills a child command that was started but never waited for,
// which happens when the sampler could not be started.
func (w *workload) release() {
	if w == nil || w.cmd == nil || w.waited {
		return
	}
	_ = w.cmd.Process.Kill()
	_ = w.cmd.Wait()
}
