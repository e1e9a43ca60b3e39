//go:build unix

package session

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// samplerProcAttr puts the sampler in its own process group. The stop
// request then reaches the sampler's children too (perf stat's sleep
// workload), and a Ctrl-C on the terminal does not stop the sampler before
// the profiled work ends.
func samplerProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// requestStop delivers SIGINT to the sampler's process group. pidstat and
// perf both treat it as "print what you have and exit"; perf's workload
// ends with it.
func requestStop(p *os.Process) error {
	return unix.Kill(-p.Pid, unix.SIGINT)
}

// forceStop kills the sampler's process group.
func forceStop(p *os.Process) error {
	return unix.Kill(-p.Pid, unix.SIGKILL)
}
