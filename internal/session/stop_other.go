//go:build !unix

package session

import (
	"os"
	"syscall"
)

func samplerProcAttr() *syscall.SysProcAttr { return nil }

// requestStop has no graceful variant on this platform.
func requestStop(p *os.Process) error {
	return p.Kill()
}

func forceStop(p *os.Process) error {
	return p.Kill()
}
