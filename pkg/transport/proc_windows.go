//go:build windows

package transport

import (
	"os"
	"syscall"
)

// sysProcAttr is a no-op on Windows: there are no process groups to join or
// credentials to drop.
func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// terminate has no graceful signal on Windows; the grace period still
// applies to a worker that exits on stdin EOF.
func terminate(p *os.Process) error {
	return nil
}

func forceKill(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}
