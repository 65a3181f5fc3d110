//go:build !windows

package transport

import (
	"os"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr puts the worker in its own process group and, when running
// as root under sudo, drops to the invoking user.
func sysProcAttr() *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if cred := sudoCredential(); cred != nil {
		attr.Credential = cred
	}
	return attr
}

func sudoCredential() *syscall.Credential {
	if unix.Geteuid() != 0 {
		return nil
	}
	uid, err := strconv.ParseUint(os.Getenv("SUDO_UID"), 10, 32)
	if err != nil || uid == 0 {
		return nil
	}
	gid, err := strconv.ParseUint(os.Getenv("SUDO_GID"), 10, 32)
	if err != nil {
		return nil
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
}

// terminate asks the whole process group to exit.
func terminate(p *os.Process) error {
	return signalGroup(p, unix.SIGTERM)
}

// forceKill kills the whole process group.
func forceKill(p *os.Process) error {
	return signalGroup(p, unix.SIGKILL)
}

func signalGroup(p *os.Process, sig unix.Signal) error {
	if p == nil {
		return nil
	}
	err := unix.Kill(-p.Pid, sig)
	if err == unix.ESRCH {
		return nil
	}
	return err
}
