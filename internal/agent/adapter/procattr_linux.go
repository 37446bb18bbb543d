//go:build linux

package adapter

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in its own process group so signals hit the
// whole CLI tree, and asks the kernel to SIGTERM it if we crash.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}
}

func terminateGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
