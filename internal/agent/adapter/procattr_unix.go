//go:build unix && !linux

package adapter

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in its own process group so signals hit the
// whole CLI tree.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
