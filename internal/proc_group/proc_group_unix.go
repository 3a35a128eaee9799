//go:build !windows

package procgroup

import (
	"os/exec"
	"syscall"
)

// Detach runs cmd in its own process group so a terminal Ctrl+C reaches
// only the parent, which then stops the child in order.
func Detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// Terminate asks the child's whole process group to exit.
func Terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}
