//go:build !windows

package host

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcGroup configures the command to run in its own process group.
// This enables killing the host and all its child processes together.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// killProcGroup force-kills the process and its entire process group.
func killProcGroup(cmd *exec.Cmd) {
	if cmd != nil && cmd.Process != nil {
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}

// isProcessAlive checks whether a process with the given PID still exists.
func isProcessAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
