//go:build unix

// ABOUTME: Starts workers in their own process group so a deadline kills every descendant.
package isolate

import (
	"os/exec"
	"syscall"
)

// configureKill puts the worker in its own process group and kills the whole
// group on cancel, so shell children die with it.
func configureKill(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return errKilled
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
