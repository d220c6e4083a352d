//go:build unix

package service

import (
	"os/exec"
	"syscall"
)

// killGroup makes cancellation kill the program together with everything it
// started, so no descendant keeps stdout or stderr open.
func killGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
