//go:build unix

package gateway

import (
	"os/exec"
	"syscall"
)

// configureKill puts the child in its own process group so a timeout kills
// login-shell grandchildren too.
func configureKill(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
