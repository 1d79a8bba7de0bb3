//go:build unix

package pipeline

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup places the stage in its own process group so descendants
// it spawns can be signalled together.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the whole group led by p.
func killProcessGroup(p *os.Process) {
	if p == nil {
		return
	}
	// Negative PID targets the process group.
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		_ = p.Kill()
	}
}
