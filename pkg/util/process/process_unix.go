//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

// Detach puts the child in its own process group, so an interrupt typed at
// the terminal is not delivered to it.
func Detach(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}
