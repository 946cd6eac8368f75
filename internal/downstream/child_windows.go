//go:build windows

package downstream

import (
	"os/exec"
	"syscall"
)

// hideConsole keeps npx-spawned children from flashing a console window.
func hideConsole(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}
