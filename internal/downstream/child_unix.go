//go:build !windows

package downstream

import "os/exec"

// hideConsole is a no-op outside Windows.
func hideConsole(*exec.Cmd) {}
