//go:build unix

package bridge

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the worker in its own process group so the whole tree
// can be signalled. There is no parent-death signal: on Linux it is tied to
// the forking OS thread rather than the server process, so workers are
// stopped by Orchestrator.Shutdown instead.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
