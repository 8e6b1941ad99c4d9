//go:build unix

package bridge

import (
	"errors"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// signalGroup delivers sig to every process in the worker's group. A group
// that no longer exists is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// killTree SIGKILLs the worker's group and every descendant, including
// ones that moved to a group of their own. Descendants are collected before
// anything is killed so that reparenting cannot hide them.
func killTree(pid int) {
	if pid <= 0 {
		return
	}
	desc := descendants(int32(pid))
	_ = signalGroup(pid, syscall.SIGKILL)
	for _, p := range desc {
		_ = p.Kill()
	}
}

func descendants(pid int32) []*process.Process {
	root, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	var out []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := cur.Children()
		if err != nil {
			continue
		}
		out = append(out, children...)
		queue = append(queue, children...)
	}
	return out
}

func pidExists(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}
