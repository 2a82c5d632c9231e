//go:build !windows

package ptyd

import "syscall"

// killProcessGroup sends SIGKILL to the process group so the shell and
// everything it spawned die together. Falls back to the single process when
// no group exists.
func killProcessGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}
