//go:build windows

package ptyd

import "os"

// killProcessGroup kills the process directly; Windows has no POSIX process
// groups.
func killProcessGroup(pid int) {
	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Kill()
	}
}
