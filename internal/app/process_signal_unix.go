//go:build !windows

package app

import (
	"errors"
	"syscall"
)

// processExists reports whether the pid in a stale village.pid file still
// maps to a live process. Signal 0 probes without delivering; EPERM means
// the process exists but belongs to someone else.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
