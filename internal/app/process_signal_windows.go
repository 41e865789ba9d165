//go:build windows

package app

import "golang.org/x/sys/windows"

const windowsStillActiveExitCode = 259

// processExists reports whether the pid in a stale village.pid file still
// maps to a live process: one we can open and whose exit code reads as
// STILL_ACTIVE.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}

	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	return exitCode == windowsStillActiveExitCode
}
