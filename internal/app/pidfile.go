package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func claimPIDFile(pidFile string) (func(), error) {
	pidFile = strings.TrimSpace(pidFile)
	if pidFile == "" {
		return func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		return nil, err
	}

	if pid, err := readPIDFile(pidFile); err == nil && pid > 0 {
		if processExists(pid) {
			return nil, fmt.Errorf("pid file %q points to running process %d", pidFile, pid)
		}
	}

	pid := os.Getpid()
	if err := writePIDFile(pidFile, pid); err != nil {
		return nil, err
	}

	return func() {
		cur, err := readPIDFile(pidFile)
		if err != nil {
			return
		}
		if cur == pid {
			_ = os.Remove(pidFile)
		}
	}, nil
}

func writePIDFile(pidFile string, pid int) error {
	tmp, err := os.CreateTemp(filepath.Dir(pidFile), "."+filepath.Base(pidFile)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	keepTemp := false
	defer func() {
		_ = tmp.Close()
		if !keepTemp {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(tmp, "%d\n", pid); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, pidFile); err != nil {
		return err
	}
	keepTemp = true
	return nil
}

func readPIDFile(pidFile string) (int, error) {
	b, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		return 0, fmt.Errorf("pid file %q is empty", pidFile)
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %q contains invalid pid %q", pidFile, raw)
	}
	return pid, nil
}
