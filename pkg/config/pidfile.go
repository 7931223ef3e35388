package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// WritePidfile writes the current PID to path. A pidfile naming a still
// running process refuses startup; a stale pidfile is deleted first.
func WritePidfile(path string) error {
	if path == "" {
		return nil
	}

	if data, err := os.ReadFile(path); err == nil {
		content := strings.TrimSpace(string(data))
		if content == "" {
			// empty file, take it over
		} else {
			oldPid, err := strconv.Atoi(content)
			if err != nil {
				return fmt.Errorf("pidfile %s exists but does not contain a pid (%q)", path, content)
			}
			if processAlive(oldPid) {
				return fmt.Errorf("pidfile %s names a running process (pid %d)", path, oldPid)
			}
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing stale pidfile %s: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("creating pidfile %s: %w", path, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d", os.Getpid()); err != nil {
		return fmt.Errorf("writing pidfile %s: %w", path, err)
	}
	return nil
}

// RemovePidfile deletes the pidfile; missing files are not an error.
func RemovePidfile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
