// Package procrun manages the filesystem witnesses of background processes:
// PID files, socket paths and the startup lock directory.
package procrun

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// WritePIDFile writes the current process id to path
func WritePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// ReadPID reads a process id from a PID file
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file %s: %w", path, err)
	}

	return pid, nil
}

// RemovePIDFile removes a PID file, tolerating absence
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Alive reports whether a process with the given pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0
	return process.Signal(syscall.Signal(0)) == nil
}

// Terminate sends SIGTERM to pid and waits for it to exit, polling at the
// given interval for up to maxWait. Returns true if the process is gone.
func Terminate(pid int, interval, maxWait time.Duration) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return true
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		// Signal failure on a live process usually means it is already gone
		return !Alive(pid)
	}

	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return true
		}
		time.Sleep(interval)
	}

	return !Alive(pid)
}
