package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// pidFilePermissions matches the standard config file permissions (owner rw, group/other r).
const pidFilePermissions = 0o644

// pidDirPermissions matches the standard directory permissions (owner rwx, group/other rx).
const pidDirPermissions = 0o755

const runDirName = "run"

// pidPath returns the PID file for a long-running command, e.g.
// <data>/run/watch-<blog>.pid.
func pidPath(dataDir, name string) string {
	return filepath.Join(dataDir, runDirName, name+".pid")
}

// writePIDFile writes the current process ID to path and holds an exclusive
// flock on it. Returns a cleanup function that removes the file and releases
// the lock. If the lock is taken, another instance is already running.
func writePIDFile(path string) (cleanup func(), err error) {
	if path == "" {
		return nil, errors.New("PID file path is empty, cannot determine data directory")
	}

	dir := filepath.Dir(path)
	if mkdirErr := os.MkdirAll(dir, pidDirPermissions); mkdirErr != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", mkdirErr)
	}

	lock := flock.New(path, flock.SetFlag(os.O_CREATE|os.O_RDWR), flock.SetPermissions(pidFilePermissions))

	// Non-blocking: fails immediately if another process holds it.
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking PID file %s: %w", path, err)
	}

	if !locked {
		if pid, readErr := readPIDFile(path); readErr == nil {
			return nil, fmt.Errorf("already running as PID %d (could not lock %s)", pid, path)
		}

		return nil, fmt.Errorf("already running (could not lock %s)", path)
	}

	if err := writePID(path); err != nil {
		lock.Close()

		return nil, err
	}

	return func() {
		os.Remove(path)
		lock.Close()
	}, nil
}

// writePID replaces the file's content with the current PID. The flock is
// advisory, so writing through a second descriptor is fine.
func writePID(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), pidFilePermissions); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}

	return nil
}

// readPIDFile reads the PID from the given file path. Returns 0 and an error
// if the file does not exist or contains invalid content.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}
