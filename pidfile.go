package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// pidFilePermissions matches the config file permission convention: owner
// rw, group/other r.
const pidFilePermissions = 0o644

// pidDirPermissions matches the vault's own state directory convention.
const pidDirPermissions = 0o755

// writePIDFile acquires an exclusive, non-blocking flock on path and writes
// the current process ID into it. Returns a cleanup function that releases
// the lock and removes the file. If the lock is already held, another
// `vaultsync sync --watch` is running against this vault.
func writePIDFile(path string) (cleanup func(), err error) {
	if path == "" {
		return nil, fmt.Errorf("PID file path is empty")
	}

	if mkErr := os.MkdirAll(filepath.Dir(path), pidDirPermissions); mkErr != nil {
		return nil, fmt.Errorf("creating state directory: %w", mkErr)
	}

	lock := flock.New(path)

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking PID file %s: %w", path, err)
	}

	if !locked {
		return nil, fmt.Errorf("another sync --watch is already running against this vault (could not lock %s)", path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), pidFilePermissions); err != nil {
		lock.Unlock()

		return nil, fmt.Errorf("writing PID file: %w", err)
	}

	return func() {
		os.Remove(path)
		lock.Unlock()
	}, nil
}

// readPIDFile reads the PID recorded at path.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, err
	}

	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}

// sendSIGHUP reads the PID from pidPath and signals the running daemon to
// reload its paused/resumed state, matching the teacher's notifyDaemon
// pattern of reaching a live `sync --watch` process without an RPC layer.
// Stale PID files (process no longer alive) are cleaned up automatically.
func sendSIGHUP(pidPath string) error {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no running daemon found (no PID file at %s)", pidPath)
		}

		return err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidPath)

		return fmt.Errorf("daemon (PID %d) is not running (stale PID file removed)", pid)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("sending SIGHUP to daemon (PID %d): %w", pid, err)
	}

	return nil
}
