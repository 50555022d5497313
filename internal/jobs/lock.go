package jobs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	// lockFilePermissions: owner rw, group/other r.
	lockFilePermissions = 0o644
	lockDirPermissions  = 0o755
)

// ErrLocked is returned by AcquireLock when another process holds the lock.
var ErrLocked = errors.New("jobs: lock held by another process")

// AcquireLock takes a non-blocking exclusive flock on path and writes the
// current PID into it. The returned release function drops the lock and
// removes the file.
func AcquireLock(path string) (release func(), err error) {
	if err := os.MkdirAll(filepath.Dir(path), lockDirPermissions); err != nil {
		return nil, fmt.Errorf("jobs: creating lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("jobs: opening lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, fmt.Errorf("jobs: truncating lock file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()

		return nil, fmt.Errorf("jobs: writing lock file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return nil, fmt.Errorf("jobs: syncing lock file: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// LockHolder reports the PID of the process holding the lock at path.
// held is false when the file is absent or nobody holds the lock.
func LockHolder(path string) (pid int, held bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB); err == nil {
		// Stale file left behind by a crashed process.
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN) //nolint:errcheck // best-effort unlock

		return 0, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, true
	}

	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, true
	}

	return pid, true
}
