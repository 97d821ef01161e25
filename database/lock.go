// SPDX-License-Identifier: GPL-3.0-or-later

package database

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// advisoryLock wraps flock(2) on a sentinel file, giving the database the
// single process-wide advisory lock spec.md §3/§5 mandates. A second
// acquisition attempt from the same or another process fails fast.
type advisoryLock struct {
	file *os.File
}

func acquireLock(root string) (*advisoryLock, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating database root %q: %w", root, err)
	}
	path := filepath.Join(root, "lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %q: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, &LockError{Path: path, Cause: err}
	}
	return &advisoryLock{file: f}, nil
}

func (l *advisoryLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

// LockError reports that the database is already locked by another
// session, the "lock" error kind from spec.md §7.
type LockError struct {
	Path  string
	Cause error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("database at %q is locked by another session: %v", e.Path, e.Cause)
}

func (e *LockError) Unwrap() error { return e.Cause }
