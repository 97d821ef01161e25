// SPDX-License-Identifier: GPL-3.0-or-later

// Package vault implements the scoped backup-and-restore guard that every
// destructive per-package procedure owns, per spec.md §4.I.
package vault

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// slot records what backup() did for one path, so restore() and cleanup
// know how to undo or discard it.
type slot struct {
	path       string
	backupPath string // empty if the path did not exist pre-backup
	existed    bool
}

// Vault is a scoped object owned by one destructive procedure. Zero value
// is not usable; construct with New.
type Vault struct {
	root      string // <database>/tmp/backup
	log       logrus.FieldLogger
	mu        sync.Mutex
	slots     []slot
	seen      map[string]bool
	committed bool
}

// New returns a vault that stores backup slots under root (conventionally
// "<database>/tmp/backup"). log may be nil, in which case a default
// logrus logger writing to stderr receives restore failures; they are
// never returned from Close, per spec.md §4.I ("never throw out of the
// destructor").
func New(root string, log logrus.FieldLogger) *Vault {
	if log == nil {
		log = logrus.New()
	}
	return &Vault{root: root, log: log, seen: make(map[string]bool)}
}

// Backup copies path into a uuid-named slot if it exists, or
// records that its pre-state was absent otherwise. Once a path has been
// backed up, subsequent calls for the same path are no-ops and return
// false.
func (v *Vault) Backup(path string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.seen[path] {
		return false, nil
	}
	v.seen[path] = true

	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		v.slots = append(v.slots, slot{path: path, existed: false})
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("vault: stat %q: %w", path, err)
	}

	if err := os.MkdirAll(v.root, 0700); err != nil {
		return false, fmt.Errorf("vault: creating backup directory: %w", err)
	}
	// uuid rather than a sequential counter, so a backup slot from one
	// session never collides with a stale one left by a prior crashed
	// session sharing the same vault root.
	backupPath := filepath.Join(v.root, uuid.NewString())

	if err := copyPreservingMode(path, backupPath, info); err != nil {
		return false, fmt.Errorf("vault: backing up %q: %w", path, err)
	}

	v.slots = append(v.slots, slot{path: path, backupPath: backupPath, existed: true})
	return true, nil
}

// Restore undoes every recorded backup: paths that existed are copied
// back from their slot, paths that did not exist are deleted again. Every
// backup slot is removed afterward regardless of individual failures.
func (v *Vault) Restore() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	var firstErr error
	for i := len(v.slots) - 1; i >= 0; i-- {
		s := v.slots[i]
		if s.existed {
			if err := copyFile(s.backupPath, s.path); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("vault: restoring %q: %w", s.path, err)
			}
		} else {
			if err := os.RemoveAll(s.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = fmt.Errorf("vault: removing %q during restore: %w", s.path, err)
			}
		}
	}
	v.cleanupSlots()
	return firstErr
}

// Commit marks the vault successful: Close will discard the backup slots
// without restoring anything, leaving the on-disk state as it stands.
func (v *Vault) Commit() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.committed = true
}

// Close performs Restore if the vault was never committed, otherwise
// discards the backup slots. Restore failures are logged, never
// returned or panicked, matching spec.md §4.I's destructor contract.
func (v *Vault) Close() {
	v.mu.Lock()
	committed := v.committed
	v.mu.Unlock()

	if committed {
		v.mu.Lock()
		v.cleanupSlots()
		v.mu.Unlock()
		return
	}
	if err := v.Restore(); err != nil {
		v.log.WithError(err).Error("vault restore failed during close")
	}
}

// cleanupSlots removes every backup slot file. Caller must hold v.mu.
func (v *Vault) cleanupSlots() {
	for _, s := range v.slots {
		if s.backupPath != "" {
			if err := os.Remove(s.backupPath); err != nil && !os.IsNotExist(err) {
				v.log.WithError(err).WithField("slot", s.backupPath).Warn("failed to remove backup slot")
			}
		}
	}
	v.slots = nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func copyPreservingMode(src, dst string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	}
	return copyFile(src, dst)
}
