// SPDX-License-Identifier: GPL-3.0-or-later

// Package database manages the on-disk layout of installed-package
// records under an advisory lock, per spec.md §4.D and §6.
package database

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/m2osw/wpkg-go/control"
)

// reservedDirs are record-tree entries that are not package records.
var reservedDirs = map[string]bool{"core": true, "tmp": true, "lock": true}

// FileEntry is one file owned by an installed package, per spec.md §3.
type FileEntry struct {
	Path  string
	Mode  os.FileMode
	Owner string
	Group string
	Size  int64
}

// Record is the full on-disk representation of one installed package.
type Record struct {
	Name       string
	Status     Status
	Control    *control.Stanza
	Files      []FileEntry
	Conffiles  []string
	MD5Sums    map[string]string
	OldMD5Sums map[string]string // present only mid-upgrade
	Selection  string            // "install", "hold", "auto", "deinstall", "purge"
}

// Database is a handle onto the on-disk installed-package database. It
// must be opened under the advisory lock for the lifetime of a session,
// per spec.md §3/§5.
type Database struct {
	root     string
	instPath string
	lock     *advisoryLock
}

// Open acquires the advisory lock and returns a handle to the database
// rooted at root. instPath is the destination root that packages are
// unpacked relative to (spec.md §4.D "obtain an inst-path").
func Open(root, instPath string) (*Database, error) {
	lock, err := acquireLock(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(root, "core", "hooks"), 0755); err != nil {
		lock.release()
		return nil, fmt.Errorf("initializing database layout: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "tmp", "backup"), 0755); err != nil {
		lock.release()
		return nil, fmt.Errorf("initializing database layout: %w", err)
	}
	return &Database{root: root, instPath: instPath, lock: lock}, nil
}

// Close releases the advisory lock. It does not delete any record.
func (db *Database) Close() error {
	return db.lock.release()
}

// Root returns the database root directory.
func (db *Database) Root() string { return db.root }

// InstPath returns the destination root packages are unpacked under.
func (db *Database) InstPath() string { return db.instPath }

func (db *Database) assertLocked() error {
	if db.lock == nil || db.lock.file == nil {
		return &LockError{Path: db.root, Cause: fmt.Errorf("lock not held")}
	}
	return nil
}

func (db *Database) recordDir(name string) string {
	return filepath.Join(db.root, name)
}

// ListInstalled returns the names of every package with a record in the
// database, excluding the administrative "core" pseudo-package.
func (db *Database) ListInstalled() ([]string, error) {
	entries, err := os.ReadDir(db.root)
	if err != nil {
		return nil, fmt.Errorf("listing database %q: %w", db.root, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || reservedDirs[e.Name()] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// HasRecord reports whether a record directory exists for name.
func (db *Database) HasRecord(name string) bool {
	_, err := os.Stat(filepath.Join(db.recordDir(name), "wpkg-status"))
	return err == nil
}

// ReadRecord loads the full record for an installed package.
func (db *Database) ReadRecord(name string) (*Record, error) {
	dir := db.recordDir(name)

	statusFields, err := readStatusFile(filepath.Join(dir, "wpkg-status"))
	if err != nil {
		return nil, err
	}
	status, err := ParseStatus(statusFields["status"])
	if err != nil {
		return nil, fmt.Errorf("package %q: %w", name, err)
	}

	var stanza *control.Stanza
	if f, err := os.Open(filepath.Join(dir, "control")); err == nil {
		defer f.Close()
		stanza, err = control.ParseOne(f)
		if err != nil {
			return nil, fmt.Errorf("package %q: parsing control file: %w", name, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	} else {
		stanza = control.NewStanza()
	}

	files, err := readFileIndex(filepath.Join(dir, "index.wpkgar"))
	if err != nil {
		return nil, err
	}
	md5s, err := readMD5Sums(filepath.Join(dir, "md5sums"))
	if err != nil {
		return nil, err
	}
	oldMD5s, err := readMD5Sums(filepath.Join(dir, "md5sums.wpkg-old"))
	if err != nil {
		return nil, err
	}
	conffiles, err := readLines(filepath.Join(dir, "conffiles"))
	if err != nil {
		return nil, err
	}

	return &Record{
		Name:       name,
		Status:     status,
		Control:    stanza,
		Files:      files,
		Conffiles:  conffiles,
		MD5Sums:    md5s,
		OldMD5Sums: oldMD5s,
		Selection:  statusFields["selection"],
	}, nil
}

// CreateRecord initializes an empty record directory for name in status
// Half-Installed, per spec.md §4.H step 3.
func (db *Database) CreateRecord(name string) error {
	if err := db.assertLocked(); err != nil {
		return err
	}
	dir := db.recordDir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating record for %q: %w", name, err)
	}
	return db.SetStatus(name, StatusHalfInstalled, "install")
}

// SetStatus atomically updates the lifecycle status (and optionally the
// selection field) of a package's record.
func (db *Database) SetStatus(name string, status Status, selection string) error {
	if err := db.assertLocked(); err != nil {
		return err
	}
	dir := db.recordDir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	fields := map[string]string{"status": status.String()}
	if selection != "" {
		fields["selection"] = selection
	} else if existing, err := readStatusFile(filepath.Join(dir, "wpkg-status")); err == nil {
		if s, ok := existing["selection"]; ok {
			fields["selection"] = s
		}
	}
	return writeStatusFile(filepath.Join(dir, "wpkg-status"), fields)
}

// WriteField atomically writes a single field into a package's control
// file, creating the file if necessary.
func (db *Database) WriteField(name, key, value string) error {
	if err := db.assertLocked(); err != nil {
		return err
	}
	dir := db.recordDir(name)
	path := filepath.Join(dir, "control")
	stanza := control.NewStanza()
	if f, err := os.Open(path); err == nil {
		parsed, perr := control.ParseOne(f)
		f.Close()
		if perr == nil {
			stanza = parsed
		}
	}
	stanza.Set(key, value)
	return atomicWriteStanza(path, stanza)
}

// InstallFileIndex writes the file index for a package, recording every
// file it owns with mode/owner/group/size, per spec.md §3.
func (db *Database) InstallFileIndex(name string, files []FileEntry) error {
	if err := db.assertLocked(); err != nil {
		return err
	}
	return atomicWriteLines(filepath.Join(db.recordDir(name), "index.wpkgar"), func(w io.Writer) error {
		for _, f := range files {
			_, err := fmt.Fprintf(w, "%s\t%o\t%s\t%s\t%d\n", f.Path, f.Mode, f.Owner, f.Group, f.Size)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteMD5Sums writes the md5sums file for a package.
func (db *Database) WriteMD5Sums(name string, sums map[string]string) error {
	if err := db.assertLocked(); err != nil {
		return err
	}
	return writeMD5Sums(filepath.Join(db.recordDir(name), "md5sums"), sums)
}

// RotateMD5SumsForUpgrade copies the current md5sums aside to
// md5sums.wpkg-old before a new version's md5sums are written over it, so
// the Configure procedure can detect locally modified conffiles.
func (db *Database) RotateMD5SumsForUpgrade(name string) error {
	if err := db.assertLocked(); err != nil {
		return err
	}
	dir := db.recordDir(name)
	src := filepath.Join(dir, "md5sums")
	dst := filepath.Join(dir, "md5sums.wpkg-old")
	data, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// WriteConffiles writes the conffiles list for a package.
func (db *Database) WriteConffiles(name string, paths []string) error {
	if err := db.assertLocked(); err != nil {
		return err
	}
	return atomicWriteLines(filepath.Join(db.recordDir(name), "conffiles"), func(w io.Writer) error {
		for _, p := range paths {
			if _, err := fmt.Fprintln(w, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// Conffiles returns the conffile list for an installed package.
func (db *Database) Conffiles(name string) ([]string, error) {
	return readLines(filepath.Join(db.recordDir(name), "conffiles"))
}

// EnumerateFiles returns the file index for an installed package.
func (db *Database) EnumerateFiles(name string) ([]FileEntry, error) {
	return readFileIndex(filepath.Join(db.recordDir(name), "index.wpkgar"))
}

// WriteScript installs a maintenance script (preinst/postinst/prerm/postrm)
// for a package, marking it executable.
func (db *Database) WriteScript(name, script string, content []byte) error {
	if err := db.assertLocked(); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(db.recordDir(name), script), content, 0755)
}

// Script reads a maintenance script; it returns (nil, nil) if the package
// has no script of that name.
func (db *Database) Script(name, script string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(db.recordDir(name), script))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// RemoveRecord deletes a package's record directory entirely (used when a
// purge completes and the package returns to Not-Installed with no trace).
func (db *Database) RemoveRecord(name string) error {
	if err := db.assertLocked(); err != nil {
		return err
	}
	return os.RemoveAll(db.recordDir(name))
}

// AddHook installs a global hook script under core/hooks/, treated as
// belonging to the "core" pseudo-package per spec.md Design Notes.
func (db *Database) AddHook(script string, content []byte) error {
	if err := db.assertLocked(); err != nil {
		return err
	}
	path := filepath.Join(db.root, "core", "hooks", script)
	return os.WriteFile(path, content, 0755)
}

// RemoveHook deletes a global hook script.
func (db *Database) RemoveHook(script string) error {
	if err := db.assertLocked(); err != nil {
		return err
	}
	return os.Remove(filepath.Join(db.root, "core", "hooks", script))
}

// Hook reads a global hook script; it returns (nil, nil) if absent.
func (db *Database) Hook(script string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(db.root, "core", "hooks", script))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// CoreRecord returns the target meta-package stanza (core/control),
// carrying fields like Architecture and Distribution.
func (db *Database) CoreRecord() (*control.Stanza, error) {
	path := filepath.Join(db.root, "core", "control")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return control.NewStanza(), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return control.ParseOne(f)
}

//
// on-disk helpers
//

func readStatusFile(path string) (map[string]string, error) {
	fields := map[string]string{"status": StatusNotInstalled.String()}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return fields, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		fields[strings.TrimSpace(line[:idx])] = strings.TrimSpace(line[idx+1:])
	}
	return fields, s.Err()
}

func writeStatusFile(path string, fields map[string]string) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return atomicWriteLines(path, func(w io.Writer) error {
		for _, k := range keys {
			if _, err := fmt.Fprintf(w, "%s=%s\n", k, fields[k]); err != nil {
				return err
			}
		}
		return nil
	})
}

func readFileIndex(path string) ([]FileEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var files []FileEntry
	s := bufio.NewScanner(f)
	for s.Scan() {
		parts := strings.Split(s.Text(), "\t")
		if len(parts) != 5 {
			continue
		}
		mode, err := strconv.ParseUint(parts[1], 8, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing file index %q: %w", path, err)
		}
		size, err := strconv.ParseInt(parts[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing file index %q: %w", path, err)
		}
		files = append(files, FileEntry{
			Path:  parts[0],
			Mode:  os.FileMode(mode),
			Owner: parts[2],
			Group: parts[3],
			Size:  size,
		})
	}
	return files, s.Err()
}

func readMD5Sums(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sums := make(map[string]string)
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		sums[fields[1]] = fields[0]
	}
	return sums, s.Err()
}

func writeMD5Sums(path string, sums map[string]string) error {
	paths := make([]string, 0, len(sums))
	for p := range sums {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return atomicWriteLines(path, func(w io.Writer) error {
		for _, p := range paths {
			if _, err := fmt.Fprintf(w, "%s  %s\n", sums[p], p); err != nil {
				return err
			}
		}
		return nil
	})
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		if s.Text() != "" {
			lines = append(lines, s.Text())
		}
	}
	return lines, s.Err()
}

// atomicWriteLines writes content produced by fn to path via a temp file
// in the same directory, then renames it into place, so a crash never
// leaves a half-written record file (spec.md §9's "guaranteed release on
// every exit path" applies equally to record writes).
func atomicWriteLines(path string, fn func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if err := fn(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

func atomicWriteStanza(path string, stanza *control.Stanza) error {
	return atomicWriteLines(path, func(w io.Writer) error {
		_, err := stanza.WriteTo(w)
		return err
	})
}
