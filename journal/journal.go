// SPDX-License-Identifier: GPL-3.0-or-later

// Package journal implements the append-only rollback log described in
// spec.md §4.J: one instruction per line, replayed in reverse to undo a
// failed transaction.
package journal

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Command names recognized in the journal grammar "<cmd> <arg>…".
const (
	CmdPurge       = "purge"
	CmdDowngrade   = "downgrade"
	CmdInstall     = "install"
	CmdUnpack      = "unpack"
	CmdDeconfigure = "deconfigure"
)

// Entry is one parsed journal line.
type Entry struct {
	Command string
	Args    []string
}

func (e Entry) String() string {
	if len(e.Args) == 0 {
		return e.Command
	}
	return e.Command + " " + strings.Join(e.Args, " ")
}

// Executor performs the inverse action named by an Entry. Implementations
// live in the engine package; journal only knows how to read and write
// the log, not how to act on it.
type Executor interface {
	Execute(Entry) error
}

// Journal is an append-only log of rollback instructions backed by a
// single file. Entries are written as the forward transaction proceeds
// and replayed in reverse order if it must be rolled back.
type Journal struct {
	path    string
	file    *os.File
	entries []Entry
}

// Open creates or truncates the journal file at path, ready to record a
// fresh transaction. A prior journal at the same path (left behind by a
// crash) is discarded; recovering from it is the caller's
// responsibility via Recover before calling Open again.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("journal: opening %q: %w", path, err)
	}
	return &Journal{path: path, file: f}, nil
}

// Recover reads a journal file left behind by a prior, possibly crashed,
// session without truncating it, for use by a caller that wants to
// inspect or replay it before starting new work.
func Recover(path string) (*Journal, error) {
	entries, err := readEntries(path)
	if err != nil {
		return nil, err
	}
	return &Journal{path: path, entries: entries}, nil
}

// Exists reports whether a journal file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: opening %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		entries = append(entries, Entry{Command: fields[0], Args: fields[1:]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("journal: reading %q: %w", path, err)
	}
	return entries, nil
}

// Append writes one instruction to the journal and fsyncs it, so that a
// crash immediately after this call still leaves a complete, replayable
// entry on disk.
func (j *Journal) Append(e Entry) error {
	if j.file == nil {
		return fmt.Errorf("journal: not open for writing")
	}
	if _, err := fmt.Fprintln(j.file, e.String()); err != nil {
		return fmt.Errorf("journal: appending %q: %w", e, err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: syncing after append: %w", err)
	}
	j.entries = append(j.entries, e)
	return nil
}

// RecordInstall logs that package name at version version was installed;
// rollback purges it.
func (j *Journal) RecordInstall(name, version string) error {
	return j.Append(Entry{Command: CmdPurge, Args: []string{name}})
}

// RecordUpgrade logs that name was upgraded from oldVersion to
// newVersion; rollback downgrades it back to the archived old-version
// package file.
func (j *Journal) RecordUpgrade(name, oldVersion, archivedOldPackage string) error {
	return j.Append(Entry{Command: CmdDowngrade, Args: []string{archivedOldPackage}})
}

// RecordRemoval logs that name at version was removed or purged;
// rollback re-installs (or re-unpacks, if it was never configured) the
// archived package file.
func (j *Journal) RecordRemoval(name string, wasConfigured bool, archivedPackage string) error {
	cmd := CmdUnpack
	if wasConfigured {
		cmd = CmdInstall
	}
	return j.Append(Entry{Command: cmd, Args: []string{archivedPackage}})
}

// RecordConfigure logs that name was configured; rollback deconfigures
// it.
func (j *Journal) RecordConfigure(name string) error {
	return j.Append(Entry{Command: CmdDeconfigure, Args: []string{name}})
}

// Entries returns the instructions recorded so far, in the order they
// were appended.
func (j *Journal) Entries() []Entry {
	return append([]Entry(nil), j.entries...)
}

// Replay executes every recorded entry in reverse order (the most recent
// forward action is undone first) via exec, stopping at the first error.
func (j *Journal) Replay(exec Executor) error {
	for i := len(j.entries) - 1; i >= 0; i-- {
		if err := exec.Execute(j.entries[i]); err != nil {
			return fmt.Errorf("journal: replaying %q: %w", j.entries[i], err)
		}
	}
	return nil
}

// Discard closes and removes the journal file, marking the transaction
// as having completed successfully with no rollback needed.
func (j *Journal) Discard() error {
	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("journal: closing %q: %w", j.path, err)
		}
		j.file = nil
	}
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("journal: removing %q: %w", j.path, err)
	}
	return nil
}

// Close closes the underlying file without removing it, leaving the
// journal on disk for a later Recover call.
func (j *Journal) Close() error {
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
