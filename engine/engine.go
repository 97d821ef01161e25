// SPDX-License-Identifier: GPL-3.0-or-later

// Package engine applies a validated plan: it runs maintenance scripts,
// unpacks and deletes files, resolves conffiles, and drives per-package
// status transitions, per spec.md §4.H.
package engine

import (
	"archive/tar"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	wpkgarchive "github.com/m2osw/wpkg-go/archive"
	"github.com/m2osw/wpkg-go/control"
	"github.com/m2osw/wpkg-go/database"
	"github.com/m2osw/wpkg-go/diag"
	"github.com/m2osw/wpkg-go/journal"
	"github.com/m2osw/wpkg-go/plan"
	"github.com/m2osw/wpkg-go/vault"
)

// installControlMetadata materializes a package's control stanza,
// conffiles list, and maintenance scripts into its database record, from
// the members of the package's control.tar, before any script is run.
func (e *Engine) installControlMetadata(name string, pkg *wpkgarchive.Package) error {
	controlEntry, ok := wpkgarchive.Find(pkg.Control, "control")
	if !ok {
		return fmt.Errorf("package has no control member")
	}
	stanza, err := control.ParseOne(bytes.NewReader(controlEntry.Content))
	if err != nil {
		return fmt.Errorf("parsing control member: %w", err)
	}
	for _, field := range stanza.Fields() {
		value, _ := stanza.GetField(field)
		if err := e.DB.WriteField(name, field, value); err != nil {
			return err
		}
	}

	if conffilesEntry, ok := wpkgarchive.Find(pkg.Control, "conffiles"); ok {
		var conffiles []string
		for _, line := range strings.Split(string(conffilesEntry.Content), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				conffiles = append(conffiles, line)
			}
		}
		if err := e.DB.WriteConffiles(name, conffiles); err != nil {
			return err
		}
	}

	for _, script := range []string{ScriptPreinst, ScriptPostinst, ScriptPrerm, ScriptPostrm} {
		entry, ok := wpkgarchive.Find(pkg.Control, script)
		if !ok {
			continue
		}
		if err := e.DB.WriteScript(name, script, entry.Content); err != nil {
			return err
		}
	}
	return nil
}

// Engine ties the database, journal, backup vault and script runner
// together to apply one plan item at a time.
type Engine struct {
	DB      *database.Database
	Journal *journal.Journal
	Runner  ScriptRunner
	Log     logrus.FieldLogger
	Force   plan.ForceFlags
}

// New returns an Engine with a production ExecRunner and a logrus
// fallback logger if log is nil.
func New(db *database.Database, j *journal.Journal, log logrus.FieldLogger, force plan.ForceFlags) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{DB: db, Journal: j, Runner: ExecRunner{Log: log}, Log: log, Force: force}
}

func (e *Engine) vault() *vault.Vault {
	return vault.New(filepath.Join(e.DB.Root(), "tmp", "backup"), e.Log)
}

func (e *Engine) journalAppend(entry journal.Entry) {
	if e.Journal == nil {
		return
	}
	if err := e.Journal.Append(entry); err != nil {
		e.Log.WithError(err).Warn("failed to append journal entry")
	}
}

// Unpack implements the procedure of spec.md §4.H for one explicit or
// implicit item. upgradeName is the name of the currently-installed
// instance being replaced, or "" for a fresh install.
func (e *Engine) Unpack(pkg *wpkgarchive.Package, name, newVersion, upgradeName, oldVersion, instRoot string) diag.Result {
	var result diag.Result

	var oldStatus database.Status
	upgrading := upgradeName != ""
	if upgrading {
		rec, err := e.DB.ReadRecord(upgradeName)
		if err != nil {
			result.Addf(diag.SeverityFatal, name, "reading upgrade target %q: %v", upgradeName, err)
			return result
		}
		oldStatus = rec.Status

		if oldStatus == database.StatusInstalled {
			if err := e.Runner.RunPackageScript(e.DB, upgradeName, ScriptPrerm, "upgrade", newVersion); err != nil {
				if err2 := e.Runner.RunPackageScript(e.DB, name, ScriptPrerm, "failed-upgrade", oldVersion); err2 != nil {
					_ = e.Runner.RunPackageScript(e.DB, upgradeName, ScriptPostinst, "abort-upgrade", newVersion)
					result.Addf(diag.SeverityFatal, name, "upgrade aborted: %v (recovery also failed: %v)", err, err2)
					return result
				}
			}
		}
	}

	if !upgrading {
		if err := e.DB.CreateRecord(name); err != nil {
			result.Addf(diag.SeverityFatal, name, "creating record: %v", err)
			return result
		}
	} else {
		if err := e.DB.SetStatus(name, database.StatusHalfInstalled, "install"); err != nil {
			result.Addf(diag.SeverityFatal, name, "setting status: %v", err)
			return result
		}
	}

	if err := e.installControlMetadata(name, pkg); err != nil {
		result.Addf(diag.SeverityFatal, name, "installing control metadata: %v", err)
		return result
	}

	preinstArgs := []string{"install"}
	if upgrading {
		preinstArgs = []string{"upgrade", oldVersion}
	}
	if err := e.Runner.RunPackageScript(e.DB, name, ScriptPreinst, preinstArgs...); err != nil {
		recoveryArgs := []string{"abort-install"}
		restoreStatus := database.StatusNotInstalled
		if upgrading {
			recoveryArgs = []string{"abort-upgrade", oldVersion}
			restoreStatus = oldStatus
		}
		_ = e.Runner.RunPackageScript(e.DB, name, ScriptPostrm, recoveryArgs...)
		_ = e.DB.SetStatus(name, restoreStatus, "")
		result.Addf(diag.SeverityFatal, name, "preinst failed: %v", err)
		return result
	}

	v := e.vault()
	defer v.Close()
	var installedFiles []database.FileEntry
	md5sums := make(map[string]string)
	for _, entry := range pkg.Data {
		targetPath := filepath.Join(instRoot, entry.Name)

		isConf, err := e.isConffile(name, entry.Name)
		if err != nil {
			result.Add(diag.SeverityWarning, name, err)
		}

		switch entry.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(entry.Mode)); err != nil {
				sev := diag.SeverityWarning
				if !e.Force.FileInfo {
					sev = diag.SeverityError
				}
				result.Addf(sev, name, "creating directory %q: %v", targetPath, err)
			}
		case tar.TypeSymlink:
			if _, err := v.Backup(targetPath); err != nil {
				result.Add(diag.SeverityWarning, name, err)
			}
			os.Remove(targetPath)
			if err := os.Symlink(entry.Linkname, targetPath); err != nil {
				result.Addf(diag.SeverityError, name, "creating symlink %q: %v", targetPath, err)
			}
		case tar.TypeReg, 0:
			writePath := targetPath
			if isConf {
				writePath = targetPath + ".wpkg-new"
			} else {
				if _, err := v.Backup(targetPath); err != nil {
					result.Add(diag.SeverityWarning, name, err)
				}
			}
			if err := writeFile(writePath, entry.Content, os.FileMode(entry.Mode)); err != nil {
				result.Addf(diag.SeverityError, name, "writing %q: %v", writePath, err)
				continue
			}
			sum := md5.Sum(entry.Content)
			installedFiles = append(installedFiles, database.FileEntry{
				Path: entry.Name, Mode: os.FileMode(entry.Mode), Size: int64(len(entry.Content)),
			})
			md5sums[entry.Name] = hex.EncodeToString(sum[:])
		default:
			result.Addf(diag.SeverityWarning, name, "skipping unsupported entry type for %q", entry.Name)
		}
	}

	if upgrading {
		oldFiles, err := e.DB.EnumerateFiles(upgradeName)
		if err != nil {
			result.Add(diag.SeverityWarning, name, err)
		}
		newOwned := make(map[string]bool, len(installedFiles))
		for _, f := range installedFiles {
			newOwned[f.Path] = true
		}
		for _, f := range oldFiles {
			if newOwned[f.Path] {
				continue
			}
			isConf, _ := e.isConffile(upgradeName, f.Path)
			if isConf {
				continue
			}
			os.Remove(filepath.Join(instRoot, f.Path))
		}
		if err := e.Runner.RunPackageScript(e.DB, upgradeName, ScriptPostrm, "upgrade", newVersion); err != nil {
			result.Add(diag.SeverityWarning, upgradeName, err)
		}
		if err := e.Runner.RunHook(e.DB, ScriptPostrm, "upgrade"); err != nil {
			result.Add(diag.SeverityWarning, name, err)
		}
	}

	if result.OK() {
		v.Commit()
	}
	if upgrading {
		if err := e.DB.RotateMD5SumsForUpgrade(name); err != nil {
			result.Add(diag.SeverityWarning, name, err)
		}
	}
	if err := e.DB.InstallFileIndex(name, installedFiles); err != nil {
		result.Add(diag.SeverityError, name, err)
	}
	if err := e.DB.WriteMD5Sums(name, md5sums); err != nil {
		result.Add(diag.SeverityError, name, err)
	}
	if err := e.DB.SetStatus(name, database.StatusUnpacked, "install"); err != nil {
		result.Add(diag.SeverityError, name, err)
	}

	if upgrading {
		// Args carries the replaced package's bare name, not an archive
		// reference: this engine keeps no package cache, so the exact
		// archive the prior version was unpacked from is no longer
		// available once this upgrade has proceeded. Replaying this
		// entry therefore cannot actually restore the old version;
		// rollback.go's Execute recognizes CmdDowngrade and reports this
		// explicitly instead of attempting to open upgradeName as a
		// file. Same limitation as Remove's archivedPackage gap below,
		// not something this call can fix on its own.
		e.journalAppend(journal.Entry{Command: journal.CmdDowngrade, Args: []string{upgradeName}})
	} else {
		e.journalAppend(journal.Entry{Command: journal.CmdPurge, Args: []string{name}})
	}

	return result
}

func writeFile(path string, content []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, content, mode)
}

func (e *Engine) isConffile(pkg, relPath string) (bool, error) {
	conffiles, err := e.DB.Conffiles(pkg)
	if err != nil {
		return false, fmt.Errorf("loading conffiles for %q: %w", pkg, err)
	}
	for _, c := range conffiles {
		if c == relPath {
			return true, nil
		}
	}
	return false, nil
}

// Configure implements the Configure procedure of spec.md §4.H for a
// package currently Unpacked.
func (e *Engine) Configure(name, newVersion, instRoot string) diag.Result {
	var result diag.Result

	rec, err := e.DB.ReadRecord(name)
	if err != nil {
		result.Addf(diag.SeverityFatal, name, "reading record: %v", err)
		return result
	}

	for _, conf := range rec.Conffiles {
		path := filepath.Join(instRoot, conf)
		newPath := path + ".wpkg-new"
		if _, err := os.Stat(newPath); os.IsNotExist(err) {
			continue
		}

		_, statErr := os.Stat(path)
		switch {
		case os.IsNotExist(statErr):
			if err := os.Rename(newPath, path); err != nil {
				result.Addf(diag.SeverityError, name, "installing conffile %q: %v", conf, err)
			}
		case statErr == nil:
			oldSum, hadOld := rec.OldMD5Sums[conf]
			currentSum, err := md5OfFile(path)
			if err != nil {
				result.Add(diag.SeverityWarning, name, err)
				continue
			}
			if hadOld && currentSum == oldSum {
				if err := os.Rename(path, path+".wpkg-old"); err != nil {
					result.Addf(diag.SeverityWarning, name, "archiving old conffile %q: %v", conf, err)
				}
				if err := os.Rename(newPath, path); err != nil {
					result.Addf(diag.SeverityError, name, "installing conffile %q: %v", conf, err)
				}
			}
			// else: locally modified, leave path alone and leave .wpkg-new beside it.
		default:
			result.Add(diag.SeverityWarning, name, statErr)
		}
	}

	if err := e.Runner.RunPackageScript(e.DB, name, ScriptPostinst, "configure", newVersion); err != nil {
		result.Add(diag.SeverityError, name, err)
	}
	if err := e.Runner.RunHook(e.DB, ScriptPostinst, "configure"); err != nil {
		result.Add(diag.SeverityWarning, name, err)
	}

	if result.OK() {
		if err := e.DB.SetStatus(name, database.StatusInstalled, "install"); err != nil {
			result.Add(diag.SeverityError, name, err)
		}
		e.journalAppend(journal.Entry{Command: journal.CmdDeconfigure, Args: []string{name}})
	}
	return result
}

// Reconfigure implements the Reconfigure procedure of spec.md §4.H: a
// miniature re-extract of pkg's conffiles as ".wpkg-new" siblings so the
// standard conffile resolution path runs again, followed by the normal
// Configure procedure.
func (e *Engine) Reconfigure(pkg *wpkgarchive.Package, name, newVersion, instRoot string) diag.Result {
	var result diag.Result

	conffiles, err := e.DB.Conffiles(name)
	if err != nil {
		result.Addf(diag.SeverityFatal, name, "reading conffiles: %v", err)
		return result
	}

	for _, conf := range conffiles {
		entry, ok := wpkgarchive.Find(pkg.Data, conf)
		if !ok {
			continue
		}
		newPath := filepath.Join(instRoot, conf) + ".wpkg-new"
		if err := writeFile(newPath, entry.Content, os.FileMode(entry.Mode)); err != nil {
			result.Addf(diag.SeverityError, name, "re-extracting conffile %q: %v", conf, err)
		}
	}
	if !result.OK() {
		return result
	}

	return e.Configure(name, newVersion, instRoot)
}

func md5OfFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// Remove implements the Remove procedure of spec.md §4.H. deconfiguring
// selects the "prerm deconfigure" variant instead of "prerm remove".
func (e *Engine) Remove(name string, purge, deconfiguring bool, instRoot, archivedPackage string) diag.Result {
	var result diag.Result

	rec, err := e.DB.ReadRecord(name)
	if err != nil {
		result.Addf(diag.SeverityFatal, name, "reading record: %v", err)
		return result
	}
	wasConfigured := rec.Status == database.StatusInstalled

	if err := e.DB.SetStatus(name, database.StatusRemoving, ""); err != nil {
		result.Add(diag.SeverityError, name, err)
	}

	prermArg := "remove"
	if deconfiguring {
		prermArg = "deconfigure"
	}
	if err := e.Runner.RunPackageScript(e.DB, name, ScriptPrerm, prermArg); err != nil {
		_ = e.Runner.RunPackageScript(e.DB, name, ScriptPostinst, "abort-remove")
		result.Addf(diag.SeverityFatal, name, "prerm failed: %v", err)
		return result
	}

	v := e.vault()
	defer v.Close()
	for _, f := range rec.Files {
		isConf, _ := e.isConffile(name, f.Path)
		if isConf && !purge {
			continue
		}
		path := filepath.Join(instRoot, f.Path)
		if isConf && purge {
			// Unpack never tracks these sidecars in the file index (they
			// are written beside, not over, the conffile), so they would
			// otherwise survive a purge indefinitely.
			for _, sidecar := range []string{path + ".wpkg-new", path + ".wpkg-old"} {
				if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
					result.Addf(diag.SeverityWarning, name, "removing %q: %v", sidecar, err)
				}
			}
		}
		info, statErr := os.Lstat(path)
		if statErr == nil && info.IsDir() {
			continue
		}
		if _, err := v.Backup(path); err != nil {
			result.Add(diag.SeverityWarning, name, err)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result.Addf(diag.SeverityWarning, name, "removing %q: %v", path, err)
		}
	}
	if result.OK() {
		v.Commit()
	}

	postrmArg := "remove"
	if purge {
		postrmArg = "purge"
	}
	if err := e.Runner.RunPackageScript(e.DB, name, ScriptPostrm, postrmArg); err != nil {
		result.Add(diag.SeverityWarning, name, err)
	}
	if err := e.Runner.RunHook(e.DB, ScriptPostrm, postrmArg); err != nil {
		result.Add(diag.SeverityWarning, name, err)
	}

	finalStatus := database.StatusConfigFiles
	if !wasConfigured || purge {
		finalStatus = database.StatusNotInstalled
	}
	if err := e.DB.SetStatus(name, finalStatus, ""); err != nil {
		result.Add(diag.SeverityError, name, err)
	}

	e.journalAppend(journal.Entry{Command: journalRemovalCommand(wasConfigured), Args: []string{archivedPackage}})
	return result
}

func journalRemovalCommand(wasConfigured bool) string {
	if wasConfigured {
		return journal.CmdInstall
	}
	return journal.CmdUnpack
}

// Deconfigure implements the Deconfigure/purge procedure of spec.md
// §4.H: delete conffiles (purge) or rename them aside with ".wpkg-user"
// (deconfigure without purge), then set the status to Unpacked
// (deconfigure) or Not-Installed (purge).
func (e *Engine) Deconfigure(name string, purge bool, instRoot string) diag.Result {
	var result diag.Result

	conffiles, err := e.DB.Conffiles(name)
	if err != nil {
		result.Addf(diag.SeverityFatal, name, "reading conffiles: %v", err)
		return result
	}

	for _, conf := range conffiles {
		path := filepath.Join(instRoot, conf)
		if purge {
			for _, p := range []string{path, path + ".wpkg-new", path + ".wpkg-old"} {
				if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
					result.Add(diag.SeverityWarning, name, err)
				}
			}
			continue
		}
		if err := os.Rename(path, path+".wpkg-user"); err != nil && !os.IsNotExist(err) {
			result.Add(diag.SeverityWarning, name, err)
		}
	}

	arg := "deconfigure"
	if purge {
		arg = "purge"
	}
	if err := e.Runner.RunPackageScript(e.DB, name, ScriptPostrm, arg); err != nil {
		result.Add(diag.SeverityWarning, name, err)
	}

	status := database.StatusNotInstalled
	if !purge {
		status = database.StatusUnpacked
	}
	if err := e.DB.SetStatus(name, status, ""); err != nil {
		result.Add(diag.SeverityError, name, err)
	}
	return result
}
