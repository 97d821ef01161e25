// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/m2osw/wpkg-go/database"
	"github.com/m2osw/wpkg-go/engine"
	"github.com/m2osw/wpkg-go/journal"
	"github.com/m2osw/wpkg-go/plan"
)

// rollbackExecutor undoes one journal entry by driving the engine's
// inverse operation, implementing journal.Executor for Journal.Replay.
type rollbackExecutor struct {
	eng      *engine.Engine
	loader   *fileArchiveLoader
	instRoot string
}

func newRollbackExecutor(eng *engine.Engine, instRoot string, loader *fileArchiveLoader) *rollbackExecutor {
	return &rollbackExecutor{eng: eng, loader: loader, instRoot: instRoot}
}

// Execute implements journal.Executor.
func (r *rollbackExecutor) Execute(e journal.Entry) error {
	if len(e.Args) == 0 {
		return fmt.Errorf("journal entry %q missing an argument", e.Command)
	}
	switch e.Command {
	case journal.CmdPurge:
		return r.eng.Remove(e.Args[0], true, false, r.instRoot, "").Err()
	case journal.CmdDeconfigure:
		return r.eng.Deconfigure(e.Args[0], false, r.instRoot).Err()
	case journal.CmdDowngrade:
		// engine.Unpack records the replaced package's bare name here,
		// not an archive reference: this installer keeps no package
		// cache, so the exact archive the prior version came from is no
		// longer available once the upgrade has proceeded. Report the
		// gap plainly instead of failing with a misleading "no such
		// file" from treating the name as a path.
		return fmt.Errorf("cannot roll back upgrade of %q: the replaced version's archive was not retained, reinstall it manually", e.Args[0])
	case journal.CmdInstall, journal.CmdUnpack:
		return r.reinstall(e)
	default:
		return fmt.Errorf("unrecognized journal command %q", e.Command)
	}
}

// reinstall handles the journal commands whose argument is an archived
// package file rather than a bare package name: install and unpack
// restore a package that Remove deleted.
func (r *rollbackExecutor) reinstall(e journal.Entry) error {
	ref := e.Args[0]
	if ref == "" {
		return fmt.Errorf("cannot roll back %s entry: missing archive reference", e.Command)
	}
	pkg, err := r.loader.loadPackage(ref)
	if err != nil {
		return err
	}
	stanza, err := r.loader.LoadControl(ref)
	if err != nil {
		return err
	}
	name, _ := stanza.GetField("Package")
	newVersion, _ := stanza.GetField("Version")

	if res := r.eng.Unpack(pkg, name, newVersion, "", "", r.instRoot); !res.OK() {
		return res.Err()
	}
	if e.Command == journal.CmdInstall {
		if res := r.eng.Configure(name, newVersion, r.instRoot); !res.OK() {
			return res.Err()
		}
	}
	return nil
}

// doRollback replays and discards a journal left behind by an interrupted
// transaction, per spec.md §4.J.
func doRollback(db *database.Database, log logrus.FieldLogger, instRoot, journalPath string) error {
	if !journal.Exists(journalPath) {
		fmt.Println("no interrupted transaction found")
		return nil
	}
	j, err := journal.Recover(journalPath)
	if err != nil {
		return err
	}
	eng := engine.New(db, nil, log, plan.ForceFlags{Rollback: true})
	loader := newFileArchiveLoader()
	if err := j.Replay(newRollbackExecutor(eng, instRoot, loader)); err != nil {
		return err
	}
	return j.Discard()
}
