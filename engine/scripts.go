// SPDX-License-Identifier: GPL-3.0-or-later

package engine

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/m2osw/wpkg-go/database"
)

// Maintenance script names, per spec.md §6.
const (
	ScriptPreinst  = "preinst"
	ScriptPostinst = "postinst"
	ScriptPrerm    = "prerm"
	ScriptPostrm   = "postrm"
)

// ScriptRunner executes a maintenance script or a global hook of the same
// name, awaiting its exit status synchronously (spec.md §5's "no
// operation suspends except ... invocation of external maintenance
// scripts"). Swapped out in tests for one that records calls instead of
// forking processes.
type ScriptRunner interface {
	RunPackageScript(db *database.Database, pkg, script string, args ...string) error
	RunHook(db *database.Database, script string, args ...string) error
}

// ExecRunner is the production ScriptRunner: it execs the script file
// installed in the package's or core's record directory.
type ExecRunner struct {
	Log logrus.FieldLogger
}

func (r ExecRunner) log() logrus.FieldLogger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}

func (r ExecRunner) RunPackageScript(db *database.Database, pkg, script string, args ...string) error {
	content, err := db.Script(pkg, script)
	if err != nil {
		return fmt.Errorf("reading %s script for %q: %w", script, pkg, err)
	}
	if content == nil {
		return nil
	}
	return r.run(db.Root()+"/"+pkg+"/"+script, script, args, pkg)
}

func (r ExecRunner) RunHook(db *database.Database, script string, args ...string) error {
	content, err := db.Hook(script)
	if err != nil {
		return fmt.Errorf("reading hook %q: %w", script, err)
	}
	if content == nil {
		return nil
	}
	return r.run(db.Root()+"/core/hooks/"+script, script, args, "core")
}

func (r ExecRunner) run(path, script string, args []string, pkg string) error {
	cmd := exec.Command(path, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	r.log().WithFields(logrus.Fields{"package": pkg, "script": script, "args": args}).Debug("running maintenance script")
	if err := cmd.Run(); err != nil {
		return &ScriptError{Package: pkg, Script: script, Args: args, Cause: err}
	}
	return nil
}

// ScriptError reports that a maintenance script exited non-zero, the
// "script" error kind from spec.md §7.
type ScriptError struct {
	Package string
	Script  string
	Args    []string
	Cause   error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s script for package %q (args %v) failed: %v", e.Script, e.Package, e.Args, e.Cause)
}

func (e *ScriptError) Unwrap() error { return e.Cause }
