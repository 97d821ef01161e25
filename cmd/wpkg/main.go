// SPDX-License-Identifier: GPL-3.0-or-later

// Command wpkg is the installer core's CLI front end: a thin wrapper that
// loads configuration, builds an install.Planner or remove.Planner from
// its arguments, and drives the engine through the resulting plan.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/ogier/pflag"
	"github.com/sirupsen/logrus"

	"github.com/m2osw/wpkg-go/arch"
	"github.com/m2osw/wpkg-go/config"
	"github.com/m2osw/wpkg-go/database"
	"github.com/m2osw/wpkg-go/diag"
	"github.com/m2osw/wpkg-go/engine"
	"github.com/m2osw/wpkg-go/install"
	"github.com/m2osw/wpkg-go/journal"
	"github.com/m2osw/wpkg-go/logging"
	"github.com/m2osw/wpkg-go/plan"
	"github.com/m2osw/wpkg-go/remove"
)

const versionString = "wpkg 0.1 (github.com/m2osw/wpkg-go)"

type options struct {
	action   string
	operands []string

	configPath string
	database   string
	root       string
	targetArch string

	noAct         bool
	purge         bool
	deconfigure   bool
	recursive     bool
	ignoreDepends bool

	force map[string]bool
}

func main() {
	opts, exit := parseArgs()
	if exit {
		return
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		showError(err)
		os.Exit(2)
	}
	applyOverrides(&cfg, opts)
	opts.force = cfg.Force

	log := logging.New(logging.Options{
		Level:   parseLevel(cfg.LogLevel),
		Output:  os.Stderr,
		JSON:    cfg.LogJSON,
		LogFile: cfg.LogFile,
	})

	instRoot := opts.root
	if instRoot == "" {
		instRoot = "/"
	}

	db, err := database.Open(cfg.Database, instRoot)
	if err != nil {
		showError(fmt.Errorf("opening database %q: %w", cfg.Database, err))
		os.Exit(2)
	}
	defer db.Close()

	journalPath := filepath.Join(cfg.Database, "journal.log")
	if opts.action != "rollback" && journal.Exists(journalPath) {
		showError(fmt.Errorf("an interrupted transaction left a journal at %s; run `wpkg rollback` first", journalPath))
		os.Exit(2)
	}

	if err := run(opts, db, log.FieldLogger(), instRoot, journalPath); err != nil {
		showError(err)
		os.Exit(1)
	}
}

func applyOverrides(cfg *config.Config, opts options) {
	if opts.database != "" {
		cfg.Database = opts.database
	}
	for name, value := range opts.force {
		cfg.Force[name] = value
	}
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warning", "warn":
		return logging.LevelWarning
	case "error":
		return logging.LevelError
	case "fatal":
		return logging.LevelFatal
	default:
		return logging.LevelInfo
	}
}

func run(opts options, db *database.Database, log logrus.FieldLogger, instRoot, journalPath string) error {
	switch opts.action {
	case "rollback":
		return doRollback(db, log, instRoot, journalPath)
	case "install", "unpack", "configure":
		return doInstall(opts, db, log, instRoot, journalPath)
	case "reconfigure":
		return doReconfigure(opts, db, log, instRoot, journalPath)
	case "remove", "purge":
		return doRemove(opts, db, log, instRoot, journalPath)
	case "autoremove":
		return doAutoremove(opts, db)
	default:
		return fmt.Errorf("unrecognized command %q", opts.action)
	}
}

func doInstall(opts options, db *database.Database, log logrus.FieldLogger, instRoot, journalPath string) error {
	target := arch.MustParse("any")
	if opts.targetArch != "" {
		t, err := arch.Parse(opts.targetArch)
		if err != nil {
			return err
		}
		target = t
	}

	loader := newFileArchiveLoader()
	planner := install.New(db, target, loader)

	mode := plan.ModeInstalling
	switch opts.action {
	case "unpack":
		mode = plan.ModeUnpacking
	case "configure":
		mode = plan.ModeConfiguring
	}
	planner.SetMode(mode)
	for name, value := range opts.force {
		planner.SetForce(name, value)
	}
	for _, ref := range opts.operands {
		planner.AddPackage(ref)
	}

	result := planner.Validate()
	logDiagnostics(log, result)
	if err := result.Err(); err != nil {
		return err
	}

	if opts.noAct {
		for _, entry := range planner.InstallList() {
			fmt.Printf("would install %s %s\n", entry.Name, entry.Version)
		}
		return nil
	}

	j, err := journal.Open(journalPath)
	if err != nil {
		return err
	}

	var force plan.ForceFlags
	for name, value := range opts.force {
		setForceFlag(&force, name, value)
	}
	eng := engine.New(db, j, log, force)

	var failure error
	for {
		step := planner.Step()
		if step.EndOfPlan {
			break
		}
		if step.Err != nil {
			failure = step.Err
			break
		}
		if err := applyInstallStep(eng, log, planner, step.Index, mode, instRoot, loader); err != nil {
			failure = err
			break
		}
	}

	if failure != nil {
		rollbackErr := j.Replay(newRollbackExecutor(eng, instRoot, loader))
		j.Close()
		if rollbackErr != nil {
			return fmt.Errorf("%v (rollback also failed: %v)", failure, rollbackErr)
		}
		return failure
	}
	return j.Discard()
}

func applyInstallStep(eng *engine.Engine, log logrus.FieldLogger, planner *install.Planner, idx int, mode plan.Mode, instRoot string, loader *fileArchiveLoader) error {
	item := planner.Item(idx)
	if item.Origin != plan.OriginExplicit && item.Origin != plan.OriginAvailable {
		return nil
	}

	if mode == plan.ModeConfiguring {
		r := eng.Configure(item.Name, item.Version.String(), instRoot)
		logDiagnostics(log, r)
		return r.Err()
	}

	if item.ArchivePath == "" {
		return fmt.Errorf("%s: resolved from a repository but no local archive was supplied; wpkg does not fetch repository packages itself", item.Name)
	}
	pkg, err := loader.loadPackage(item.ArchivePath)
	if err != nil {
		return err
	}

	upgradeName, oldVersion := "", ""
	if item.UpgradeTargetIndex >= 0 {
		old := planner.Item(item.UpgradeTargetIndex)
		upgradeName, oldVersion = old.Name, old.Version.String()
	}

	r := eng.Unpack(pkg, item.Name, item.Version.String(), upgradeName, oldVersion, instRoot)
	logDiagnostics(log, r)
	if err := r.Err(); err != nil {
		return err
	}

	if mode == plan.ModeInstalling {
		r := eng.Configure(item.Name, item.Version.String(), instRoot)
		logDiagnostics(log, r)
		return r.Err()
	}
	return nil
}

// doReconfigure drives a ModeReconfiguring session: each operand is an
// archive reference identifying an already-Installed package, re-extracted
// only for its conffiles before the normal Configure procedure runs again,
// per spec.md §4.H.
func doReconfigure(opts options, db *database.Database, log logrus.FieldLogger, instRoot, journalPath string) error {
	target := arch.MustParse("any")
	if opts.targetArch != "" {
		t, err := arch.Parse(opts.targetArch)
		if err != nil {
			return err
		}
		target = t
	}

	loader := newFileArchiveLoader()
	planner := install.New(db, target, loader)
	planner.SetMode(plan.ModeReconfiguring)
	for name, value := range opts.force {
		planner.SetForce(name, value)
	}
	for _, ref := range opts.operands {
		planner.AddPackage(ref)
	}

	result := planner.Validate()
	logDiagnostics(log, result)
	if err := result.Err(); err != nil {
		return err
	}

	if opts.noAct {
		for _, entry := range planner.InstallList() {
			fmt.Printf("would reconfigure %s %s\n", entry.Name, entry.Version)
		}
		return nil
	}

	j, err := journal.Open(journalPath)
	if err != nil {
		return err
	}

	var force plan.ForceFlags
	for name, value := range opts.force {
		setForceFlag(&force, name, value)
	}
	eng := engine.New(db, j, log, force)

	var failure error
	for {
		step := planner.Reconfigure()
		if step.EndOfPlan {
			break
		}
		if step.Err != nil {
			failure = step.Err
			break
		}
		item := planner.Item(step.Index)
		pkg, err := loader.loadPackage(item.ArchivePath)
		if err != nil {
			failure = err
			break
		}
		r := eng.Reconfigure(pkg, item.Name, item.Version.String(), instRoot)
		logDiagnostics(log, r)
		if err := r.Err(); err != nil {
			failure = err
			break
		}
	}

	if failure != nil {
		rollbackErr := j.Replay(newRollbackExecutor(eng, instRoot, loader))
		j.Close()
		if rollbackErr != nil {
			return fmt.Errorf("%v (rollback also failed: %v)", failure, rollbackErr)
		}
		return failure
	}
	return j.Discard()
}

func doRemove(opts options, db *database.Database, log logrus.FieldLogger, instRoot, journalPath string) error {
	planner := remove.New(db)
	for _, name := range opts.operands {
		planner.AddPackage(name)
	}
	if opts.action == "purge" || opts.purge {
		planner.SetPurge()
	}
	if opts.deconfigure {
		planner.SetDeconfigure()
	}
	switch {
	case opts.recursive:
		planner.SetReverseMode(remove.ReverseModeRecursive)
	case opts.ignoreDepends:
		planner.SetReverseMode(remove.ReverseModeIgnore)
	}
	for name, value := range opts.force {
		planner.SetForce(name, value)
	}

	result := planner.Validate()
	logDiagnostics(log, result)
	if err := result.Err(); err != nil {
		return err
	}

	if opts.noAct {
		for _, name := range planner.RemoveList() {
			fmt.Printf("would remove %s\n", name)
		}
		return nil
	}

	j, err := journal.Open(journalPath)
	if err != nil {
		return err
	}

	var force plan.ForceFlags
	for name, value := range opts.force {
		setForceFlag(&force, name, value)
	}
	eng := engine.New(db, j, log, force)

	var failure error
	for {
		step := planner.Step()
		if step.EndOfPlan {
			break
		}
		item := planner.Item(step.Index)
		var r diag.Result
		if planner.Deconfigure() {
			r = eng.Deconfigure(item.Name, planner.Purge(), instRoot)
		} else {
			r = eng.Remove(item.Name, planner.Purge(), false, instRoot, "")
		}
		logDiagnostics(log, r)
		if err := r.Err(); err != nil {
			failure = err
			break
		}
	}

	if failure != nil {
		rollbackErr := j.Replay(newRollbackExecutor(eng, instRoot, newFileArchiveLoader()))
		j.Close()
		if rollbackErr != nil {
			return fmt.Errorf("%v (rollback also failed: %v)", failure, rollbackErr)
		}
		return failure
	}
	return j.Discard()
}

func doAutoremove(opts options, db *database.Database) error {
	removed, err := remove.Autoremove(db, opts.noAct)
	if err != nil {
		return err
	}
	verb := "removed"
	if opts.noAct {
		verb = "would remove"
	}
	for _, name := range removed {
		fmt.Printf("%s %s\n", verb, name)
	}
	return nil
}

func logDiagnostics(log logrus.FieldLogger, result diag.Result) {
	for _, d := range result.Diagnostics {
		entry := log.WithField("package", d.Package)
		switch d.Severity {
		case diag.SeverityInfo:
			entry.Info(d.Message)
		case diag.SeverityWarning:
			entry.Warn(d.Message)
		default:
			entry.Error(d.Message)
		}
	}
}

// setForceFlag maps a named force flag, accepted from either --force on
// the command line or the "force" map in the configuration file, onto the
// engine's plan.ForceFlags.
func setForceFlag(f *plan.ForceFlags, name string, value bool) {
	switch name {
	case "architecture":
		f.Architecture = value
	case "breaks":
		f.Breaks = value
	case "configure-any":
		f.ConfigureAny = value
	case "conflicts":
		f.Conflicts = value
	case "depends":
		f.Depends = value
	case "depends-broken":
		f.DependsBroken = value
	case "depends-version":
		f.DependsVersion = value
	case "distribution":
		f.Distribution = value
	case "downgrade":
		f.Downgrade = value
	case "file-info":
		f.FileInfo = value
	case "hold":
		f.Hold = value
	case "overwrite":
		f.Overwrite = value
	case "overwrite-dir":
		f.OverwriteDir = value
	case "rollback":
		f.Rollback = value
	case "upgrade-any-version":
		f.UpgradeAnyVersion = value
	case "vendor":
		f.Vendor = value
	case "remove-essentials":
		f.RemoveEssentials = value
	case "recursive":
		f.Recursive = value
	}
}

// stringListFlag implements pflag.Value so --force can be repeated on the
// command line, accumulating into a slice instead of overwriting.
type stringListFlag struct {
	values *[]string
}

func (f stringListFlag) String() string {
	if f.values == nil {
		return ""
	}
	return fmt.Sprint(*f.values)
}

func (f stringListFlag) Set(s string) error {
	*f.values = append(*f.values, s)
	return nil
}

func (f stringListFlag) Type() string { return "string" }

func parseArgs() (options, bool) {
	opts := options{force: map[string]bool{}}

	fs := flag.NewFlagSet("wpkg", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&opts.configPath, "config", "/etc/wpkg/wpkg.yaml", "path to the administrative configuration file")
	fs.StringVar(&opts.database, "database", "", "override the configured database directory")
	fs.StringVar(&opts.root, "root", "/", "installation root")
	fs.StringVar(&opts.targetArch, "architecture", "", "override the target architecture tuple (cpu-vendor-os)")
	fs.BoolVar(&opts.noAct, "no-act", false, "validate and report without applying any change")
	fs.BoolVar(&opts.purge, "purge", false, "delete conffiles too, equivalent to the purge command")
	fs.BoolVar(&opts.deconfigure, "deconfigure", false, "leave the package Unpacked instead of removing it")
	fs.BoolVar(&opts.recursive, "recursive", false, "remove reverse dependencies instead of failing")
	fs.BoolVar(&opts.ignoreDepends, "ignore-depends", false, "proceed and leave surviving reverse dependencies broken")
	var showVersion bool
	fs.BoolVar(&showVersion, "version", false, "print the version and exit")
	var forceNames []string
	fs.Var(stringListFlag{&forceNames}, "force", "force past a named validation check (repeatable)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return opts, true
	}
	if showVersion {
		fmt.Println(versionString)
		return opts, true
	}
	for _, name := range forceNames {
		opts.force[name] = true
	}

	args := fs.Args()
	if len(args) == 0 {
		printHelp()
		os.Exit(1)
	}
	opts.action = args[0]
	opts.operands = args[1:]

	switch opts.action {
	case "install", "unpack", "configure", "reconfigure", "remove", "purge", "autoremove", "rollback":
	default:
		showError(fmt.Errorf("unrecognized command %q", opts.action))
		printHelp()
		os.Exit(1)
	}

	return opts, false
}

func printHelp() {
	program := os.Args[0]
	fmt.Printf("Usage: %s [options] <command> [operands...]\n\nCommands:\n", program)
	fmt.Println("  install <archive...>    unpack and configure one or more package archives")
	fmt.Println("  unpack <archive...>     unpack one or more package archives without configuring")
	fmt.Println("  configure <name...>     configure previously unpacked packages")
	fmt.Println("  reconfigure <archive...> re-extract conffiles and reconfigure installed packages")
	fmt.Println("  remove <name...>        remove installed packages, leaving conffiles behind")
	fmt.Println("  purge <name...>         remove installed packages and their conffiles")
	fmt.Println("  autoremove              remove auto-selected packages with no remaining dependent")
	fmt.Println("  rollback                replay and discard a journal left by an interrupted transaction")
	fmt.Println("\nOptions:")
	fmt.Println("  --config <path>         administrative configuration file (default /etc/wpkg/wpkg.yaml)")
	fmt.Println("  --database <path>       override the configured database directory")
	fmt.Println("  --root <path>           installation root (default /)")
	fmt.Println("  --architecture <tuple>  override the target architecture tuple")
	fmt.Println("  --no-act                validate and report without applying any change")
	fmt.Println("  --force <name>          force past a named validation check, repeatable")
	fmt.Println("  --recursive             remove (command) reverse dependencies instead of failing")
	fmt.Println("  --ignore-depends        remove (command) despite surviving reverse dependencies")
	fmt.Println("  --deconfigure           remove (command) leaves the package Unpacked")
	fmt.Println("  --version               print the version and exit")
}

func showError(err error) {
	fmt.Fprintf(os.Stderr, "\x1b[31m\x1b[1m!!\x1b[0m %s\n", err.Error())
}
