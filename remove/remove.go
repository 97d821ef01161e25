// SPDX-License-Identifier: GPL-3.0-or-later

// Package remove implements the remove planner of spec.md §4.G: it
// resolves a set of installed package names against the current database,
// enforces essential/required/hold protections, and walks the
// reverse-dependency graph to decide what a removal would break.
package remove

import (
	"fmt"

	"github.com/m2osw/wpkg-go/database"
	"github.com/m2osw/wpkg-go/depends"
	"github.com/m2osw/wpkg-go/diag"
	"github.com/m2osw/wpkg-go/plan"
)

// ReverseMode selects how the planner reacts to an installed package that
// still depends on one being removed.
type ReverseMode int

const (
	// ReverseModeFail refuses the removal and reports an error.
	ReverseModeFail ReverseMode = iota
	// ReverseModeRecursive removes the dependent as well.
	ReverseModeRecursive
	// ReverseModeIgnore proceeds and leaves the dependent broken.
	ReverseModeIgnore
)

// Planner is the remove planner. Construct with New.
type Planner struct {
	db          *database.Database
	names       []string
	purge       bool
	deconfigure bool
	force       plan.ForceFlags
	reverseMode ReverseMode

	items  []plan.Item
	sorted []int
	cursor int
}

// New returns a remove planner operating on db.
func New(db *database.Database) *Planner {
	return &Planner{db: db, reverseMode: ReverseModeFail}
}

// AddPackage registers one package name to remove.
func (p *Planner) AddPackage(name string) {
	p.names = append(p.names, name)
}

// SetPurge requests that conffiles and the record itself be deleted too,
// per spec.md §4.H Purge.
func (p *Planner) SetPurge() { p.purge = true }

// SetDeconfigure requests that the package be left Unpacked rather than
// advanced to Config-Files or removed entirely; combined with SetPurge,
// the package's conffiles are deleted and it ends Not-Installed.
func (p *Planner) SetDeconfigure() { p.deconfigure = true }

// SetReverseMode chooses how a surviving reverse dependency is handled.
func (p *Planner) SetReverseMode(m ReverseMode) { p.reverseMode = m }

// SetForce toggles one named force flag.
func (p *Planner) SetForce(name string, value bool) {
	switch name {
	case "remove-essentials":
		p.force.RemoveEssentials = value
	case "depends":
		p.force.DependsBroken = value
	case "recursive":
		p.force.Recursive = value
	case "hold":
		p.force.Hold = value
	}
}

func (p *Planner) demote(forced bool) diag.Severity {
	if forced {
		return diag.SeverityWarning
	}
	return diag.SeverityError
}

// Validate runs the 5-step pipeline of spec.md §4.G.
func (p *Planner) Validate() diag.Result {
	var result diag.Result

	// 1. Reject archive references: a remove operand naming a file path or
	// containing a path separator was never an installed package name.
	for _, name := range p.names {
		if err := rejectArchiveReference(name); err != nil {
			result.Addf(diag.SeverityFatal, name, "%v", err)
		}
	}
	if result.HasFatal() {
		return result
	}

	// 2. Resolve names against the installed set.
	p.items = nil
	resolved := make(map[string]int)
	for _, name := range p.names {
		rec, err := p.db.ReadRecord(name)
		if err != nil {
			result.Addf(diag.SeverityError, name, "package is not installed: %v", err)
			continue
		}
		if rec.Status == database.StatusNotInstalled {
			result.Addf(diag.SeverityError, name, "package is not installed")
			continue
		}
		resolved[name] = len(p.items)
		p.items = append(p.items, plan.Item{
			Name:       name,
			Arch:       firstField(rec.Control, "Architecture"),
			Origin:     plan.OriginExplicit,
			Unpacked:   rec.Status == database.StatusUnpacked,
			Configured: rec.Status == database.StatusInstalled,
		})
	}

	// 3. Refuse required/essential/hold packages unless forced.
	for i := range p.items {
		name := p.items[i].Name
		rec, err := p.db.ReadRecord(name)
		if err != nil {
			continue
		}
		if ess, _ := rec.Control.GetBooleanField("Essential"); ess {
			result.Add(p.demote(p.force.RemoveEssentials), name,
				fmt.Errorf("package is marked Essential and cannot be removed without force"))
		}
		if priority, ok := rec.Control.GetField("Priority"); ok && priority == "required" {
			result.Add(p.demote(p.force.RemoveEssentials), name,
				fmt.Errorf("package has Priority: required and cannot be removed without force"))
		}
		if rec.Selection == "hold" {
			result.Add(p.demote(p.force.Hold), name,
				fmt.Errorf("package is on hold and cannot be removed without force"))
		}
	}

	// 4. Reverse-dependency scan.
	installed, err := p.db.ListInstalled()
	if err != nil {
		result.Addf(diag.SeverityFatal, "", "listing installed packages: %v", err)
		return result
	}
	beingRemoved := func(name string) bool {
		_, ok := resolved[name]
		return ok
	}

	var recursiveQueue []string
	for _, other := range installed {
		if beingRemoved(other) {
			continue
		}
		rec, err := p.db.ReadRecord(other)
		if err != nil {
			continue
		}
		raw, ok := rec.Control.GetField("Depends")
		if !ok || raw == "" {
			continue
		}
		atoms, err := depends.ParseField(raw)
		if err != nil {
			continue
		}
		for _, a := range atoms {
			if !beingRemoved(a.Name) {
				continue
			}
			switch p.reverseMode {
			case ReverseModeIgnore:
				result.Addf(diag.SeverityWarning, other, "depends on %s, which is being removed", a.Name)
			case ReverseModeRecursive:
				if !beingRemoved(other) {
					recursiveQueue = append(recursiveQueue, other)
				}
			default:
				result.Add(p.demote(p.force.DependsBroken), other,
					fmt.Errorf("depends on %s, which is being removed", a.Name))
			}
		}
	}
	for _, name := range recursiveQueue {
		if beingRemoved(name) {
			continue
		}
		rec, err := p.db.ReadRecord(name)
		if err != nil {
			continue
		}
		resolved[name] = len(p.items)
		p.items = append(p.items, plan.Item{
			Name:       name,
			Arch:       firstField(rec.Control, "Architecture"),
			Origin:     plan.OriginImplicit,
			Unpacked:   rec.Status == database.StatusUnpacked,
			Configured: rec.Status == database.StatusInstalled,
		})
	}

	// 5. Validate hooks: running a package's "validate" hook script
	// requires shelling out via the engine's ScriptRunner, which this
	// planner does not hold a reference to; callers that want the hook
	// honored run it between Validate and Step using the resolved name
	// list from Items().

	p.topologicalSort()

	return result
}

func rejectArchiveReference(name string) error {
	for _, c := range name {
		if c == '/' {
			return fmt.Errorf("expected an installed package name, not a path")
		}
	}
	if len(name) > 5 && name[len(name)-5:] == ".wpkg" {
		return fmt.Errorf("expected an installed package name, not an archive reference")
	}
	return nil
}

func firstField(s interface{ GetField(string) (string, bool) }, name string) string {
	v, _ := s.GetField(name)
	return v
}

// topologicalSort orders items so that a reverse dependency is removed
// before the package it depends on, i.e. the reverse of install order.
func (p *Planner) topologicalSort() {
	var order []int
	visited := make([]bool, len(p.items))

	indexByName := make(map[string]int, len(p.items))
	for i := range p.items {
		indexByName[p.items[i].Name] = i
	}

	var visit func(i int)
	visit = func(i int) {
		if visited[i] {
			return
		}
		visited[i] = true
		rec, err := p.db.ReadRecord(p.items[i].Name)
		if err == nil {
			if raw, ok := rec.Control.GetField("Depends"); ok {
				if atoms, err := depends.ParseField(raw); err == nil {
					for _, a := range atoms {
						if idx, ok := indexByName[a.Name]; ok {
							visit(idx)
						}
					}
				}
			}
		}
		order = append(order, i)
	}

	for i := range p.items {
		visit(i)
	}

	// visit() appends in dependency-first order (like the installer);
	// removal must happen in the opposite order, dependents before their
	// dependencies.
	reversed := make([]int, len(order))
	for i, v := range order {
		reversed[len(order)-1-i] = v
	}
	p.sorted = reversed
}

// StepResult mirrors install.StepResult for the removal walk.
type StepResult struct {
	Index     int
	EndOfPlan bool
}

// Step returns the next item to process, in removal order.
func (p *Planner) Step() StepResult {
	if p.cursor >= len(p.sorted) {
		return StepResult{EndOfPlan: true}
	}
	idx := p.sorted[p.cursor]
	p.cursor++
	return StepResult{Index: idx}
}

// Item returns the plan item at index i.
func (p *Planner) Item(i int) plan.Item {
	return p.items[i]
}

// Purge reports whether this session is purging rather than just removing.
func (p *Planner) Purge() bool { return p.purge }

// Deconfigure reports whether this session is deconfiguring rather than
// fully removing.
func (p *Planner) Deconfigure() bool { return p.deconfigure }

// RemoveList returns the resolved, ordered set of package names this
// session will act on, in removal order: a dependent package comes before
// the package it depends on, whether it was named explicitly or not.
func (p *Planner) RemoveList() []string {
	names := make([]string, 0, len(p.sorted))
	for _, i := range p.sorted {
		names = append(names, p.items[i].Name)
	}
	return names
}

// Autoremove repeatedly scans the installed set for packages that were
// auto-selected (Selection == "auto") and have no remaining dependent,
// per spec.md §4.G ("autoremove"). It never selects an Essential or
// Priority: required package. When dryRun is true, it reports what would
// be removed without mutating the database.
func Autoremove(db *database.Database, dryRun bool) ([]string, error) {
	var removed []string
	skip := make(map[string]bool)
	for {
		installed, err := db.ListInstalled()
		if err != nil {
			return removed, err
		}

		removedSet := make(map[string]bool, len(removed))
		for _, name := range removed {
			removedSet[name] = true
		}

		dependedOn := make(map[string]bool)
		records := make(map[string]*database.Record, len(installed))
		for _, name := range installed {
			rec, err := db.ReadRecord(name)
			if err != nil {
				continue
			}
			records[name] = rec
			if removedSet[name] {
				// already selected for removal this run (dry-run never
				// mutates the DB, so installed still lists it); its
				// outgoing Depends edges must not keep anything else
				// artificially alive.
				continue
			}
			raw, ok := rec.Control.GetField("Depends")
			if !ok || raw == "" {
				continue
			}
			atoms, err := depends.ParseField(raw)
			if err != nil {
				continue
			}
			for _, a := range atoms {
				dependedOn[a.Name] = true
			}
		}

		var candidate string
		for _, name := range installed {
			rec := records[name]
			if rec == nil || rec.Selection != "auto" || dependedOn[name] || skip[name] {
				continue
			}
			if ess, _ := rec.Control.GetBooleanField("Essential"); ess {
				continue
			}
			if priority, ok := rec.Control.GetField("Priority"); ok && priority == "required" {
				continue
			}
			candidate = name
			break
		}
		if candidate == "" {
			return removed, nil
		}
		removed = append(removed, candidate)
		if dryRun {
			skip[candidate] = true
			continue
		}
		if err := db.SetStatus(candidate, database.StatusNotInstalled, "deinstall"); err != nil {
			return removed, err
		}
		if err := db.RemoveRecord(candidate); err != nil {
			return removed, err
		}
	}
}
