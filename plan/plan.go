// SPDX-License-Identifier: GPL-3.0-or-later

// Package plan holds the vocabulary shared by the installer planner,
// remove planner, and execution engine: package items, origins, session
// modes, and force flags, per spec.md §3 and §4.F.
package plan

import (
	"github.com/m2osw/wpkg-go/control"
	"github.com/m2osw/wpkg-go/version"
)

// Origin tags how a package item entered the session, per spec.md §3
// ("Package item").
type Origin int

const (
	OriginExplicit Origin = iota
	OriginImplicit
	OriginAvailable
	OriginInstalled
	OriginUnpacked
	OriginConfigurePending
	OriginUpgrade
	OriginUpgradeImplicit
	OriginDowngrade
	OriginNotInstalled
	OriginInvalid
	OriginSameVersion
	OriginOlder
	OriginDirectoryInput
)

var originNames = map[Origin]string{
	OriginExplicit:         "explicit",
	OriginImplicit:         "implicit",
	OriginAvailable:        "available",
	OriginInstalled:        "installed",
	OriginUnpacked:         "unpacked",
	OriginConfigurePending: "configure-pending",
	OriginUpgrade:          "upgrade",
	OriginUpgradeImplicit:  "upgrade-implicit",
	OriginDowngrade:        "downgrade",
	OriginNotInstalled:     "not-installed",
	OriginInvalid:          "invalid",
	OriginSameVersion:      "same-version",
	OriginOlder:            "older",
	OriginDirectoryInput:   "directory-input",
}

func (o Origin) String() string {
	if n, ok := originNames[o]; ok {
		return n
	}
	return "unknown"
}

// Mode is the session action the planner was configured for.
type Mode int

const (
	ModeInstalling Mode = iota
	ModeUnpacking
	ModeConfiguring
	ModeReconfiguring
	ModeRemoving
	ModePurging
	ModeDeconfiguring
)

// Item is a package metadata object flowing through validation: either an
// explicit operand, an installed record, or a repository candidate, per
// spec.md §3.
type Item struct {
	Name    string
	Arch    string
	Version version.Version
	Origin  Origin

	Store *control.Store

	// UpgradeTargetIndex links to the installed instance this item would
	// replace, by index into the session's flat item list; -1 if none.
	// Indices, not pointers, so the list stays a flat slice with no
	// ownership cycles between installed and candidate graphs.
	UpgradeTargetIndex int

	Unpacked   bool
	Configured bool

	// ArchivePath is set for explicit archive-reference inputs; empty for
	// items sourced from the installed database or a repository.
	ArchivePath string
}

// ForceFlags demotes specific classes of validation failure to warnings,
// per spec.md §4.F ("set_force(flag, bool)") and §4.G.
type ForceFlags struct {
	Architecture      bool
	Breaks            bool
	ConfigureAny      bool
	Conflicts         bool
	Depends           bool
	DependsVersion    bool
	Distribution      bool
	Downgrade         bool
	FileInfo          bool
	Hold              bool
	Overwrite         bool
	OverwriteDir      bool
	Rollback          bool
	UpgradeAnyVersion bool
	Vendor            bool

	// Remove-planner-specific forces (spec.md §4.G).
	RemoveEssentials bool
	DependsBroken    bool
	Recursive        bool
}

// Demoted reports whether a check guarded by a force flag is demoted to a
// warning; it returns forced unchanged.
func (f ForceFlags) Demoted(forced bool) bool {
	return forced
}
