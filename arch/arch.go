// SPDX-License-Identifier: GPL-3.0-or-later

// Package arch parses and matches Debian-style architecture tuples
// (cpu-vendor-os, with "any" wildcards at any position) as used by
// dependency atom architecture masks and repository index entries.
package arch

import (
	"fmt"
	"strings"
)

// Tuple is a (CPU, vendor, OS) architecture specifier. Any field may be
// the wildcard "any".
type Tuple struct {
	CPU    string
	Vendor string
	OS     string
}

// Parse decomposes an architecture string into a Tuple. A bare word is
// treated as a CPU with vendor/OS defaulted to "any"; two words are CPU-OS
// with vendor "any"; three words are the full CPU-vendor-OS form. The
// literals "any", "any-any" and "any-any-any" all parse to the wildcard
// that matches everything.
func Parse(s string) (Tuple, error) {
	if s == "" {
		return Tuple{}, fmt.Errorf("empty architecture string")
	}
	parts := strings.Split(s, "-")
	switch len(parts) {
	case 1:
		if parts[0] == "any" {
			return Tuple{CPU: "any", Vendor: "any", OS: "any"}, nil
		}
		return Tuple{CPU: parts[0], Vendor: "any", OS: "any"}, nil
	case 2:
		return Tuple{CPU: parts[0], Vendor: "any", OS: parts[1]}, nil
	case 3:
		return Tuple{CPU: parts[0], Vendor: parts[1], OS: parts[2]}, nil
	default:
		return Tuple{}, fmt.Errorf("invalid architecture string %q", s)
	}
}

// MustParse is like Parse but panics on error; useful for table-driven
// constants.
func MustParse(s string) Tuple {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// String renders the tuple in canonical cpu-vendor-os form.
func (t Tuple) String() string {
	return strings.Join([]string{t.CPU, t.Vendor, t.OS}, "-")
}

// IsAny reports whether every component of the tuple is the "any"
// wildcard, i.e. this tuple matches any concrete architecture.
func (t Tuple) IsAny() bool {
	return t.CPU == "any" && t.Vendor == "any" && t.OS == "any"
}

func fieldMatches(a, b string) bool {
	return a == b || a == "any" || b == "any"
}

// Matches reports whether t and other denote compatible architectures:
// "any" in either tuple's corresponding field matches anything, per
// spec.md §4.B.
func (t Tuple) Matches(other Tuple) bool {
	if t.IsAny() || other.IsAny() {
		return true
	}
	return fieldMatches(t.CPU, other.CPU) &&
		fieldMatches(t.Vendor, other.Vendor) &&
		fieldMatches(t.OS, other.OS)
}

// Mask is an architecture restriction on a dependency atom: a list of
// tuples that either must all match (positive) or must all not match
// (negative — a leading '!' on every entry).
type Mask struct {
	Negated bool
	Tuples  []Tuple
}

// Allows reports whether target satisfies this mask. An empty mask allows
// everything.
func (m Mask) Allows(target Tuple) bool {
	if len(m.Tuples) == 0 {
		return true
	}
	matchesAny := false
	for _, t := range m.Tuples {
		if t.Matches(target) {
			matchesAny = true
			break
		}
	}
	if m.Negated {
		return !matchesAny
	}
	return matchesAny
}

// String renders the mask in "[arch1 arch2]" / "[!arch1 !arch2]" form.
func (m Mask) String() string {
	if len(m.Tuples) == 0 {
		return ""
	}
	names := make([]string, len(m.Tuples))
	for i, t := range m.Tuples {
		name := t.String()
		if m.Negated {
			name = "!" + name
		}
		names[i] = name
	}
	return "[" + strings.Join(names, " ") + "]"
}
