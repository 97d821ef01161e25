// SPDX-License-Identifier: GPL-3.0-or-later

// Package diag holds the severity-leveled diagnostic accumulator shared
// by the installer planner, remove planner, and execution engine, per
// spec.md §7 ("every validation step records errors at levels
// info/warning/error/fatal").
package diag

import (
	"errors"
	"fmt"
)

// Severity classifies a diagnostic raised during validation or execution,
// per spec.md §7 ("every validation step records errors at levels
// info/warning/error/fatal").
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Diagnostic is one message raised while validating or executing a plan.
type Diagnostic struct {
	Severity Severity
	Package  string
	Message  string
}

func (d Diagnostic) String() string {
	if d.Package == "" {
		return fmt.Sprintf("%s: %s", d.Severity, d.Message)
	}
	return fmt.Sprintf("%s: %s: %s", d.Severity, d.Package, d.Message)
}

// Result aggregates diagnostics from a multi-step validation or execution
// pipeline; modeled on the collect-and-continue error accumulator pattern
// used throughout this codebase's package-building counterpart.
type Result struct {
	Diagnostics []Diagnostic
}

// Add appends a diagnostic. If err is nil, nothing happens, so callers
// can write result.Add(SeverityError, pkg, someOperation()) unconditionally.
func (r *Result) Add(severity Severity, pkg string, err error) {
	if err == nil {
		return
	}
	r.Diagnostics = append(r.Diagnostics, Diagnostic{Severity: severity, Package: pkg, Message: err.Error()})
}

// Addf appends a formatted diagnostic at the given severity.
func (r *Result) Addf(severity Severity, pkg, format string, args ...interface{}) {
	r.Diagnostics = append(r.Diagnostics, Diagnostic{Severity: severity, Package: pkg, Message: fmt.Sprintf(format, args...)})
}

// Merge appends every diagnostic from other into r.
func (r *Result) Merge(other Result) {
	r.Diagnostics = append(r.Diagnostics, other.Diagnostics...)
}

// OK reports whether the session remains valid: spec.md §7 defines this
// as "error count is zero (warnings tolerated)" — SeverityError and
// SeverityFatal both fail it, SeverityWarning and SeverityInfo do not.
func (r Result) OK() bool {
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError || d.Severity == SeverityFatal {
			return false
		}
	}
	return true
}

// HasFatal reports whether any diagnostic is fatal, meaning the pipeline
// must stop immediately rather than collecting further errors.
func (r Result) HasFatal() bool {
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityFatal {
			return true
		}
	}
	return false
}

// Err condenses the result into a single error, or nil if OK.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	var errs []error
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError || d.Severity == SeverityFatal {
			errs = append(errs, errors.New(d.String()))
		}
	}
	return errors.Join(errs...)
}
