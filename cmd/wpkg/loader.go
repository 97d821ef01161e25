// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"
	"fmt"
	"os"

	wpkgarchive "github.com/m2osw/wpkg-go/archive"
	"github.com/m2osw/wpkg-go/control"
)

// fileArchiveLoader resolves an explicit archive reference (a .wpkg file
// path given on the command line, or recorded in a journal entry) to its
// control stanza and full contents, reading each file at most once per
// invocation.
type fileArchiveLoader struct {
	packages map[string]*wpkgarchive.Package
}

func newFileArchiveLoader() *fileArchiveLoader {
	return &fileArchiveLoader{packages: map[string]*wpkgarchive.Package{}}
}

// LoadControl implements install.ArchiveLoader.
func (l *fileArchiveLoader) LoadControl(ref string) (*control.Stanza, error) {
	pkg, err := l.loadPackage(ref)
	if err != nil {
		return nil, err
	}
	entry, ok := wpkgarchive.Find(pkg.Control, "control")
	if !ok {
		return nil, fmt.Errorf("%s: archive has no control member", ref)
	}
	return control.ParseOne(bytes.NewReader(entry.Content))
}

func (l *fileArchiveLoader) loadPackage(ref string) (*wpkgarchive.Package, error) {
	if pkg, ok := l.packages[ref]; ok {
		return pkg, nil
	}
	f, err := os.Open(ref)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", ref, err)
	}
	defer f.Close()

	pkg, err := wpkgarchive.ReadPackage(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ref, err)
	}
	l.packages[ref] = pkg
	return pkg, nil
}
