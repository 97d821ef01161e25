// SPDX-License-Identifier: GPL-3.0-or-later

package engine_test

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wpkgarchive "github.com/m2osw/wpkg-go/archive"
	"github.com/m2osw/wpkg-go/database"
	"github.com/m2osw/wpkg-go/engine"
	"github.com/m2osw/wpkg-go/plan"
)

type fakeRunner struct {
	calls []string
	fail  map[string]bool
}

func (f *fakeRunner) key(pkg, script string) string { return pkg + ":" + script }

func (f *fakeRunner) RunPackageScript(db *database.Database, pkg, script string, args ...string) error {
	f.calls = append(f.calls, f.key(pkg, script))
	if f.fail[f.key(pkg, script)] {
		return assertError{}
	}
	return nil
}

func (f *fakeRunner) RunHook(db *database.Database, script string, args ...string) error {
	f.calls = append(f.calls, "hook:"+script)
	return nil
}

type assertError struct{}

func (assertError) Error() string { return "script failed" }

func newTestDB(t *testing.T) (*database.Database, string) {
	t.Helper()
	dbRoot := t.TempDir()
	instRoot := t.TempDir()
	db, err := database.Open(dbRoot, instRoot)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, instRoot
}

func samplePackage() *wpkgarchive.Package {
	return &wpkgarchive.Package{
		Control: []wpkgarchive.Entry{
			{Name: "control", Content: []byte("Package: foo\nVersion: 1.0-1\nArchitecture: amd64\n")},
		},
		Data: []wpkgarchive.Entry{
			{Name: "./usr/bin/foo", Mode: 0755, Typeflag: tar.TypeReg, Content: []byte("binary")},
			{Name: "./usr/share/foo/", Mode: 0755, Typeflag: tar.TypeDir},
		},
	}
}

func TestUnpackFreshInstall(t *testing.T) {
	db, instRoot := newTestDB(t)
	runner := &fakeRunner{fail: map[string]bool{}}
	e := engine.New(db, nil, nil, plan.ForceFlags{})
	e.Runner = runner

	result := e.Unpack(samplePackage(), "foo", "1.0-1", "", "", instRoot)
	require.NoError(t, result.Err())

	content, err := os.ReadFile(filepath.Join(instRoot, "usr", "bin", "foo"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(content))

	rec, err := db.ReadRecord("foo")
	require.NoError(t, err)
	assert.Equal(t, database.StatusUnpacked, rec.Status)
	assert.Contains(t, runner.calls, "foo:preinst")
}

func TestUnpackThenConfigure(t *testing.T) {
	db, instRoot := newTestDB(t)
	runner := &fakeRunner{fail: map[string]bool{}}
	e := engine.New(db, nil, nil, plan.ForceFlags{})
	e.Runner = runner

	require.NoError(t, e.Unpack(samplePackage(), "foo", "1.0-1", "", "", instRoot).Err())
	result := e.Configure("foo", "1.0-1", instRoot)
	require.NoError(t, result.Err())

	rec, err := db.ReadRecord("foo")
	require.NoError(t, err)
	assert.Equal(t, database.StatusInstalled, rec.Status)
	assert.Contains(t, runner.calls, "foo:postinst")
}

func TestUnpackPreinstFailureRollsBackStatus(t *testing.T) {
	db, instRoot := newTestDB(t)
	runner := &fakeRunner{fail: map[string]bool{"foo:preinst": true}}
	e := engine.New(db, nil, nil, plan.ForceFlags{})
	e.Runner = runner

	result := e.Unpack(samplePackage(), "foo", "1.0-1", "", "", instRoot)
	assert.Error(t, result.Err())

	rec, err := db.ReadRecord("foo")
	require.NoError(t, err)
	assert.Equal(t, database.StatusNotInstalled, rec.Status)
}

func TestRemoveDeletesFilesAndSetsConfigFiles(t *testing.T) {
	db, instRoot := newTestDB(t)
	runner := &fakeRunner{fail: map[string]bool{}}
	e := engine.New(db, nil, nil, plan.ForceFlags{})
	e.Runner = runner

	require.NoError(t, e.Unpack(samplePackage(), "foo", "1.0-1", "", "", instRoot).Err())
	require.NoError(t, e.Configure("foo", "1.0-1", instRoot).Err())

	result := e.Remove("foo", false, false, instRoot, "foo_1.0-1_amd64.wpkg")
	require.NoError(t, result.Err())

	_, err := os.Stat(filepath.Join(instRoot, "usr", "bin", "foo"))
	assert.True(t, os.IsNotExist(err))

	rec, err := db.ReadRecord("foo")
	require.NoError(t, err)
	assert.Equal(t, database.StatusConfigFiles, rec.Status)
}

func TestPurgeSetsNotInstalled(t *testing.T) {
	db, instRoot := newTestDB(t)
	runner := &fakeRunner{fail: map[string]bool{}}
	e := engine.New(db, nil, nil, plan.ForceFlags{})
	e.Runner = runner

	require.NoError(t, e.Unpack(samplePackage(), "foo", "1.0-1", "", "", instRoot).Err())
	require.NoError(t, e.Configure("foo", "1.0-1", instRoot).Err())
	require.NoError(t, e.Remove("foo", true, false, instRoot, "foo_1.0-1_amd64.wpkg").Err())

	rec, err := db.ReadRecord("foo")
	require.NoError(t, err)
	assert.Equal(t, database.StatusNotInstalled, rec.Status)
}
