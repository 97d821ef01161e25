// SPDX-License-Identifier: GPL-3.0-or-later

package remove_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m2osw/wpkg-go/database"
	"github.com/m2osw/wpkg-go/remove"
)

func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.Open(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func installPackage(t *testing.T, db *database.Database, name string, fields map[string]string, status database.Status, selection string) {
	t.Helper()
	require.NoError(t, db.CreateRecord(name))
	require.NoError(t, db.WriteField(name, "Package", name))
	for k, v := range fields {
		require.NoError(t, db.WriteField(name, k, v))
	}
	require.NoError(t, db.SetStatus(name, status, selection))
}

func TestValidateRejectsArchiveReference(t *testing.T) {
	db := newTestDB(t)
	p := remove.New(db)
	p.AddPackage("foo_1.0-1_amd64.wpkg")

	result := p.Validate()
	assert.True(t, result.HasFatal())
}

func TestValidateRejectsNotInstalled(t *testing.T) {
	db := newTestDB(t)
	p := remove.New(db)
	p.AddPackage("foo")

	result := p.Validate()
	assert.Error(t, result.Err())
}

func TestValidateRemovesSimplePackage(t *testing.T) {
	db := newTestDB(t)
	installPackage(t, db, "foo", nil, database.StatusInstalled, "install")

	p := remove.New(db)
	p.AddPackage("foo")

	result := p.Validate()
	require.NoError(t, result.Err())
	assert.Equal(t, []string{"foo"}, p.RemoveList())
}

func TestValidateRefusesEssentialWithoutForce(t *testing.T) {
	db := newTestDB(t)
	installPackage(t, db, "foo", map[string]string{"Essential": "yes"}, database.StatusInstalled, "install")

	p := remove.New(db)
	p.AddPackage("foo")

	result := p.Validate()
	assert.Error(t, result.Err())
}

func TestValidateAllowsEssentialWithForce(t *testing.T) {
	db := newTestDB(t)
	installPackage(t, db, "foo", map[string]string{"Essential": "yes"}, database.StatusInstalled, "install")

	p := remove.New(db)
	p.AddPackage("foo")
	p.SetForce("remove-essentials", true)

	result := p.Validate()
	require.NoError(t, result.Err())
}

func TestValidateFailsOnReverseDependency(t *testing.T) {
	db := newTestDB(t)
	installPackage(t, db, "bar", nil, database.StatusInstalled, "install")
	installPackage(t, db, "foo", map[string]string{"Depends": "bar"}, database.StatusInstalled, "install")

	p := remove.New(db)
	p.AddPackage("bar")

	result := p.Validate()
	assert.Error(t, result.Err())
}

func TestValidateRecursiveModePullsInDependent(t *testing.T) {
	db := newTestDB(t)
	installPackage(t, db, "bar", nil, database.StatusInstalled, "install")
	installPackage(t, db, "foo", map[string]string{"Depends": "bar"}, database.StatusInstalled, "install")

	p := remove.New(db)
	p.AddPackage("bar")
	p.SetReverseMode(remove.ReverseModeRecursive)

	result := p.Validate()
	require.NoError(t, result.Err())

	list := p.RemoveList()
	assert.Contains(t, list, "foo")
	assert.Contains(t, list, "bar")
	// foo depends on bar, so foo must be removed first.
	fooIdx, barIdx := -1, -1
	for i, n := range list {
		if n == "foo" {
			fooIdx = i
		}
		if n == "bar" {
			barIdx = i
		}
	}
	assert.Less(t, fooIdx, barIdx)
}

func TestAutoremoveSkipsExplicitlyInstalled(t *testing.T) {
	db := newTestDB(t)
	installPackage(t, db, "foo", nil, database.StatusInstalled, "install")

	removed, err := remove.Autoremove(db, true)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestAutoremoveDryRunLeavesDatabaseUntouched(t *testing.T) {
	db := newTestDB(t)
	installPackage(t, db, "foo", nil, database.StatusInstalled, "auto")

	removed, err := remove.Autoremove(db, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"foo"}, removed)

	rec, err := db.ReadRecord("foo")
	require.NoError(t, err)
	assert.Equal(t, database.StatusInstalled, rec.Status)
}

func TestAutoremoveDeletesAutoSelectedPackages(t *testing.T) {
	db := newTestDB(t)
	installPackage(t, db, "foo", nil, database.StatusInstalled, "auto")

	removed, err := remove.Autoremove(db, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"foo"}, removed)
	assert.False(t, db.HasRecord("foo"))
}

func TestAutoremoveNeverTouchesEssential(t *testing.T) {
	db := newTestDB(t)
	installPackage(t, db, "foo", map[string]string{"Essential": "yes"}, database.StatusInstalled, "auto")

	removed, err := remove.Autoremove(db, false)
	require.NoError(t, err)
	assert.Empty(t, removed)
}
